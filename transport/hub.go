package transport

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Hub is an in-process broadcast channel: every payload sent by one
// member is delivered to every member, the sender included (a real
// pub/sub channel echoes too; the inbound batcher drops the echo by
// sender id). Used by tests and the demo REPL.
type Hub struct {
	nextID atomic.Uint64
	conns  *xsync.MapOf[uint64, *HubConn]
}

func NewHub() *Hub {
	return &Hub{conns: xsync.NewMapOf[uint64, *HubConn]()}
}

// Join adds a member and returns its endpoint.
func (h *Hub) Join() *HubConn {
	c := &HubConn{hub: h, id: h.nextID.Add(1)}
	c.ready.Store(true)
	h.conns.Store(c.id, c)
	return c
}

type HubConn struct {
	hub    *Hub
	id     uint64
	ready  atomic.Bool
	closed atomic.Bool

	hmu     sync.Mutex
	handler Handler
}

func (c *HubConn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.ready.Load() {
		return ErrNotReady
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.hub.conns.Range(func(_ uint64, peer *HubConn) bool {
		peer.deliver(cp)
		return true
	})
	return nil
}

func (c *HubConn) deliver(payload []byte) {
	if c.closed.Load() || !c.ready.Load() {
		return
	}
	c.hmu.Lock()
	h := c.handler
	c.hmu.Unlock()
	if h != nil {
		h(payload)
	}
}

func (c *HubConn) Ready() bool {
	return c.ready.Load() && !c.closed.Load()
}

func (c *HubConn) OnMessage(h Handler) {
	c.hmu.Lock()
	c.handler = h
	c.hmu.Unlock()
}

// Pause makes the member not-ready: sends fail, deliveries are
// dropped. Simulates a channel that has not (re)joined yet.
func (c *HubConn) Pause() { c.ready.Store(false) }

func (c *HubConn) Resume() { c.ready.Store(true) }

func (c *HubConn) Close() error {
	c.closed.Store(true)
	c.hub.conns.Delete(c.id)
	return nil
}
