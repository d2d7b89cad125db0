package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/boardsync/utils"
)

const (
	tcpReadChunk = 16 << 10

	minRetryPeriod = time.Second / 2
	maxRetryPeriod = time.Minute
)

// TCP is a small full-mesh transport: every replica listens and/or
// dials every other, payloads travel as TLV 'B' records over plain
// TCP. Peers do not relay, so the mesh must be complete. Dialed
// addresses are retried forever with exponential backoff, the way a
// long-lived sync link should be.
type TCP struct {
	log    utils.Logger
	closed atomic.Bool
	wg     sync.WaitGroup

	conns   *xsync.MapOf[string, *tcpPeer]
	listens *xsync.MapOf[string, net.Listener]

	hmu     sync.Mutex
	handler Handler
}

type tcpPeer struct {
	conn net.Conn
	wmu  sync.Mutex
}

func NewTCP(log utils.Logger) *TCP {
	return &TCP{
		log:     log,
		conns:   xsync.NewMapOf[string, *tcpPeer](),
		listens: xsync.NewMapOf[string, net.Listener](),
	}
}

// Listen accepts inbound peers on addr. The empty port form
// ("127.0.0.1:0") works; Addr reports what was bound.
func (t *TCP) Listen(ctx context.Context, addr string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	cfg := net.ListenConfig{}
	l, err := cfg.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	if _, loaded := t.listens.LoadOrStore(addr, l); loaded {
		_ = l.Close()
		return ErrDuplicate
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(ctx, l)
	}()
	return nil
}

// Addr returns the bound address of the listener opened under addr.
func (t *TCP) Addr(addr string) net.Addr {
	l, ok := t.listens.Load(addr)
	if !ok {
		return nil
	}
	return l.Addr()
}

func (t *TCP) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		name := conn.RemoteAddr().String()
		t.install(ctx, name, conn)
	}
}

// Connect dials addr and keeps redialing whenever the link drops.
func (t *TCP) Connect(ctx context.Context, addr string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if _, loaded := t.conns.LoadOrStore(addr, nil); loaded {
		return ErrDuplicate
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.keepConnecting(ctx, addr)
	}()
	return nil
}

func (t *TCP) keepConnecting(ctx context.Context, addr string) {
	period := minRetryPeriod
	for !t.closed.Load() && ctx.Err() == nil {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			t.log.Warn("dial failed", "addr", addr, "err", err, "retry", period)
			select {
			case <-ctx.Done():
				return
			case <-time.After(period):
			}
			period *= 2
			if period > maxRetryPeriod {
				period = maxRetryPeriod
			}
			continue
		}
		period = minRetryPeriod
		t.log.Info("connected", "addr", addr)
		peer := &tcpPeer{conn: conn}
		t.conns.Store(addr, peer)
		t.readLoop(conn) // returns when the link drops
		t.conns.Store(addr, nil)
		_ = conn.Close()
	}
}

func (t *TCP) install(ctx context.Context, name string, conn net.Conn) {
	peer := &tcpPeer{conn: conn}
	t.conns.Store(name, peer)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(conn)
		t.conns.Delete(name)
		_ = conn.Close()
	}()
}

func (t *TCP) readLoop(conn net.Conn) {
	var buf []byte
	chunk := make([]byte, tcpReadChunk)
	for !t.closed.Load() {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				body, rest := toytlv.Take('B', buf)
				if body == nil {
					if rest == nil {
						t.log.Error("bad frame, dropping link", "addr", conn.RemoteAddr())
						return
					}
					break // incomplete, read more
				}
				t.dispatch(body)
				buf = rest
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *TCP) dispatch(payload []byte) {
	t.hmu.Lock()
	h := t.handler
	t.hmu.Unlock()
	if h != nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		h(cp)
	}
}

func (t *TCP) Send(payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	frame := toytlv.Record('B', payload)
	sent := false
	t.conns.Range(func(_ string, p *tcpPeer) bool {
		if p == nil {
			return true
		}
		p.wmu.Lock()
		_, err := p.conn.Write(frame)
		p.wmu.Unlock()
		if err == nil {
			sent = true
		}
		return true
	})
	if !sent {
		return ErrNotReady
	}
	return nil
}

func (t *TCP) Ready() bool {
	if t.closed.Load() {
		return false
	}
	ready := false
	t.conns.Range(func(_ string, p *tcpPeer) bool {
		if p != nil {
			ready = true
			return false
		}
		return true
	})
	return ready
}

func (t *TCP) OnMessage(h Handler) {
	t.hmu.Lock()
	t.handler = h
	t.hmu.Unlock()
}

func (t *TCP) Close() error {
	t.closed.Store(true)
	t.listens.Range(func(_ string, l net.Listener) bool {
		_ = l.Close()
		return true
	})
	t.listens.Clear()
	t.conns.Range(func(_ string, p *tcpPeer) bool {
		if p != nil {
			_ = p.conn.Close()
		}
		return true
	})
	t.conns.Clear()
	t.wg.Wait()
	return nil
}
