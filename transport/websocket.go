package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/drpcorg/boardsync/utils"
)

// Websocket connects to a broadcast relay over a websocket and keeps
// reconnecting with exponential backoff while the replica is alive.
// The relay is expected to fan every binary message out to all other
// connected clients.
type Websocket struct {
	url    string
	log    utils.Logger
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	cmu  sync.Mutex // guards conn and writes to it
	conn *websocket.Conn

	hmu     sync.Mutex
	handler Handler
}

func NewWebsocket(ctx context.Context, url string, log utils.Logger) *Websocket {
	ctx, cancel := context.WithCancel(ctx)
	ws := &Websocket{url: url, log: log, cancel: cancel}
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		ws.keepConnected(ctx)
	}()
	return ws
}

func (ws *Websocket) keepConnected(ctx context.Context) {
	for !ws.closed.Load() && ctx.Err() == nil {
		var conn *websocket.Conn
		dial := func() error {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, ws.url, nil)
			if err != nil {
				return errors.Wrapf(err, "dial %s", ws.url)
			}
			conn = c
			return nil
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry until closed
		if err := backoff.Retry(dial, backoff.WithContext(bo, ctx)); err != nil {
			return
		}

		ws.cmu.Lock()
		ws.conn = conn
		ws.cmu.Unlock()
		ws.log.Info("websocket connected", "url", ws.url)

		ws.readLoop(conn)

		ws.cmu.Lock()
		ws.conn = nil
		ws.cmu.Unlock()
		_ = conn.Close()
		if !ws.closed.Load() {
			ws.log.Warn("websocket disconnected, reconnecting", "url", ws.url)
		}
	}
}

func (ws *Websocket) readLoop(conn *websocket.Conn) {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		ws.hmu.Lock()
		h := ws.handler
		ws.hmu.Unlock()
		if h != nil {
			h(payload)
		}
	}
}

func (ws *Websocket) Send(payload []byte) error {
	if ws.closed.Load() {
		return ErrClosed
	}
	ws.cmu.Lock()
	defer ws.cmu.Unlock()
	if ws.conn == nil {
		return ErrNotReady
	}
	return ws.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (ws *Websocket) Ready() bool {
	if ws.closed.Load() {
		return false
	}
	ws.cmu.Lock()
	defer ws.cmu.Unlock()
	return ws.conn != nil
}

func (ws *Websocket) OnMessage(h Handler) {
	ws.hmu.Lock()
	ws.handler = h
	ws.hmu.Unlock()
}

func (ws *Websocket) Close() error {
	ws.closed.Store(true)
	ws.cancel()
	ws.cmu.Lock()
	if ws.conn != nil {
		_ = ws.conn.Close()
	}
	ws.cmu.Unlock()
	ws.wg.Wait()
	return nil
}
