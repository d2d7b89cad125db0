package transport

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/boardsync/utils"
)

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	b := hub.Join()
	c := hub.Join()

	var mu sync.Mutex
	got := map[string]int{}
	collect := func(name string) Handler {
		return func(payload []byte) {
			mu.Lock()
			got[name+":"+string(payload)]++
			mu.Unlock()
		}
	}
	a.OnMessage(collect("a"))
	b.OnMessage(collect("b"))
	c.OnMessage(collect("c"))

	require.NoError(t, a.Send([]byte("hi")))

	mu.Lock()
	defer mu.Unlock()
	// everyone hears it, the sender included (echo)
	assert.Equal(t, 1, got["a:hi"])
	assert.Equal(t, 1, got["b:hi"])
	assert.Equal(t, 1, got["c:hi"])
}

func TestHubPause(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	b := hub.Join()

	heard := 0
	b.OnMessage(func([]byte) { heard++ })

	b.Pause()
	assert.False(t, b.Ready())
	require.NoError(t, a.Send([]byte("x")))
	assert.Equal(t, 0, heard)
	assert.ErrorIs(t, b.Send([]byte("y")), ErrNotReady)

	b.Resume()
	require.NoError(t, a.Send([]byte("x")))
	assert.Equal(t, 1, heard)
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	b := hub.Join()
	require.NoError(t, b.Close())
	assert.False(t, b.Ready())
	assert.ErrorIs(t, b.Send([]byte("x")), ErrClosed)
	assert.NoError(t, a.Send([]byte("x")))
}

func TestTCPRoundtrip(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewTCP(log)
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0"))
	addr := srv.Addr("127.0.0.1:0")
	require.NotNil(t, addr)

	cli := NewTCP(log)
	require.NoError(t, cli.Connect(ctx, addr.String()))

	require.Eventually(t, cli.Ready, 5*time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	var srvGot, cliGot [][]byte
	srv.OnMessage(func(p []byte) {
		mu.Lock()
		srvGot = append(srvGot, p)
		mu.Unlock()
	})
	cli.OnMessage(func(p []byte) {
		mu.Lock()
		cliGot = append(cliGot, p)
		mu.Unlock()
	})

	require.NoError(t, cli.Send([]byte("from client")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(srvGot) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "from client", string(srvGot[0]))

	require.Eventually(t, srv.Ready, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Send([]byte("from server")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cliGot) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "from server", string(cliGot[0]))

	cancel()
	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
	assert.ErrorIs(t, cli.Send([]byte("late")), ErrClosed)
}
