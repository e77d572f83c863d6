package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer accepts stream connections and hands each to accept.
func wsTestServer(t *testing.T, accept func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(conn)
	}))
}

func waitForState(t *testing.T, state *connState, want ConnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if state.Is(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, state.Get())
}

func TestStreamLeavesConnectedWhenConnectionDrops(t *testing.T) {
	conns := make(chan *websocket.Conn, 2)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		conns <- conn
	})
	defer srv.Close()

	var state connState
	var stats Stats
	s := newStreamClient("test", "ws"+strings.TrimPrefix(srv.URL, "http"), &state, &stats, testLogger())
	s.onMessage = func([]byte) {}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	waitForState(t, &state, StateConnected, 2*time.Second)

	// Kill the served connection; health must drop before the next dial
	// attempt, not after the backoff sleep.
	first := <-conns
	first.Close()
	waitForState(t, &state, StateConnecting, 500*time.Millisecond)

	// The client recovers on its own.
	waitForState(t, &state, StateConnected, 3*time.Second)
	assert.GreaterOrEqual(t, stats.Snapshot().Reconnects, int64(1))

	cancel()
	waitForState(t, &state, StateDisconnected, 2*time.Second)
}

func TestStreamReplaysSubscriptionsOnReconnect(t *testing.T) {
	frames := make(chan string, 4)
	conns := make(chan *websocket.Conn, 2)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
	})
	defer srv.Close()

	var state connState
	var stats Stats
	s := newStreamClient("test", "ws"+strings.TrimPrefix(srv.URL, "http"), &state, &stats, testLogger())
	s.onMessage = func([]byte) {}
	s.sendSubscribe = func(conn wsWriter, subs []subKey) error {
		names := make([]string, 0, len(subs))
		for _, key := range subs {
			names = append(names, key.symbol)
		}
		return conn.WriteJSON(names)
	}

	require.NoError(t, s.subscribe(StreamTicker, "BTCUSDT"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	waitForState(t, &state, StateConnected, 2*time.Second)
	select {
	case frame := <-frames:
		assert.Contains(t, frame, "BTCUSDT")
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame on first connect")
	}

	// Drop the connection; the replacement must replay the registered
	// subscription before reporting Connected again.
	first := <-conns
	first.Close()
	waitForState(t, &state, StateConnected, 3*time.Second)
	select {
	case frame := <-frames:
		assert.Contains(t, frame, "BTCUSDT")
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame after reconnect")
	}
}
