package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func noSleep(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }

func TestBackoff_ExponentialCappedWithJitter(t *testing.T) {
	r := NewReconnector("t", ReconnectConfig{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}, Handlers{})

	assert.Equal(t, 100*time.Millisecond, r.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, r.Backoff(4))
	assert.Equal(t, time.Second, r.Backoff(5))
	assert.Equal(t, time.Second, r.Backoff(64))

	r.cfg.Jitter = 50 * time.Millisecond
	r.jitter = func(max time.Duration) time.Duration { return max / 2 }
	assert.Equal(t, 225*time.Millisecond, r.Backoff(2))
}

func TestReconnector_GivesUpAfterMaxAttempts(t *testing.T) {
	// First dial succeeds against a server that drops the socket; every
	// reconnect after that fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	var dials, failed, disconnected int32
	r := NewReconnector("t", ReconnectConfig{URL: wsURL(srv), MaxAttempts: 15}, Handlers{
		OnDisconnected: func() { atomic.AddInt32(&disconnected, 1) },
	})
	r.sleep = noSleep
	r.SetDialer(func(ctx context.Context, url string) (*websocket.Conn, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return DefaultDial(ctx, url)
		}
		atomic.AddInt32(&failed, 1)
		return nil, errors.New("connection refused")
	})

	r.Start(context.Background())
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reconnector did not give up")
	}

	assert.Equal(t, int32(15), atomic.LoadInt32(&failed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnected))
	assert.Equal(t, StateGivenUp, r.State())

	// No further attempts after giving up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(16), atomic.LoadInt32(&dials))
	r.Stop()
}

func TestReconnector_ResetsAttemptsAndRunsConnectHook(t *testing.T) {
	var mu sync.Mutex
	var received []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		received = append(received, string(msg))
		mu.Unlock()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":true}`))
		// Drop the connection after the greeting.
	}))
	defer srv.Close()

	var messages int32
	var states []ConnState
	var stateMu sync.Mutex

	var r *Reconnector
	r = NewReconnector("t", ReconnectConfig{URL: wsURL(srv)}, Handlers{
		OnConnect: func() error { return r.WriteJSON(map[string]string{"op": "subscribe"}) },
		OnMessage: func([]byte) { atomic.AddInt32(&messages, 1) },
		OnStateChange: func(s ConnState) {
			stateMu.Lock()
			states = append(states, s)
			stateMu.Unlock()
		},
	})
	r.sleep = noSleep

	r.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	r.Stop()

	mu.Lock()
	for _, msg := range received {
		assert.JSONEq(t, `{"op":"subscribe"}`, msg)
	}
	mu.Unlock()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&messages), int32(2))
	assert.LessOrEqual(t, r.Attempts(), 1)
	assert.Equal(t, StateDisconnected, r.State())

	stateMu.Lock()
	defer stateMu.Unlock()
	assert.Contains(t, states, StateConnected)
	assert.Contains(t, states, StateReconnecting)
}

func TestReconnector_StopWhileBackingOff(t *testing.T) {
	r := NewReconnector("t", ReconnectConfig{URL: "ws://127.0.0.1:1", BaseDelay: time.Hour}, Handlers{})
	r.SetDialer(func(context.Context, string) (*websocket.Conn, error) {
		return nil, errors.New("refused")
	})

	r.Start(context.Background())
	require.Eventually(t, func() bool { return r.State() == StateReconnecting }, time.Second, time.Millisecond)

	r.Stop()
	assert.Equal(t, StateDisconnected, r.State())
}

func TestReconnector_WriteWhenDisconnected(t *testing.T) {
	r := NewReconnector("t", ReconnectConfig{}, Handlers{})
	assert.ErrorIs(t, r.WriteJSON(map[string]string{}), errNotConnected)
}
