package relayclient

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/federated/agentfabric/pkg/taskexec"
	"github.com/federated/agentfabric/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var upgrader = websocket.Upgrader{}

func newFakeRelayServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	connCh := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	}))
	return ts, connCh
}

func TestClient_HelloHandshake(t *testing.T) {
	ts, connCh := newFakeRelayServer(t)
	defer ts.Close()
	wsURL := "ws" + ts.URL[len("http"):] + "/"

	executor := taskexec.New(taskexec.Config{}, nil, nil)
	c := New(Config{RelayURL: wsURL, NodeID: "node-a"}, RateLimitConfig{PerMin: 6000, Burst: 600}, RateLimitConfig{PerMin: 6000, Burst: 600}, executor, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	serverConn := <-connCh
	defer serverConn.Close()

	var hello wire.Envelope
	require.NoError(t, serverConn.ReadJSON(&hello))
	require.Equal(t, "relay_hello", hello.Type)

	var p helloPayload
	require.NoError(t, hello.Decode(&p))
	require.Equal(t, "node-a", p.NodeID)

	require.NoError(t, serverConn.WriteJSON(wire.New("relay_hello_ok", hello.ID, map[string]string{"nodeId": "node-a"})))
}

func TestClient_HandlesRelayTask(t *testing.T) {
	ts, connCh := newFakeRelayServer(t)
	defer ts.Close()
	wsURL := "ws" + ts.URL[len("http"):] + "/"

	executor := taskexec.New(taskexec.Config{}, nil, nil)
	c := New(Config{RelayURL: wsURL, NodeID: "node-a"}, RateLimitConfig{PerMin: 6000, Burst: 600}, RateLimitConfig{PerMin: 6000, Burst: 600}, executor, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	serverConn := <-connCh
	defer serverConn.Close()

	var hello wire.Envelope
	require.NoError(t, serverConn.ReadJSON(&hello))
	require.NoError(t, serverConn.WriteJSON(wire.New("relay_hello_ok", hello.ID, nil)))

	require.NoError(t, serverConn.WriteJSON(wire.New("relay_task", "internal-1", taskPayload{Kind: "echo", Prompt: "hi"})))

	var result wire.Envelope
	require.NoError(t, serverConn.ReadJSON(&result))
	require.Equal(t, "relay_result", result.Type)
	require.Equal(t, "internal-1", result.ID)

	var rp resultPayload
	require.NoError(t, result.Decode(&rp))
	require.True(t, rp.OK)
	require.Equal(t, "hi", rp.Content)
	require.Equal(t, "node-a", rp.NodeID)
}

func TestClient_RejectsUnsupportedKind(t *testing.T) {
	ts, connCh := newFakeRelayServer(t)
	defer ts.Close()
	wsURL := "ws" + ts.URL[len("http"):] + "/"

	executor := taskexec.New(taskexec.Config{}, nil, nil)
	c := New(Config{RelayURL: wsURL, NodeID: "node-a"}, RateLimitConfig{PerMin: 6000, Burst: 600}, RateLimitConfig{PerMin: 6000, Burst: 600}, executor, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	serverConn := <-connCh
	defer serverConn.Close()

	var hello wire.Envelope
	require.NoError(t, serverConn.ReadJSON(&hello))
	require.NoError(t, serverConn.WriteJSON(wire.New("relay_hello_ok", hello.ID, nil)))

	require.NoError(t, serverConn.WriteJSON(wire.New("relay_task", "internal-2", taskPayload{Kind: "bogus", Prompt: "hi"})))

	var result wire.Envelope
	require.NoError(t, serverConn.ReadJSON(&result))
	var rp resultPayload
	require.NoError(t, result.Decode(&rp))
	require.False(t, rp.OK)
}
