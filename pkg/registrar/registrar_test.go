package registrar

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/federated/agentfabric/pkg/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_RegistersAndStopsOnContextCancel(t *testing.T) {
	var registers int32
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var reg wire.Envelope
		require.NoError(t, conn.ReadJSON(&reg))
		require.Equal(t, "register", reg.Type)
		atomic.AddInt32(&registers, 1)
		require.NoError(t, conn.WriteJSON(wire.New("register_ok", reg.ID, map[string]string{"nodeId": "n1"})))

		var upd wire.Envelope
		_ = conn.ReadJSON(&upd)
	}))
	defer ts.Close()

	c := New(Config{
		RegistryURL:  "ws" + strings.TrimPrefix(ts.URL, "http"),
		NodeID:       "n1",
		NodeName:     "test node",
		Capabilities: map[string]bool{"echo": true},
		PricePoints:  1,
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	require.Equal(t, int32(1), atomic.LoadInt32(&registers))
}

func TestClient_RetriesOnRejectedRegister(t *testing.T) {
	var attempts int32
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var reg wire.Envelope
		require.NoError(t, conn.ReadJSON(&reg))
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			require.NoError(t, conn.WriteJSON(wire.Error(reg.ID, "unauthorized")))
			return
		}
		require.NoError(t, conn.WriteJSON(wire.New("register_ok", reg.ID, map[string]string{"nodeId": "n1"})))
		var upd wire.Envelope
		_ = conn.ReadJSON(&upd)
	}))
	defer ts.Close()

	c := New(Config{
		RegistryURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		NodeID:      "n1",
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Run(ctx)

	require.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 2)
}
