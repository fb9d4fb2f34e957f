package delegate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/federated/agentfabric/pkg/wire"
)

var upgrader = websocket.Upgrader{}

// fakeHandler lets each test script a reply per incoming envelope type.
type fakeHandler func(env wire.Envelope) wire.Envelope

func newFakeServer(t *testing.T, path string, handle fakeHandler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env wire.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			reply := handle(env)
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + ts.URL[len("http"):] + path
}

func TestScoreNode_PrefersHigherSuccessLowerLatencyLowerPrice(t *testing.T) {
	reliable := Node{SuccessCount: 100, FailCount: 1, AvgLatencyMs: 200, PricePoints: 1}
	flaky := Node{SuccessCount: 1, FailCount: 100, AvgLatencyMs: 5000, PricePoints: 10}
	require.Greater(t, scoreNode(reliable), scoreNode(flaky))
}

func TestPickNode_FiltersAbovePriceCeiling(t *testing.T) {
	cheap := Node{NodeID: "cheap", PricePoints: 1}
	expensive := Node{NodeID: "expensive", PricePoints: 100}
	ceiling := int64(5)
	picked, err := pickNode([]Node{cheap, expensive}, &ceiling)
	require.NoError(t, err)
	require.Equal(t, "cheap", picked.NodeID)
}

func TestPickNode_NoEligibleNodes(t *testing.T) {
	ceiling := int64(0)
	_, err := pickNode([]Node{{NodeID: "a", PricePoints: 5}}, &ceiling)
	require.ErrorIs(t, err, ErrNoEligibleNodes)
}

func TestPickNode_TieBucketOnlyPicksWithinHalfPointOfTop(t *testing.T) {
	best := Node{NodeID: "best", SuccessCount: 100, FailCount: 1, AvgLatencyMs: 100, PricePoints: 1}
	clearlyWorse := Node{NodeID: "worse", SuccessCount: 1, FailCount: 100, AvgLatencyMs: 9000, PricePoints: 50}
	for i := 0; i < 20; i++ {
		picked, err := pickNode([]Node{best, clearlyWorse}, nil)
		require.NoError(t, err)
		require.Equal(t, "best", picked.NodeID)
	}
}

// newFakeRegistry serves only the handlers each test supplies in overrides;
// it has no default handlers. Unhandled types produce an error reply so a
// missing case fails loudly.
func newFakeRegistry(t *testing.T, overrides map[string]fakeHandler) *httptest.Server {
	return newFakeServer(t, "/registry", func(env wire.Envelope) wire.Envelope {
		if h, ok := overrides[env.Type]; ok {
			return h(env)
		}
		return wire.Error(env.ID, "unhandled type in fake registry: "+env.Type)
	})
}

func listResultOneNode(id string, pricePoints int64, success, fail int64, latency float64) fakeHandler {
	return func(env wire.Envelope) wire.Envelope {
		return wire.New("list_result", env.ID, map[string]any{
			"page": 1, "pageSize": 50, "total": 1,
			"nodes": []nodeListing{{NodeID: id, NodeName: id, PricePoints: pricePoints, SuccessCount: success, FailCount: fail, AvgLatencyMs: latency}},
		})
	}
}

func TestDelegate_DirectCallSuccessReconciles(t *testing.T) {
	var reserveSeen, commitSeen, reportSeen, resolveSeen bool

	node := newFakeServer(t, "/node", func(env wire.Envelope) wire.Envelope {
		require.Equal(t, "task_run", env.Type)
		return wire.New("task_result", env.ID, map[string]string{"content": "42"})
	})

	registry := newFakeRegistry(t, map[string]fakeHandler{
		"list": listResultOneNode("n1", 3, 9, 1, 120),
		"reserve": func(env wire.Envelope) wire.Envelope {
			reserveSeen = true
			return wire.New("reserve_ok", env.ID, map[string]string{"reservationId": "res-1"})
		},
		"commit": func(env wire.Envelope) wire.Envelope {
			commitSeen = true
			return wire.New("commit_ok", env.ID, nil)
		},
		"report": func(env wire.Envelope) wire.Envelope {
			reportSeen = true
			return wire.New("report_ok", env.ID, nil)
		},
		"resolve": func(env wire.Envelope) wire.Envelope {
			resolveSeen = true
			return wire.New("resolve_ok", env.ID, map[string]string{"endpointUrl": wsURL(node, "/node")})
		},
	})

	c := New(Config{
		RegistryURL:    wsURL(registry, "/registry"),
		RegistryToken:  "tok",
		ClientID:       "client-a",
		PreauthEnabled: true,
		RequestTimeout: 5 * time.Second,
	})

	result, warnings, err := c.Delegate(context.Background(), Request{Kind: "echo", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "42", result.Content)
	require.Equal(t, "n1", result.Node.NodeID)
	require.True(t, reserveSeen)
	require.True(t, resolveSeen)
	require.True(t, commitSeen)
	require.True(t, reportSeen)
	require.NoError(t, warnings.CommitErr)
	require.NoError(t, warnings.ReportErr)
}

func TestDelegate_FailureCancelsReservationAndReportsFailure(t *testing.T) {
	var cancelSeen, reportedOK bool
	reportCalled := false

	node := newFakeServer(t, "/node", func(env wire.Envelope) wire.Envelope {
		return wire.New("task_error", env.ID, map[string]string{"message": "boom"})
	})

	registry := newFakeRegistry(t, map[string]fakeHandler{
		"list": listResultOneNode("n1", 1, 9, 1, 100),
		"reserve": func(env wire.Envelope) wire.Envelope {
			return wire.New("reserve_ok", env.ID, map[string]string{"reservationId": "res-2"})
		},
		"cancel": func(env wire.Envelope) wire.Envelope {
			cancelSeen = true
			return wire.New("cancel_ok", env.ID, nil)
		},
		"report": func(env wire.Envelope) wire.Envelope {
			reportCalled = true
			var p struct {
				OK bool `json:"ok"`
			}
			env.Decode(&p)
			reportedOK = p.OK
			return wire.New("report_ok", env.ID, nil)
		},
		"resolve": func(env wire.Envelope) wire.Envelope {
			return wire.New("resolve_ok", env.ID, map[string]string{"endpointUrl": wsURL(node, "/node")})
		},
	})

	c := New(Config{
		RegistryURL:    wsURL(registry, "/registry"),
		RegistryToken:  "tok",
		ClientID:       "client-a",
		PreauthEnabled: true,
		RequestTimeout: 5 * time.Second,
	})

	_, warnings, err := c.Delegate(context.Background(), Request{Kind: "echo", Prompt: "hi"})
	require.Error(t, err)
	require.True(t, cancelSeen)
	require.True(t, reportCalled)
	require.False(t, reportedOK)
	require.NoError(t, warnings.CancelErr)
}

func TestDelegate_PinnedNodeNotFoundReturnsError(t *testing.T) {
	registry := newFakeRegistry(t, map[string]fakeHandler{
		"list": listResultOneNode("n1", 1, 1, 1, 100),
	})
	c := New(Config{RegistryURL: wsURL(registry, "/registry"), RequestTimeout: 5 * time.Second})

	_, _, err := c.Delegate(context.Background(), Request{Kind: "echo", Prompt: "hi", ToNodeID: "does-not-exist"})
	require.Error(t, err)
}

func TestDelegate_PreauthRequiredWithoutCredentialsAborts(t *testing.T) {
	registry := newFakeRegistry(t, map[string]fakeHandler{
		"list": listResultOneNode("n1", 1, 1, 1, 100),
	})
	c := New(Config{
		RegistryURL:     wsURL(registry, "/registry"),
		PreauthEnabled:  true,
		PreauthRequired: true,
		RequestTimeout:  5 * time.Second,
	})

	_, _, err := c.Delegate(context.Background(), Request{Kind: "echo", Prompt: "hi"})
	require.Error(t, err)
}

func TestDelegate_RelayFirstFallsBackToDirectOnRelayFailure(t *testing.T) {
	node := newFakeServer(t, "/node", func(env wire.Envelope) wire.Envelope {
		return wire.New("task_result", env.ID, map[string]string{"content": "direct-ok"})
	})
	relay := newFakeServer(t, "/relay", func(env wire.Envelope) wire.Envelope {
		return wire.New("relay_response", env.ID, map[string]any{"ok": false, "message": "node offline"})
	})
	registry := newFakeRegistry(t, map[string]fakeHandler{
		"list":   listResultOneNode("n1", 1, 1, 1, 100),
		"report": func(env wire.Envelope) wire.Envelope { return wire.New("report_ok", env.ID, nil) },
		"resolve": func(env wire.Envelope) wire.Envelope {
			return wire.New("resolve_ok", env.ID, map[string]string{"endpointUrl": wsURL(node, "/node")})
		},
	})

	c := New(Config{
		RegistryURL:    wsURL(registry, "/registry"),
		RelayURL:       wsURL(relay, "/relay"),
		RegistryToken:  "tok",
		RequestTimeout: 5 * time.Second,
	})

	result, _, err := c.Delegate(context.Background(), Request{Kind: "echo", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "direct-ok", result.Content)
}

func TestDelegate_RelayOnlyNeverFallsBackToDirect(t *testing.T) {
	relay := newFakeServer(t, "/relay", func(env wire.Envelope) wire.Envelope {
		return wire.New("relay_response", env.ID, map[string]any{"ok": false, "message": "node offline"})
	})
	registry := newFakeRegistry(t, map[string]fakeHandler{
		"list":   listResultOneNode("n1", 1, 1, 1, 100),
		"report": func(env wire.Envelope) wire.Envelope { return wire.New("report_ok", env.ID, nil) },
	})

	c := New(Config{
		RegistryURL:    wsURL(registry, "/registry"),
		RelayURL:       wsURL(relay, "/relay"),
		RelayOnly:      true,
		RequestTimeout: 5 * time.Second,
	})

	_, _, err := c.Delegate(context.Background(), Request{Kind: "echo", Prompt: "hi"})
	require.Error(t, err)
}
