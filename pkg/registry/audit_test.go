package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/federated/agentfabric/pkg/wire"
)

func TestAuditStore_RecordThenRecentForNode(t *testing.T) {
	store, err := NewAuditStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, "node-1", true, 120))
	require.NoError(t, store.Record(ctx, "node-1", false, 900))
	require.NoError(t, store.Record(ctx, "node-2", true, 50))

	rows, err := store.RecentForNode(ctx, "node-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.False(t, rows[0].OK)
	require.Equal(t, int64(900), rows[0].LatencyMs)
	require.True(t, rows[1].OK)
}

func TestAuditStore_RecentForNodeDefaultsLimit(t *testing.T) {
	store, err := NewAuditStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, "node-1", true, 10))
	}
	rows, err := store.RecentForNode(ctx, "node-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestServer_ReportRecordsAudit(t *testing.T) {
	state := NewState(defaultConfig())
	srv := NewServer(ServerConfig{RateLimitPerMin: 6000, RateLimitBurst: 600}, state, testLogger())

	store, err := NewAuditStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv.audit = store

	state.Upsert(&Node{NodeID: "n1", PricePoints: 1})

	reply := srv.handleReport(wire.New("report", "r1", reportPayload{NodeID: "n1", OK: true, LatencyMs: 42}))
	require.Equal(t, "report_ok", reply.Type)

	rows, err := store.RecentForNode(context.Background(), "n1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(42), rows[0].LatencyMs)
}
