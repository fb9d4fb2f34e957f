package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWSSyncPusher_PushSyncRoundTrip(t *testing.T) {
	_, _, wsURL := newTestServer(t)

	pusher := WSSyncPusher{}
	ctx := context.Background()
	nodes := []*Node{{NodeID: "n1", NodeName: "peer node", PricePoints: 1}}

	err := pusher.PushSync(ctx, wsURL, nodes, "")
	require.NoError(t, err)
}
