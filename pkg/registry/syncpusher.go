package registry

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/federated/agentfabric/pkg/wire"
)

// WSSyncPusher is the concrete SyncPusher used by the bridge: one
// short-lived connection per peer push, the same coder/websocket stack
// the registry's own inbound listener uses.
type WSSyncPusher struct{}

// PushSync dials peerURL and sends a `sync` frame carrying this registry's
// node directory, matching the wire shape `handleSync` decodes.
func (WSSyncPusher) PushSync(ctx context.Context, peerURL string, nodes []*Node, registryToken string) error {
	conn, _, err := websocket.Dial(ctx, peerURL, nil)
	if err != nil {
		return fmt.Errorf("dial peer %s: %w", peerURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := wire.New("sync", "", syncPayload{Nodes: nodes, RegistryToken: registryToken})
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return fmt.Errorf("write sync: %w", err)
	}
	var resp wire.Envelope
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		return fmt.Errorf("read sync reply: %w", err)
	}
	if resp.Type != "sync_ok" {
		return fmt.Errorf("peer rejected sync: %s", resp.Type)
	}
	return nil
}
