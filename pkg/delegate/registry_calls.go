package delegate

import (
	"context"
	"fmt"

	"github.com/federated/agentfabric/pkg/wire"
)

// nodeListing mirrors the registry's list_result entries. The registry
// never includes an endpoint URL in a listing (§6) — callers resolve it
// separately once a node is picked — so Node.EndpointURL stays empty here
// and is filled in later by resolveEndpoint.
type nodeListing struct {
	NodeID       string          `json:"nodeId"`
	NodeName     string          `json:"nodeName"`
	Capabilities map[string]bool `json:"capabilities"`
	PricePoints  int64           `json:"pricePoints"`
	SuccessCount int64           `json:"successCount"`
	FailCount    int64           `json:"failCount"`
	AvgLatencyMs float64         `json:"avgLatencyMs"`
}

func (n nodeListing) toNode() Node {
	return Node{
		NodeID:       n.NodeID,
		NodeName:     n.NodeName,
		Capabilities: n.Capabilities,
		PricePoints:  n.PricePoints,
		SuccessCount: n.SuccessCount,
		FailCount:    n.FailCount,
		AvgLatencyMs: n.AvgLatencyMs,
	}
}

// listNodes performs the "discover" step: a `list` call filtered to
// online, capable candidates.
func (c *Client) listNodes(ctx context.Context, requireCapability string) ([]Node, error) {
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var caps []string
	if requireCapability != "" {
		caps = []string{requireCapability}
	}
	req := wire.New("list", "", map[string]any{
		"onlineOnly":          true,
		"requireCapabilities": caps,
		"registryToken":       c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	if env.Type == "error" {
		return nil, errMessage(env, "list failed")
	}
	var body struct {
		Nodes []nodeListing `json:"nodes"`
	}
	if err := env.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode list_result: %w", err)
	}
	nodes := make([]Node, 0, len(body.Nodes))
	for _, n := range body.Nodes {
		nodes = append(nodes, n.toNode())
	}
	return nodes, nil
}

// resolveEndpoint looks up a node's current endpoint URL, used when a
// listing omitted it or a direct call needs a fresh lookup.
func (c *Client) resolveEndpoint(ctx context.Context, nodeID string) (string, error) {
	if c.cfg.RegistryToken == "" {
		return "", fmt.Errorf("registry token required to resolve endpoint")
	}
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := wire.New("resolve", "", map[string]string{
		"nodeId":        nodeID,
		"registryToken": c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return "", err
	}
	if env.Type == "error" {
		return "", errMessage(env, "resolve error")
	}
	var body struct {
		EndpointURL string `json:"endpointUrl"`
	}
	if err := env.Decode(&body); err != nil {
		return "", fmt.Errorf("decode resolve_ok: %w", err)
	}
	if body.EndpointURL == "" {
		return "", fmt.Errorf("endpoint not available")
	}
	return body.EndpointURL, nil
}

// reservePoints performs a preauth hold, returning the reservation id.
func (c *Client) reservePoints(ctx context.Context, payerNode, providerNode string, points int64) (string, error) {
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := wire.New("reserve", "", map[string]any{
		"nodeId":        providerNode,
		"payerNode":     payerNode,
		"points":        points,
		"registryToken": c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return "", err
	}
	if env.Type == "error" {
		return "", errMessage(env, "reserve failed")
	}
	var body struct {
		ReservationID string `json:"reservationId"`
	}
	if err := env.Decode(&body); err != nil {
		return "", fmt.Errorf("decode reserve_ok: %w", err)
	}
	return body.ReservationID, nil
}

func (c *Client) commitReservation(ctx context.Context, reservationID string) error {
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.New("commit", "", map[string]string{
		"reservationId": reservationID,
		"registryToken": c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return err
	}
	if env.Type == "error" {
		return errMessage(env, "commit failed")
	}
	return nil
}

func (c *Client) cancelReservation(ctx context.Context, reservationID string) error {
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.New("cancel", "", map[string]string{
		"reservationId": reservationID,
		"registryToken": c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return err
	}
	if env.Type == "error" {
		return errMessage(env, "cancel failed")
	}
	return nil
}

// awardPoints is the legacy fallback path used when no reservation was
// made (no preauth configured) but the caller still wants the provider
// credited directly for a completed task.
func (c *Client) awardPoints(ctx context.Context, nodeID string, points int64, payerNode string) error {
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.New("award", "", map[string]any{
		"nodeId":        nodeID,
		"points":        points,
		"payerNode":     payerNode,
		"registryToken": c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return err
	}
	if env.Type == "error" {
		return errMessage(env, "award failed")
	}
	return nil
}

// reportTask is always best-effort: its error is returned to the caller for
// logging but Delegate never lets a report failure override the primary
// outcome.
func (c *Client) reportTask(ctx context.Context, nodeID string, ok bool, latencyMs int64) error {
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.New("report", "", map[string]any{
		"nodeId":        nodeID,
		"ok":            ok,
		"latencyMs":     latencyMs,
		"registryToken": c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return err
	}
	if env.Type == "error" {
		return errMessage(env, "report failed")
	}
	return nil
}
