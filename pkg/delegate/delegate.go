package delegate

import (
	"context"
	"fmt"
	"time"
)

// ReconcileWarnings carries the best-effort reconciliation errors of one
// Delegate call.
type ReconcileWarnings struct {
	ReportErr error
	CancelErr error
	CommitErr error
	AwardErr  error
}

// Delegate runs the full discover → pick → reserve → call → reconcile flow
// (§4.6) and returns the chosen node and the task's output. Reconciliation
// (commit/cancel/report) is always attempted but is best-effort: a
// reconciliation failure is logged by the caller via the returned
// *ReconcileWarnings, never substituted for the primary error or result.
func (c *Client) Delegate(ctx context.Context, req Request) (Result, *ReconcileWarnings, error) {
	capability := req.RequireCapability
	if capability == "" {
		capability = req.Kind
	}
	nodes, err := c.listNodes(ctx, capability)
	if err != nil {
		return Result{}, nil, err
	}

	var node Node
	if req.ToNodeID != "" {
		found := false
		for _, n := range nodes {
			if n.NodeID == req.ToNodeID {
				node = n
				found = true
				break
			}
		}
		if !found {
			return Result{}, nil, fmt.Errorf("node not found/online: %s", req.ToNodeID)
		}
	} else {
		node, err = pickNode(nodes, req.MaxPricePoints)
		if err != nil {
			return Result{}, nil, err
		}
	}

	reservationID, err := c.maybeReserve(ctx, node)
	if err != nil {
		return Result{}, nil, err
	}

	start := time.Now()
	content, callErr := c.call(ctx, node, req.Kind, req.Prompt)
	latencyMs := time.Since(start).Milliseconds()

	warnings := &ReconcileWarnings{}
	if callErr == nil {
		c.reconcileSuccess(ctx, node, reservationID, latencyMs, warnings)
		return Result{Node: node, Content: content}, warnings, nil
	}
	c.reconcileFailure(ctx, node, reservationID, latencyMs, warnings)
	return Result{}, warnings, callErr
}

// maybeReserve performs the preauth hold described in step 3 of §4.6. It
// returns an empty reservation id (not an error) whenever preauth is
// disabled or the caller lacks the credentials to request it, unless
// PreauthRequired demands an abort in that case.
func (c *Client) maybeReserve(ctx context.Context, node Node) (string, error) {
	if !c.cfg.PreauthEnabled {
		return "", nil
	}
	if c.cfg.RegistryToken == "" || c.cfg.ClientID == "" {
		if c.cfg.PreauthRequired {
			return "", fmt.Errorf("preauth requires registry token and client id")
		}
		return "", nil
	}
	points := node.PricePoints
	if points < 1 {
		points = 1
	}
	reservationID, err := c.reservePoints(ctx, c.cfg.ClientID, node.NodeID, points)
	if err != nil {
		if c.cfg.PreauthRequired {
			return "", err
		}
		return "", nil
	}
	return reservationID, nil
}

// call tries the relay first when configured, falling back to a direct
// connection unless RelayOnly pins the caller to the relay path.
func (c *Client) call(ctx context.Context, node Node, kind, prompt string) (string, error) {
	if c.cfg.RelayURL != "" {
		content, err := c.callViaRelay(ctx, node.NodeID, kind, prompt)
		if err == nil {
			return content, nil
		}
		if c.cfg.RelayOnly {
			return "", err
		}
	} else if c.cfg.RelayOnly {
		return "", fmt.Errorf("relayOnly enabled but relay URL is not configured")
	}

	endpoint := node.EndpointURL
	if endpoint == "" {
		resolved, err := c.resolveEndpoint(ctx, node.NodeID)
		if err != nil {
			return "", err
		}
		endpoint = resolved
	}
	return c.callNode(ctx, endpoint, kind, prompt)
}

func (c *Client) reconcileSuccess(ctx context.Context, node Node, reservationID string, latencyMs int64, w *ReconcileWarnings) {
	if reservationID != "" {
		w.CommitErr = c.commitReservation(ctx, reservationID)
	} else if c.cfg.RegistryToken != "" && c.cfg.ClientID != "" {
		points := node.PricePoints
		if points < 1 {
			points = 1
		}
		w.AwardErr = c.awardPoints(ctx, node.NodeID, points, c.cfg.ClientID)
	}
	if c.cfg.RegistryToken != "" {
		w.ReportErr = c.reportTask(ctx, node.NodeID, true, latencyMs)
	}
}

func (c *Client) reconcileFailure(ctx context.Context, node Node, reservationID string, latencyMs int64, w *ReconcileWarnings) {
	if reservationID != "" {
		w.CancelErr = c.cancelReservation(ctx, reservationID)
	}
	if c.cfg.RegistryToken != "" {
		w.ReportErr = c.reportTask(ctx, node.NodeID, false, latencyMs)
	}
}
