// Package registrar implements the node-side half of presence (§4.1's
// `register`/`update`): a persistent outbound connection to the registry
// that registers the node once, then sends periodic `update` frames until
// the process exits. It is the counterpart to the registry's connection
// binding — when this connection closes, the registry marks the node
// offline at once; its TTL sweep is the backstop for a silent connection.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/federated/agentfabric/pkg/registry"
	"github.com/federated/agentfabric/pkg/wire"
)

const (
	minBackoff    = 1 * time.Second
	maxBackoff    = 30 * time.Second
	updateInterval = 30 * time.Second
)

// Config describes one node's registry presence.
type Config struct {
	RegistryURL    string
	RegistryToken  string
	NodeID         string
	NodeName       string
	EndpointURL    string
	Capabilities   map[string]bool
	CapabilityCard registry.CapabilityCard
	PricePoints    int64
}

// Client maintains one reconnecting registration session.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// New creates a registrar client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, dialer: websocket.DefaultDialer, logger: logger}
}

// Run registers and re-registers with capped exponential backoff (1s to
// 30s, doubling) across reconnects, until ctx is cancelled. It never
// returns an error to the caller: registry connectivity loss is logged and
// retried indefinitely, matching the background-loop resilience contract
// (spec §7: "register-loop ... never crash the process").
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		c.logger.Warn("registrar: registry connection failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.RegistryURL, nil)
	if err != nil {
		return fmt.Errorf("dial registry: %w", err)
	}
	defer conn.Close()

	if err := c.register(conn); err != nil {
		return err
	}
	c.logger.Info("registrar: registered", "nodeId", c.cfg.NodeID, "registryUrl", c.cfg.RegistryURL)

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.update(conn); err != nil {
				return err
			}
		}
	}
}

type presencePayload struct {
	NodeID         string                  `json:"nodeId"`
	NodeName       string                  `json:"nodeName"`
	EndpointURL    string                  `json:"endpointUrl"`
	Capabilities   map[string]bool         `json:"capabilities"`
	CapabilityCard registry.CapabilityCard `json:"capabilityCard"`
	PricePoints    int64                   `json:"pricePoints"`
	RegistryToken  string                  `json:"registryToken"`
}

func (c *Client) payload() presencePayload {
	return presencePayload{
		NodeID:         c.cfg.NodeID,
		NodeName:       c.cfg.NodeName,
		EndpointURL:    c.cfg.EndpointURL,
		Capabilities:   c.cfg.Capabilities,
		CapabilityCard: c.cfg.CapabilityCard,
		PricePoints:    c.cfg.PricePoints,
		RegistryToken:  c.cfg.RegistryToken,
	}
}

func (c *Client) register(conn *websocket.Conn) error {
	req := wire.New("register", "", c.payload())
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send register: %w", err)
	}
	var resp wire.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read register_ok: %w", err)
	}
	if resp.Type != "register_ok" {
		return fmt.Errorf("register rejected: %s", errMessage(resp))
	}
	return nil
}

func (c *Client) update(conn *websocket.Conn) error {
	req := wire.New("update", "", c.payload())
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send update: %w", err)
	}
	var resp wire.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read update_ok: %w", err)
	}
	if resp.Type != "update_ok" {
		return fmt.Errorf("update rejected: %s", errMessage(resp))
	}
	return nil
}

func errMessage(env wire.Envelope) string {
	var p struct {
		Message string `json:"message"`
	}
	if err := env.Decode(&p); err != nil || p.Message == "" {
		return "unknown error"
	}
	return p.Message
}
