// Package relayclient implements the Relay Node Client (§4.5): a node's
// persistent outbound uplink to a relay, so the node never needs an
// inbound port.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/federated/agentfabric/pkg/ratelimit"
	"github.com/federated/agentfabric/pkg/taskexec"
	"github.com/federated/agentfabric/pkg/wire"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Config configures one uplink.
type Config struct {
	RelayURL     string
	NodeID       string
	RelayToken   string
	ServiceToken string
}

// RateLimitConfig mirrors nodesvc's two independent buckets, applied here
// to frames arriving over the relay uplink rather than a direct listener.
type RateLimitConfig struct {
	PerMin  float64
	Burst   int
	IdleTTL time.Duration
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.PerMin <= 0 {
		c.PerMin = 60
	}
	if c.Burst <= 0 {
		c.Burst = 60
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	return c
}

// Client maintains one reconnecting uplink to a relay and dispatches
// inbound relay_task frames through a shared TaskExecutor.
type Client struct {
	cfg           Config
	selfLimit     RateLimitConfig
	byClientLimit RateLimitConfig
	logger        *slog.Logger
	executor      *taskexec.Executor

	selfLimiter   *ratelimit.Limiter
	clientLimiter *ratelimit.Limiter

	dialer *websocket.Dialer
}

// New creates a relay node client.
func New(cfg Config, selfLimit, byClientLimit RateLimitConfig, executor *taskexec.Executor, logger *slog.Logger) *Client {
	selfLimit = selfLimit.withDefaults()
	byClientLimit = byClientLimit.withDefaults()
	return &Client{
		cfg:           cfg,
		selfLimit:     selfLimit,
		byClientLimit: byClientLimit,
		logger:        logger,
		executor:      executor,
		selfLimiter:   ratelimit.New(selfLimit.PerMin, selfLimit.Burst, selfLimit.IdleTTL),
		clientLimiter: ratelimit.New(byClientLimit.PerMin, byClientLimit.Burst, byClientLimit.IdleTTL),
		dialer:        websocket.DefaultDialer,
	}
}

// Run reconnects forever with capped exponential backoff (1s to 30s,
// doubling) until ctx is cancelled. The backoff is not reset after a
// successful connection; it keeps doubling across reconnects up to the cap.
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
		c.logger.Warn("relay client: connection failed, retrying", "error", err, "backoff", backoff)
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
	if c.cfg.RelayURL == "" {
		return errors.New("relay URL required")
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	if err := c.hello(conn); err != nil {
		return err
	}
	c.logger.Info("relay client connected", "nodeId", c.cfg.NodeID, "relayUrl", c.cfg.RelayURL)

	for {
		if ctx.Err() != nil {
			return nil
		}
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch env.Type {
		case "ping":
			c.send(conn, wire.New("pong", env.ID, nil))
		case "relay_task":
			c.handleTask(ctx, conn, env)
		default:
			c.send(conn, wire.Error(env.ID, "expected relay_task"))
		}
	}
}

type helloPayload struct {
	NodeID     string `json:"nodeId"`
	RelayToken string `json:"relayToken"`
}

func (c *Client) hello(conn *websocket.Conn) error {
	req := wire.New("relay_hello", "", helloPayload{NodeID: c.cfg.NodeID, RelayToken: c.cfg.RelayToken})
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send relay_hello: %w", err)
	}
	var resp wire.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read relay_hello_ok: %w", err)
	}
	if resp.Type == "error" {
		var body struct {
			Message string `json:"message"`
		}
		resp.Decode(&body)
		return fmt.Errorf("relay hello failed: %s", body.Message)
	}
	if resp.Type != "relay_hello_ok" {
		return fmt.Errorf("relay hello rejected: unexpected type %s", resp.Type)
	}
	return nil
}

type taskPayload struct {
	Kind         string `json:"kind"`
	Prompt       string `json:"prompt"`
	ServiceToken string `json:"serviceToken"`
	ClientID     string `json:"clientId"`
}

// handleTask never retries an in-flight task: on any failure it sends a
// relay_result{ok:false} and moves on, leaving the relay's pending-TTL
// sweep to notify the original caller if this node also goes silent.
func (c *Client) handleTask(ctx context.Context, conn *websocket.Conn, env wire.Envelope) {
	var p taskPayload
	if err := env.Decode(&p); err != nil {
		c.sendResult(conn, env.ID, false, "", "malformed relay_task")
		return
	}

	if !c.allow(p.ClientID) {
		c.sendResult(conn, env.ID, false, "", "rate limited")
		return
	}
	if c.cfg.ServiceToken != "" && p.ServiceToken != c.cfg.ServiceToken {
		c.sendResult(conn, env.ID, false, "", "invalid service token")
		return
	}
	switch p.Kind {
	case "echo", "llm.chat", "agent":
	default:
		c.sendResult(conn, env.ID, false, "", fmt.Sprintf("unsupported kind: %s", p.Kind))
		return
	}
	if p.Prompt == "" {
		c.sendResult(conn, env.ID, false, "", "missing prompt")
		return
	}

	result, err := c.executor.Run(ctx, p.Kind, p.Prompt)
	if err != nil {
		c.sendResult(conn, env.ID, false, "", err.Error())
		return
	}
	c.sendResult(conn, env.ID, true, result, "")
}

func (c *Client) allow(clientID string) bool {
	if !c.selfLimiter.Allow(c.cfg.NodeID) {
		return false
	}
	if clientID != "" {
		return c.clientLimiter.Allow(clientID)
	}
	return true
}

type resultPayload struct {
	NodeID  string `json:"nodeId"`
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *Client) sendResult(conn *websocket.Conn, id string, ok bool, content, message string) {
	c.send(conn, wire.New("relay_result", id, resultPayload{NodeID: c.cfg.NodeID, OK: ok, Content: content, Message: message}))
}

func (c *Client) send(conn *websocket.Conn, env wire.Envelope) {
	if err := conn.WriteJSON(env); err != nil {
		c.logger.Debug("relay client write error", "error", err)
	}
}
