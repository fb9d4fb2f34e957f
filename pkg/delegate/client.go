// Package delegate implements the Delegation Client (§4.6): the end-to-end
// orchestration a caller uses to discover a node, preauthorize spend,
// dispatch a task through a relay or directly, and reconcile the ledger
// afterward.
package delegate

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/federated/agentfabric/pkg/wire"
)

// Config configures one delegation client. Nothing here is per-call; a
// single Client issues many Delegate calls against the same registry/relay.
type Config struct {
	RegistryURL   string
	RegistryToken string
	RelayURL      string
	RelayToken    string
	ServiceToken  string
	ClientID      string

	PreauthEnabled  bool
	PreauthRequired bool
	RelayOnly       bool

	// DialTimeout bounds each WebSocket handshake; RequestTimeout bounds
	// each protocol round-trip once connected.
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	return c
}

// Client is a stateless orchestrator: it holds only its configuration and
// dials fresh connections per call, matching the reference client's
// one-shot `async with websockets.connect(...)` shape.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

// New creates a delegation client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// Node is the delegation client's view of a registry listing entry —
// everything it needs to score and call a candidate.
type Node struct {
	NodeID       string
	NodeName     string
	EndpointURL  string
	Capabilities map[string]bool
	PricePoints  int64
	SuccessCount int64
	FailCount    int64
	AvgLatencyMs float64
}

// Request describes one end-to-end delegation attempt.
type Request struct {
	Kind              string
	Prompt            string
	RequireCapability string // defaults to Kind if empty
	ToNodeID          string // pin a specific node, skipping scoring
	MaxPricePoints    *int64 // nil means unbounded
}

// Result is what a successful Delegate call returns.
type Result struct {
	Node    Node
	Content string
}

// dial opens a connection and sets its read deadline from cfg.RequestTimeout
// (or from ctx's own deadline, if nearer) so a protocol round-trip can never
// hang forever on an unresponsive peer.
func (c *Client) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)
	return conn, nil
}

// roundTrip sends req and reads frames until one with a matching id shows
// up, mirroring the reference client's `while True: ... if env.id != req.id:
// continue` loop (a connection may carry unrelated frames, though in
// practice each call owns its own short-lived connection). The read
// deadline was already set by dial.
func roundTrip(ctx context.Context, conn *websocket.Conn, req wire.Envelope) (wire.Envelope, error) {
	if err := conn.WriteJSON(req); err != nil {
		return wire.Envelope{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return wire.Envelope{}, fmt.Errorf("read reply to %s: %w", req.Type, err)
		}
		if env.ID != req.ID {
			continue
		}
		return env, nil
	}
}

func errMessage(env wire.Envelope, fallback string) error {
	var body struct {
		Message string `json:"message"`
	}
	if env.Decode(&body) == nil && body.Message != "" {
		return fmt.Errorf("%s", body.Message)
	}
	return fmt.Errorf("%s", fallback)
}

// scoreNode implements the scoring formula (§4.6): Laplace-smoothed success
// rate, penalized by latency and price. Higher is better.
func scoreNode(n Node) float64 {
	total := n.SuccessCount + n.FailCount
	successRate := float64(n.SuccessCount+1) / float64(total+2)
	avgLatency := n.AvgLatencyMs
	if avgLatency <= 0 {
		avgLatency = 1000
	}
	price := n.PricePoints
	if price < 1 {
		price = 1
	}
	return successRate*100.0 - (avgLatency/1000.0)*10.0 - float64(price)*2.0
}

// ErrNoEligibleNodes means every candidate was filtered out (no matches, or
// all above MaxPricePoints).
var ErrNoEligibleNodes = fmt.Errorf("no eligible nodes found")

// pickNode scores every candidate, forms a tie-bucket of everything within
// 0.5 of the top score, and picks uniformly within it.
func pickNode(nodes []Node, maxPricePoints *int64) (Node, error) {
	candidates := nodes
	if maxPricePoints != nil {
		filtered := make([]Node, 0, len(nodes))
		for _, n := range nodes {
			if n.PricePoints <= *maxPricePoints {
				filtered = append(filtered, n)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return Node{}, ErrNoEligibleNodes
	}

	best := scoreNode(candidates[0])
	for _, n := range candidates[1:] {
		if s := scoreNode(n); s > best {
			best = s
		}
	}
	var tieBucket []Node
	for _, n := range candidates {
		if scoreNode(n) >= best-0.5 {
			tieBucket = append(tieBucket, n)
		}
	}
	return tieBucket[rand.Intn(len(tieBucket))], nil
}
