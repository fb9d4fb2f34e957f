// Package relay implements the forwarding state machine that lets a client
// reach a node that cannot expose a direct endpoint. The relay never
// interprets or logs task content, and never contacts the registry — it is
// pure transport between two WebSocket connections it otherwise knows
// nothing about.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/federated/agentfabric/pkg/health"
	"github.com/federated/agentfabric/pkg/ratelimit"
	"github.com/federated/agentfabric/pkg/wire"
)

// ServerConfig configures the relay's listeners and auth.
type ServerConfig struct {
	ListenAddr       string
	HealthHost       string
	HealthPort       int
	RelayToken       string
	PendingTTL       time.Duration
	RateLimitPerMin  float64
	RateLimitBurst   int
	RateLimitIdleTTL time.Duration
}

// pendingRequest tracks one in-flight relay_request awaiting its
// relay_result. internalId hides the client's own request id from the
// node; the relay rewrites the id back on the way out.
type pendingRequest struct {
	clientConn      *websocket.Conn
	clientRequestID string
	createdAt       time.Time
}

// Server is the relay forwarding state machine: a node registry keyed by
// nodeId, and a pending-request table keyed by an internally generated id.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	health  *health.Server

	mu      sync.Mutex
	nodes   map[string]*websocket.Conn
	pending map[string]*pendingRequest

	httpSrv *http.Server
}

// NewServer creates a relay server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 120 * time.Second
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 600
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 60
	}
	if cfg.RateLimitIdleTTL <= 0 {
		cfg.RateLimitIdleTTL = 5 * time.Minute
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: ratelimit.New(cfg.RateLimitPerMin, cfg.RateLimitBurst, cfg.RateLimitIdleTTL),
		health:  health.NewServer(cfg.HealthHost, cfg.HealthPort),
		nodes:   make(map[string]*websocket.Conn),
		pending: make(map[string]*pendingRequest),
	}
}

// Run starts the WebSocket and health listeners, blocking until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.health.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	defer s.health.Stop(context.Background())
	s.health.SetReady(true)

	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.buildMux(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("relay server starting", "addr", s.cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", s.handleConn)
	return mux
}

func (s *Server) shutdown() {
	s.mu.Lock()
	for _, conn := range s.nodes {
		conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	s.nodes = make(map[string]*websocket.Conn)
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) checkToken(token string) bool {
	return s.cfg.RelayToken == "" || token == s.cfg.RelayToken
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("relay accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}

	var boundNodeID string
	defer func() {
		s.teardown(conn, boundNodeID)
	}()

	ctx := r.Context()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}

		s.sweepExpiredPending(ctx)

		if !s.limiter.Allow(remoteIP) {
			s.send(ctx, conn, wire.Error(env.ID, "rate limited"))
			continue
		}

		switch env.Type {
		case "ping":
			s.send(ctx, conn, wire.New("pong", env.ID, nil))
		case "relay_hello":
			boundNodeID = s.handleHello(ctx, conn, env)
		case "relay_request":
			s.handleRequest(ctx, conn, env)
		case "relay_result":
			s.handleResult(ctx, env)
		default:
			s.send(ctx, conn, wire.Error(env.ID, fmt.Sprintf("unknown type: %s", env.Type)))
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, env wire.Envelope) {
	if err := wsjson.Write(ctx, conn, env); err != nil {
		s.logger.Debug("relay write error", "error", err)
	}
}

type helloPayload struct {
	NodeID     string `json:"nodeId"`
	RelayToken string `json:"relayToken"`
}

// handleHello binds this connection to a nodeId so relay_request can
// target it; returns the bound nodeId (empty on failure) for teardown.
func (s *Server) handleHello(ctx context.Context, conn *websocket.Conn, env wire.Envelope) string {
	var p helloPayload
	if err := env.Decode(&p); err != nil {
		s.send(ctx, conn, wire.Error(env.ID, "malformed relay_hello"))
		return ""
	}
	if !s.checkToken(p.RelayToken) {
		s.send(ctx, conn, wire.Error(env.ID, "invalid relay token"))
		return ""
	}
	if p.NodeID == "" {
		s.send(ctx, conn, wire.Error(env.ID, "missing nodeId"))
		return ""
	}

	s.mu.Lock()
	s.nodes[p.NodeID] = conn
	s.mu.Unlock()

	s.send(ctx, conn, wire.New("relay_hello_ok", env.ID, map[string]string{"nodeId": p.NodeID}))
	return p.NodeID
}

type requestPayload struct {
	NodeID       string `json:"nodeId"`
	Kind         string `json:"kind"`
	Prompt       string `json:"prompt"`
	ServiceToken string `json:"serviceToken"`
	ClientID     string `json:"clientId"`
	RelayToken   string `json:"relayToken"`
}

type taskForwardPayload struct {
	NodeID       string `json:"nodeId"`
	Kind         string `json:"kind"`
	Prompt       string `json:"prompt"`
	ServiceToken string `json:"serviceToken"`
	ClientID     string `json:"clientId"`
}

// handleRequest forwards a client's relay_request to the target node as a
// relay_task, recording a pending entry keyed by a freshly generated
// internal id so the node never sees the client's own request id.
func (s *Server) handleRequest(ctx context.Context, clientConn *websocket.Conn, env wire.Envelope) {
	var p requestPayload
	if err := env.Decode(&p); err != nil {
		s.send(ctx, clientConn, wire.Error(env.ID, "malformed relay_request"))
		return
	}
	if !s.checkToken(p.RelayToken) {
		s.send(ctx, clientConn, wire.Error(env.ID, "invalid relay token"))
		return
	}
	if p.NodeID == "" {
		s.send(ctx, clientConn, wire.Error(env.ID, "missing nodeId"))
		return
	}

	s.mu.Lock()
	nodeConn, ok := s.nodes[p.NodeID]
	if !ok {
		s.mu.Unlock()
		s.send(ctx, clientConn, wire.Error(env.ID, "node offline"))
		return
	}
	internalID := uuid.NewString()
	s.pending[internalID] = &pendingRequest{
		clientConn:      clientConn,
		clientRequestID: env.ID,
		createdAt:       time.Now(),
	}
	s.mu.Unlock()

	forward := wire.New("relay_task", internalID, taskForwardPayload{
		NodeID: p.NodeID, Kind: p.Kind, Prompt: p.Prompt,
		ServiceToken: p.ServiceToken, ClientID: p.ClientID,
	})
	s.send(ctx, nodeConn, forward)
}

// handleResult is called on the node connection when a relay_result
// arrives; it pops the pending entry and replies to the waiting client
// with a relay_response carrying the client's own original request id.
func (s *Server) handleResult(ctx context.Context, env wire.Envelope) {
	s.mu.Lock()
	entry, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	response := wire.New("relay_response", entry.clientRequestID, env.Payload)
	s.send(ctx, entry.clientConn, response)
}

// sweepExpiredPending runs on every frame (opportunistic, no background
// goroutine) and times out pending requests older than PendingTTL, so a
// client is never left hanging when its target node goes silent.
func (s *Server) sweepExpiredPending(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var expired []*pendingRequest
	for id, entry := range s.pending {
		if now.Sub(entry.createdAt) > s.cfg.PendingTTL {
			expired = append(expired, entry)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, entry := range expired {
		timeout := wire.New("relay_response", entry.clientRequestID, map[string]any{
			"ok": false, "message": "timeout",
		})
		s.send(ctx, entry.clientConn, timeout)
	}
}

// teardown runs when a connection closes: if it was a registered node,
// remove it from the node map; any pending requests waiting on a client
// connection that just closed are dropped rather than answered, since
// there's nowhere left to send the answer.
func (s *Server) teardown(conn *websocket.Conn, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nodeID != "" {
		if s.nodes[nodeID] == conn {
			delete(s.nodes, nodeID)
		}
	}
	for id, entry := range s.pending {
		if entry.clientConn == conn {
			delete(s.pending, id)
		}
	}
}
