// Package nodesvc implements the Node Service (§4.4): the direct task
// execution endpoint a client or delegation caller talks to when it holds
// a node's endpoint URL.
package nodesvc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/federated/agentfabric/pkg/health"
	"github.com/federated/agentfabric/pkg/ratelimit"
	"github.com/federated/agentfabric/pkg/taskexec"
	"github.com/federated/agentfabric/pkg/wire"
)

// ServerConfig configures the node service's listeners, auth, and the two
// independent rate limiters (§4.3: one by remote IP, one by caller-supplied
// clientId).
type ServerConfig struct {
	ListenAddr    string
	HealthHost    string
	HealthPort    int
	ServiceToken  string
	IPRateLimit   RateLimitConfig
	NodeRateLimit RateLimitConfig
}

// RateLimitConfig is the token-bucket tuning for one of the node service's
// two independent limiters.
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

// Server is the node's task intake endpoint.
type Server struct {
	cfg         ServerConfig
	logger      *slog.Logger
	executor    *taskexec.Executor
	ipLimiter   *ratelimit.Limiter
	nodeLimiter *ratelimit.Limiter
	health      *health.Server

	httpSrv *http.Server
}

// NewServer creates a node service around an executor.
func NewServer(cfg ServerConfig, executor *taskexec.Executor, logger *slog.Logger) *Server {
	ipCfg := cfg.IPRateLimit.withDefaults()
	nodeCfg := cfg.NodeRateLimit.withDefaults()
	return &Server{
		cfg:         cfg,
		logger:      logger,
		executor:    executor,
		ipLimiter:   ratelimit.New(ipCfg.PerMin, ipCfg.Burst, ipCfg.IdleTTL),
		nodeLimiter: ratelimit.New(nodeCfg.PerMin, nodeCfg.Burst, nodeCfg.IdleTTL),
		health:      health.NewServer(cfg.HealthHost, cfg.HealthPort),
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

	s.logger.Info("node service starting", "addr", s.cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
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
	mux.HandleFunc("/task", s.handleConn)
	return mux
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("node service accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}

	ctx := r.Context()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}

		if !s.allow(remoteIP, env) {
			s.send(ctx, conn, wire.Error(env.ID, "rate limited"))
			continue
		}

		switch env.Type {
		case "ping":
			s.send(ctx, conn, wire.New("pong", env.ID, nil))
		case "task_run":
			s.send(ctx, conn, s.handleTaskRun(ctx, env))
		default:
			s.send(ctx, conn, wire.Error(env.ID, "expected task_run"))
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, env wire.Envelope) {
	if err := wsjson.Write(ctx, conn, env); err != nil {
		s.logger.Debug("node service write error", "error", err)
	}
}

// allow checks the IP limiter first; only if that admits the frame does it
// also check the per-clientId limiter. This order (IP before client) means
// an anonymous flood is stopped before ever touching the node-keyed
// buckets, matching the reference service's check ordering.
func (s *Server) allow(remoteIP string, env wire.Envelope) bool {
	if !s.ipLimiter.Allow(remoteIP) {
		return false
	}
	var p taskRunPayload
	if env.Decode(&p) == nil && p.ClientID != "" {
		return s.nodeLimiter.Allow(p.ClientID)
	}
	return true
}

type taskRunPayload struct {
	ServiceToken string `json:"serviceToken"`
	Kind         string `json:"kind"`
	Prompt       string `json:"prompt"`
	ClientID     string `json:"clientId"`
}

func (s *Server) checkToken(token string) bool {
	return s.cfg.ServiceToken == "" || token == s.cfg.ServiceToken
}

func (s *Server) handleTaskRun(ctx context.Context, env wire.Envelope) wire.Envelope {
	var p taskRunPayload
	if err := env.Decode(&p); err != nil {
		return wire.Error(env.ID, "malformed task_run")
	}
	if !s.checkToken(p.ServiceToken) {
		return wire.Error(env.ID, "invalid service token")
	}
	switch p.Kind {
	case "echo", "llm.chat", "agent":
	default:
		return wire.Error(env.ID, fmt.Sprintf("unsupported kind: %s", p.Kind))
	}
	if p.Prompt == "" {
		return wire.Error(env.ID, "missing prompt")
	}

	result, err := s.executor.Run(ctx, p.Kind, p.Prompt)
	if err != nil {
		return wire.New("task_error", env.ID, map[string]string{"message": err.Error()})
	}
	return wire.New("task_result", env.ID, map[string]string{"content": result})
}
