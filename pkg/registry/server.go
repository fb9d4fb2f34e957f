package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/federated/agentfabric/pkg/health"
	"github.com/federated/agentfabric/pkg/observability"
	"github.com/federated/agentfabric/pkg/ratelimit"
	"github.com/federated/agentfabric/pkg/wire"
)

// ServerConfig configures the registry's WebSocket, health, and metrics
// listeners.
type ServerConfig struct {
	ListenAddr       string
	HealthHost       string
	HealthPort       int
	MetricsAddr      string
	RegistryToken    string
	SnapshotPath     string
	SnapshotInterval time.Duration
	RateLimitPerMin  float64
	RateLimitBurst   int
	RateLimitIdleTTL time.Duration

	// AuditDBPath, if set, opens a SQLite-backed durable log of every
	// `report` outcome alongside the JSON snapshot. Empty disables it.
	AuditDBPath string
}

// registryHealthResponse is the registry's /health body (spec.md §6):
// {status:"ok", uptimeSeconds:N, nodesTotal:N}, distinct from the shared
// health package's generic {status, uptime, checks} shape.
type registryHealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int    `json:"uptimeSeconds"`
	NodesTotal    int    `json:"nodesTotal"`
}

// Server is the registry's protocol dispatcher: it owns a State, a health
// server, a metrics registry, and one rate limiter keyed by remote IP.
// Concurrency model: one goroutine per accepted connection; frames on a
// connection are processed strictly in receive order (no per-connection
// fan-out), matching spec.md §5.
type Server struct {
	cfg     ServerConfig
	state   *State
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	metrics *observability.RegistryMetrics
	health  *health.Server
	audit   *AuditStore

	startedAt  time.Time
	httpSrv    *http.Server
	metricsSrv *http.Server

	// connBindings maps a connection's pointer identity to the nodeId it
	// registered, so `update` can be rejected on an unbound connection.
	bindMu       sync.Mutex
	connBindings map[*websocket.Conn]string
}

// healthResponse builds the registry's /health body (spec.md §6).
func (s *Server) healthResponse() registryHealthResponse {
	total, _ := s.state.Counts()
	return registryHealthResponse{
		Status:        "ok",
		UptimeSeconds: int(time.Since(s.startedAt).Seconds()),
		NodesTotal:    total,
	}
}

// NewServer creates a registry server around an existing State.
func NewServer(cfg ServerConfig, state *State, logger *slog.Logger) *Server {
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
		cfg:          cfg,
		state:        state,
		logger:       logger,
		limiter:      ratelimit.New(cfg.RateLimitPerMin, cfg.RateLimitBurst, cfg.RateLimitIdleTTL),
		metrics:      observability.NewRegistryMetrics(),
		health:       health.NewServer(cfg.HealthHost, cfg.HealthPort),
		startedAt:    time.Now(),
		connBindings: make(map[*websocket.Conn]string),
	}
}

// Run starts the WebSocket listener, the health/metrics listener, and the
// TTL/persistence background loops, blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.SnapshotPath != "" {
		s.state.Restore(Load(s.cfg.SnapshotPath, s.logger))
	}

	if s.cfg.AuditDBPath != "" {
		store, err := NewAuditStore(s.cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		s.audit = store
		defer store.Close()
	}

	s.health.RegisterCheck("state", func() (bool, string) {
		return true, "accepting connections"
	})
	s.health.SetHealthResponder(func() any { return s.healthResponse() })
	if err := s.health.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	defer s.health.Stop(context.Background())
	s.health.SetReady(true)

	if s.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/metrics", observability.MetricsHandler(s.metrics.Registry))
		metricsLn, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen metrics: %w", err)
		}
		s.metricsSrv = &http.Server{Handler: metricsMux}
		go s.metricsSrv.Serve(metricsLn)
		defer s.metricsSrv.Shutdown(context.Background())
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/registry", s.handleConn)
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: wsMux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go s.ttlLoop(ctx)
	go s.reservationTTLLoop(ctx)
	if s.cfg.SnapshotPath != "" && s.cfg.SnapshotInterval > 0 {
		go s.snapshotLoop(ctx)
	}

	s.logger.Info("registry server starting", "addr", s.cfg.ListenAddr)
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

// buildMux returns the WebSocket handler mux on its own, without binding any
// listener — used by tests to drive the dispatcher through httptest.Server.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/registry", s.handleConn)
	return mux
}

// saveAsync snapshots state in the background so a slow disk never adds
// latency to the request that triggered it. Concurrent saves are safe:
// each writes its own temp file and the final rename is atomic, so the
// last one to finish simply wins.
func (s *Server) saveAsync() {
	go func() {
		if err := Save(s.cfg.SnapshotPath, s.state.Snapshot()); err != nil {
			s.logger.Error("post-mutation snapshot save failed", "error", err)
			return
		}
		s.metrics.LastSavedTS.Set(time.Now().Unix())
	}()
}

func (s *Server) shutdown() {
	if s.cfg.SnapshotPath != "" {
		if err := Save(s.cfg.SnapshotPath, s.state.Snapshot()); err != nil {
			s.logger.Error("final snapshot save failed", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) ttlLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttlInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.state.ApplyTTL(time.Now())
			total, online := s.state.Counts()
			s.metrics.NodesTotal.Set(int64(total))
			s.metrics.NodesOnline.Set(int64(online))
			s.metrics.UptimeSeconds.Set(int64(time.Since(s.startedAt).Seconds()))
		}
	}
}

func (s *Server) ttlInterval() time.Duration {
	if s.state.cfg.TTL <= 0 {
		return 30 * time.Second
	}
	return s.state.cfg.TTL / 2
}

func (s *Server) reservationTTLLoop(ctx context.Context) {
	interval := s.state.cfg.PreauthTTL / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.state.ExpireReservations(time.Now())
		}
	}
}

func (s *Server) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := Save(s.cfg.SnapshotPath, s.state.Snapshot()); err != nil {
				s.logger.Error("periodic snapshot save failed", "error", err)
				continue
			}
			s.metrics.LastSavedTS.Set(time.Now().Unix())
		}
	}
}

// handleConn is the per-connection worker: accept, loop on recv, dispatch,
// reply, repeat — registering and deregistering itself from connBindings
// on entry/exit via a scoped guard so a panic still releases the binding.
func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("registry accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}

	defer func() {
		s.bindMu.Lock()
		nodeID, bound := s.connBindings[conn]
		delete(s.connBindings, conn)
		s.bindMu.Unlock()
		if bound {
			s.state.SetOffline(nodeID)
		}
	}()

	ctx := r.Context()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("registry read error", "error", err)
			}
			return
		}

		if !s.limiter.Allow(remoteIP) {
			s.metrics.RateLimitedTotal.Inc()
			s.reply(ctx, conn, wire.Error(env.ID, "rate limited"))
			continue
		}

		reply := s.dispatch(ctx, conn, env)
		s.reply(ctx, conn, reply)
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, env wire.Envelope) {
	if err := wsjson.Write(ctx, conn, env); err != nil {
		s.logger.Debug("registry write error", "error", err)
	}
}

// mutatingTypes are frame types that change persistent state; a successful
// handling of one triggers an out-of-band snapshot write when a snapshot
// path is configured, in addition to the periodic save loop.
var mutatingTypes = map[string]bool{
	"register": true, "update": true, "reserve": true, "commit": true,
	"cancel": true, "award": true, "report": true, "sync": true,
	"knowledge_publish": true,
}

func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, env wire.Envelope) wire.Envelope {
	reply := s.route(conn, env)
	if mutatingTypes[env.Type] && reply.Type != "error" && s.cfg.SnapshotPath != "" {
		s.saveAsync()
	}
	return reply
}

func (s *Server) route(conn *websocket.Conn, env wire.Envelope) wire.Envelope {
	switch env.Type {
	case "ping":
		return wire.New("pong", env.ID, nil)
	case "register":
		return s.handleRegister(conn, env, true)
	case "update":
		return s.handleRegister(conn, env, false)
	case "list":
		return s.handleList(env)
	case "resolve":
		return s.handleResolve(env)
	case "reserve":
		return s.handleReserve(env)
	case "commit":
		return s.handleCommit(env)
	case "cancel":
		return s.handleCancel(env)
	case "award":
		return s.handleAward(env)
	case "report":
		return s.handleReport(env)
	case "sync":
		return s.handleSync(env)
	case "leaderboard":
		return s.handleLeaderboard(env)
	case "knowledge_publish":
		return s.handleKnowledgePublish(env)
	case "knowledge_list":
		return s.handleKnowledgeList(env)
	case "knowledge_get":
		return s.handleKnowledgeGet(env)
	default:
		return wire.Error(env.ID, fmt.Sprintf("unknown type: %s", env.Type))
	}
}

func (s *Server) checkToken(token string) bool {
	return s.cfg.RegistryToken == "" || token == s.cfg.RegistryToken
}

type registerPayload struct {
	NodeID         string          `json:"nodeId"`
	NodeName       string          `json:"nodeName"`
	EndpointURL    string          `json:"endpointUrl"`
	Capabilities   map[string]bool `json:"capabilities"`
	CapabilityCard json.RawMessage `json:"capabilityCard"`
	PricePoints    int64           `json:"pricePoints"`
	RegistryToken  string          `json:"registryToken"`
}

func (s *Server) handleRegister(conn *websocket.Conn, env wire.Envelope, isRegister bool) wire.Envelope {
	var p registerPayload
	if err := env.Decode(&p); err != nil || p.NodeID == "" {
		return wire.Error(env.ID, "malformed register payload")
	}
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	if !isRegister {
		s.bindMu.Lock()
		bound, ok := s.connBindings[conn]
		s.bindMu.Unlock()
		if !ok || bound != p.NodeID {
			return wire.Error(env.ID, "update on unbound connection")
		}
	}

	price := p.PricePoints
	if price < 1 {
		price = 1
	}
	n := &Node{
		NodeID:         p.NodeID,
		NodeName:       p.NodeName,
		EndpointURL:    p.EndpointURL,
		Capabilities:   p.Capabilities,
		CapabilityCard: SanitizeCapabilityCard(p.CapabilityCard),
		PricePoints:    price,
	}
	s.state.Upsert(n)
	s.bindMu.Lock()
	s.connBindings[conn] = p.NodeID
	s.bindMu.Unlock()

	total, online := s.state.Counts()
	s.metrics.NodesTotal.Set(int64(total))
	s.metrics.NodesOnline.Set(int64(online))

	typ := "register_ok"
	if !isRegister {
		typ = "update_ok"
	}
	return wire.New(typ, env.ID, map[string]string{"nodeId": p.NodeID})
}

type listPayload struct {
	OnlineOnly          bool     `json:"onlineOnly"`
	RequireCapabilities []string `json:"requireCapabilities"`
	Page                int      `json:"page"`
	PageSize            int      `json:"pageSize"`
	RegistryToken       string   `json:"registryToken"`
}

type nodeListing struct {
	NodeID         string          `json:"nodeId"`
	NodeName       string          `json:"nodeName"`
	Capabilities   map[string]bool `json:"capabilities"`
	CapabilityCard CapabilityCard  `json:"capabilityCard"`
	PricePoints    int64           `json:"pricePoints"`
	Online         bool            `json:"online"`
	CompletedTasks int64           `json:"completedTasks"`
	EarnedPoints   int64           `json:"earnedPoints"`
	Balance        int64           `json:"balance"`
	SpentPoints    int64           `json:"spentPoints"`
	HeldPoints     int64           `json:"heldPoints"`
	SuccessCount   int64           `json:"successCount"`
	FailCount      int64           `json:"failCount"`
	AvgLatencyMs   float64         `json:"avgLatencyMs"`
	LastSeenTS     string          `json:"lastSeenTs"`
}

func toListing(n *Node) nodeListing {
	return nodeListing{
		NodeID: n.NodeID, NodeName: n.NodeName, Capabilities: n.Capabilities,
		CapabilityCard: n.CapabilityCard, PricePoints: n.PricePoints, Online: n.Online,
		CompletedTasks: n.CompletedTasks, EarnedPoints: n.EarnedPoints, Balance: n.Balance,
		SpentPoints: n.SpentPoints, HeldPoints: n.HeldPoints, SuccessCount: n.SuccessCount,
		FailCount: n.FailCount, AvgLatencyMs: n.AvgLatencyMs(), LastSeenTS: n.LastSeenTS.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleList(env wire.Envelope) wire.Envelope {
	var p listPayload
	env.Decode(&p)
	res := s.state.List(ListOptions{OnlineOnly: p.OnlineOnly, RequireCapabilities: p.RequireCapabilities, Page: p.Page, PageSize: p.PageSize})
	listings := make([]nodeListing, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		listings = append(listings, toListing(n))
	}
	return wire.New("list_result", env.ID, map[string]any{
		"page": res.Page, "pageSize": res.PageSize, "total": res.Total, "nodes": listings,
	})
}

type resolvePayload struct {
	NodeID        string `json:"nodeId"`
	RegistryToken string `json:"registryToken"`
}

func (s *Server) handleResolve(env wire.Envelope) wire.Envelope {
	var p resolvePayload
	env.Decode(&p)
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	n, err := s.state.Resolve(p.NodeID)
	if err != nil {
		return wire.Error(env.ID, "unknown node")
	}
	return wire.New("resolve_ok", env.ID, map[string]any{
		"nodeId": n.NodeID, "endpointUrl": n.EndpointURL, "online": n.Online,
		"lastSeenTs": n.LastSeenTS.UTC().Format(time.RFC3339Nano),
	})
}

type reservePayload struct {
	NodeID        string `json:"nodeId"`
	PayerNode     string `json:"payerNode"`
	Points        int64  `json:"points"`
	RegistryToken string `json:"registryToken"`
}

func (s *Server) handleReserve(env wire.Envelope) wire.Envelope {
	var p reservePayload
	if err := env.Decode(&p); err != nil {
		return wire.Error(env.ID, "malformed reserve payload")
	}
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	id, err := s.state.Reserve(p.PayerNode, p.NodeID, p.Points)
	if err != nil {
		return wire.Error(env.ID, err.Error())
	}
	return wire.New("reserve_ok", env.ID, map[string]string{"reservationId": id})
}

type reservationIDPayload struct {
	ReservationID string `json:"reservationId"`
	RegistryToken string `json:"registryToken"`
}

func (s *Server) handleCommit(env wire.Envelope) wire.Envelope {
	var p reservationIDPayload
	env.Decode(&p)
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	if err := s.state.Commit(p.ReservationID); err != nil {
		return wire.Error(env.ID, err.Error())
	}
	return wire.New("commit_ok", env.ID, nil)
}

func (s *Server) handleCancel(env wire.Envelope) wire.Envelope {
	var p reservationIDPayload
	env.Decode(&p)
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	if err := s.state.Cancel(p.ReservationID); err != nil {
		return wire.Error(env.ID, err.Error())
	}
	return wire.New("cancel_ok", env.ID, nil)
}

type awardPayload struct {
	NodeID        string `json:"nodeId"`
	Points        int64  `json:"points"`
	PayerNode     string `json:"payerNode"`
	RegistryToken string `json:"registryToken"`
}

func (s *Server) handleAward(env wire.Envelope) wire.Envelope {
	var p awardPayload
	env.Decode(&p)
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	if err := s.state.Award(p.NodeID, p.Points, p.PayerNode); err != nil {
		return wire.Error(env.ID, err.Error())
	}
	return wire.New("award_ok", env.ID, nil)
}

type reportPayload struct {
	NodeID        string `json:"nodeId"`
	OK            bool   `json:"ok"`
	LatencyMs     int64  `json:"latencyMs"`
	RegistryToken string `json:"registryToken"`
}

func (s *Server) handleReport(env wire.Envelope) wire.Envelope {
	var p reportPayload
	env.Decode(&p)
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	if err := s.state.Report(p.NodeID, p.OK, p.LatencyMs); err != nil {
		return wire.Error(env.ID, err.Error())
	}
	if s.audit != nil {
		if err := s.audit.Record(context.Background(), p.NodeID, p.OK, p.LatencyMs); err != nil {
			s.logger.Warn("registry: audit record failed", "nodeId", p.NodeID, "error", err)
		}
	}
	return wire.New("report_ok", env.ID, nil)
}

type syncPayload struct {
	Nodes         []*Node `json:"nodes"`
	RegistryToken string  `json:"registryToken"`
}

func (s *Server) handleSync(env wire.Envelope) wire.Envelope {
	var p syncPayload
	env.Decode(&p)
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	s.state.Sync(p.Nodes)
	return wire.New("sync_ok", env.ID, nil)
}

type leaderboardPayload struct {
	Limit  int    `json:"limit"`
	SortBy string `json:"sortBy"`
}

func (s *Server) handleLeaderboard(env wire.Envelope) wire.Envelope {
	var p leaderboardPayload
	env.Decode(&p)
	nodes := s.state.Leaderboard(p.SortBy, p.Limit)
	listings := make([]nodeListing, 0, len(nodes))
	for _, n := range nodes {
		listings = append(listings, toListing(n))
	}
	return wire.New("leaderboard_result", env.ID, map[string]any{"sortBy": p.SortBy, "limit": p.Limit, "nodes": listings})
}

type knowledgePublishPayload struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Content       string   `json:"content"`
	Summary       string   `json:"summary"`
	Tags          []string `json:"tags"`
	Version       string   `json:"version"`
	OwnerNode     string   `json:"ownerNode"`
	AllowUpdate   bool     `json:"allowUpdate"`
	RegistryToken string   `json:"registryToken"`
}

func (s *Server) handleKnowledgePublish(env wire.Envelope) wire.Envelope {
	var p knowledgePublishPayload
	if err := env.Decode(&p); err != nil {
		return wire.Error(env.ID, "malformed knowledge_publish payload")
	}
	if !s.checkToken(p.RegistryToken) {
		return wire.Error(env.ID, "unauthorized")
	}
	pack := &KnowledgePack{
		PackID: p.ID, Name: p.Name, Kind: p.Kind, Summary: p.Summary,
		Content: p.Content, Tags: p.Tags, Version: p.Version, OwnerNode: p.OwnerNode,
	}
	if err := s.state.PublishKnowledge(pack, p.AllowUpdate); err != nil {
		return wire.Error(env.ID, err.Error())
	}
	return wire.New("knowledge_publish_ok", env.ID, map[string]any{
		"id": pack.PackID, "sizeBytes": pack.SizeBytes, "contentHash": pack.ContentHash,
		"updatedTs": pack.UpdatedTS.UTC().Format(time.RFC3339Nano),
	})
}

type knowledgeListPayload struct {
	Kind      string `json:"kind"`
	Tag       string `json:"tag"`
	OwnerNode string `json:"ownerNode"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleKnowledgeList(env wire.Envelope) wire.Envelope {
	var p knowledgeListPayload
	env.Decode(&p)
	packs := s.state.ListKnowledge(KnowledgeListOptions{Kind: p.Kind, Tag: p.Tag, OwnerNode: p.OwnerNode, Limit: p.Limit})
	return wire.New("knowledge_list_result", env.ID, map[string]any{"packs": packs})
}

type knowledgeGetPayload struct {
	ID string `json:"id"`
}

func (s *Server) handleKnowledgeGet(env wire.Envelope) wire.Envelope {
	var p knowledgeGetPayload
	env.Decode(&p)
	pack, err := s.state.GetKnowledge(p.ID)
	if err != nil {
		return wire.Error(env.ID, "unknown knowledge pack")
	}
	return wire.New("knowledge_get_result", env.ID, pack)
}
