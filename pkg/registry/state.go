package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownNode        = errors.New("unknown node")
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrUnknownPack        = errors.New("unknown knowledge pack")
	ErrOwnerMismatch      = errors.New("owner mismatch")
	ErrPackExists          = errors.New("pack exists, allowUpdate required")
	ErrMintWithoutPayer   = errors.New("award without payerNode is disabled by policy")
	ErrPackTooLarge       = errors.New("knowledge pack content too large")
	ErrInvalidPoints      = errors.New("points must be positive")
)

// Config controls policy knobs not named directly in the wire protocol.
type Config struct {
	InitialPoints         int64
	TTL                   time.Duration
	PreauthTTL            time.Duration
	MaxKnowledgeBytes     int
	AllowMintWithoutPayer bool
}

func defaultConfig() Config {
	return Config{
		InitialPoints:     100,
		TTL:               90 * time.Second,
		PreauthTTL:        2 * time.Minute,
		MaxKnowledgeBytes: 64 * 1024,
	}
}

// State is the registry's single authoritative in-memory store. One mutex
// protects nodes, the capability index, reservations, and knowledge packs
// together: they move as a unit on every mutation, so finer locking would
// leak into the invariant contract.
type State struct {
	cfg Config

	mu            sync.Mutex
	nodes         map[string]*Node
	capIndex      map[string]map[string]bool // capKey -> set<nodeId>
	reservations  map[string]*Reservation
	knowledge     map[string]*KnowledgePack
}

// NewState creates an empty registry state.
func NewState(cfg Config) *State {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultConfig().TTL
	}
	if cfg.PreauthTTL <= 0 {
		cfg.PreauthTTL = defaultConfig().PreauthTTL
	}
	if cfg.MaxKnowledgeBytes <= 0 {
		cfg.MaxKnowledgeBytes = defaultConfig().MaxKnowledgeBytes
	}
	return &State{
		cfg:          cfg,
		nodes:        make(map[string]*Node),
		capIndex:     make(map[string]map[string]bool),
		reservations: make(map[string]*Reservation),
		knowledge:    make(map[string]*KnowledgePack),
	}
}

// reindex rebuilds the capability index for one node. Caller holds mu.
func (s *State) reindexNode(n *Node) {
	for cap, set := range s.capIndex {
		delete(set, n.NodeID)
		if len(set) == 0 {
			delete(s.capIndex, cap)
		}
	}
	for cap, truthy := range n.Capabilities {
		if !truthy {
			continue
		}
		set, ok := s.capIndex[cap]
		if !ok {
			set = make(map[string]bool)
			s.capIndex[cap] = set
		}
		set[n.NodeID] = true
	}
}

// Upsert registers or updates a node, preserving ledger/telemetry from any
// prior entry with the same nodeId. A first insert is granted the
// configured InitialPoints here; the return value reports whether this was
// one.
func (s *State) Upsert(n *Node) (isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[n.NodeID]
	now := time.Now()
	n.LastSeenTS = now
	n.Online = true

	if !ok {
		n.Balance = s.cfg.InitialPoints
		s.nodes[n.NodeID] = n
		s.reindexNode(n)
		return true
	}

	n.Balance = existing.Balance
	n.HeldPoints = existing.HeldPoints
	n.SpentPoints = existing.SpentPoints
	n.EarnedPoints = existing.EarnedPoints
	n.CompletedTasks = existing.CompletedTasks
	n.SuccessCount = existing.SuccessCount
	n.FailCount = existing.FailCount
	n.TotalLatencyMs = existing.TotalLatencyMs
	s.nodes[n.NodeID] = n
	s.reindexNode(n)
	return false
}

// SetOffline marks a node offline without touching ledger/telemetry.
func (s *State) SetOffline(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.Online = false
	}
}

// Touch refreshes lastSeenTs/online for a node (used on update).
func (s *State) Touch(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return false
	}
	n.Online = true
	n.LastSeenTS = time.Now()
	return true
}

// ListOptions filters a List call.
type ListOptions struct {
	OnlineOnly         bool
	RequireCapabilities []string
	Page               int
	PageSize           int
}

// ListResult is a page of nodes plus pagination metadata.
type ListResult struct {
	Page     int
	PageSize int
	Total    int
	Nodes    []*Node
}

// List returns the capability-filtered, paginated node listing.
func (s *State) List(opts ListOptions) ListResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	var candidateIDs map[string]bool
	if len(opts.RequireCapabilities) == 0 {
		candidateIDs = nil // nil means "all nodes"
	} else {
		for i, cap := range opts.RequireCapabilities {
			set := s.capIndex[cap]
			if i == 0 {
				candidateIDs = make(map[string]bool, len(set))
				for id := range set {
					candidateIDs[id] = true
				}
				continue
			}
			for id := range candidateIDs {
				if !set[id] {
					delete(candidateIDs, id)
				}
			}
		}
	}

	var matched []*Node
	for id, n := range s.nodes {
		if candidateIDs != nil && !candidateIDs[id] {
			continue
		}
		if opts.OnlineOnly && !n.Online {
			continue
		}
		matched = append(matched, n)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].NodeID < matched[j].NodeID })

	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return ListResult{Page: page, PageSize: pageSize, Total: total, Nodes: append([]*Node{}, matched[start:end]...)}
}

// Resolve returns connection details for a single node.
func (s *State) Resolve(nodeID string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrUnknownNode
	}
	cp := *n
	return &cp, nil
}

// Reserve atomically debits the payer's balance into a hold.
func (s *State) Reserve(payerNode, providerNode string, points int64) (string, error) {
	if points < 1 {
		return "", ErrInvalidPoints
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payer, ok := s.nodes[payerNode]
	if !ok {
		return "", ErrUnknownNode
	}
	if _, ok := s.nodes[providerNode]; !ok {
		return "", ErrUnknownNode
	}
	if payer.Balance < points {
		return "", ErrInsufficientFunds
	}

	payer.Balance -= points
	payer.HeldPoints += points

	id := uuid.NewString()
	s.reservations[id] = &Reservation{
		ID:           id,
		PayerNode:    payerNode,
		ProviderNode: providerNode,
		Points:       points,
		CreatedTS:    time.Now(),
	}
	return id, nil
}

// Commit transfers a reservation's points from payer to provider.
func (s *State) Commit(reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	payer := s.nodes[r.PayerNode]
	provider := s.nodes[r.ProviderNode]
	if payer != nil {
		payer.HeldPoints -= r.Points
		payer.SpentPoints += r.Points
	}
	if provider != nil {
		provider.Balance += r.Points
		provider.EarnedPoints += r.Points
		provider.CompletedTasks++
	}
	delete(s.reservations, reservationID)
	return nil
}

// Cancel returns a reservation's held points to the payer.
func (s *State) Cancel(reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if payer, ok := s.nodes[r.PayerNode]; ok {
		payer.HeldPoints -= r.Points
		payer.Balance += r.Points
	}
	delete(s.reservations, reservationID)
	return nil
}

// Award is the legacy single-call pay path. With a payerNode it behaves
// like reserve+commit; without one it mints points into the provider
// unless the registry's policy disables minting (see Open Question in
// DESIGN.md — default disabled).
func (s *State) Award(nodeID string, points int64, payerNode string) error {
	if points < 1 {
		return ErrInvalidPoints
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	provider, ok := s.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}

	if payerNode == "" {
		if !s.cfg.AllowMintWithoutPayer {
			return ErrMintWithoutPayer
		}
		provider.Balance += points
		provider.EarnedPoints += points
		provider.CompletedTasks++
		return nil
	}

	payer, ok := s.nodes[payerNode]
	if !ok {
		return ErrUnknownNode
	}
	if payer.Balance < points {
		return ErrInsufficientFunds
	}
	payer.Balance -= points
	payer.SpentPoints += points
	provider.Balance += points
	provider.EarnedPoints += points
	provider.CompletedTasks++
	return nil
}

// Report records a task outcome against a node's telemetry.
func (s *State) Report(nodeID string, ok bool, latencyMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, found := s.nodes[nodeID]
	if !found {
		return ErrUnknownNode
	}
	if ok {
		n.SuccessCount++
	} else {
		n.FailCount++
	}
	n.TotalLatencyMs += latencyMs
	return nil
}

// Sync bulk-upserts peer-originated node entries, pulling in only
// presentational fields and online/lastSeen — counter fields are never
// merged from a sync, preserving each registry's authority over its own
// ledger.
func (s *State) Sync(peerNodes []*Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peer := range peerNodes {
		existing, ok := s.nodes[peer.NodeID]
		if !ok {
			cp := &Node{
				NodeID:         peer.NodeID,
				NodeName:       peer.NodeName,
				EndpointURL:    peer.EndpointURL,
				Capabilities:   peer.Capabilities,
				CapabilityCard: peer.CapabilityCard,
				PricePoints:    peer.PricePoints,
				Online:         peer.Online,
				LastSeenTS:     peer.LastSeenTS,
			}
			s.nodes[peer.NodeID] = cp
			s.reindexNode(cp)
			continue
		}
		existing.NodeName = peer.NodeName
		existing.EndpointURL = peer.EndpointURL
		existing.Capabilities = peer.Capabilities
		existing.CapabilityCard = peer.CapabilityCard
		existing.PricePoints = peer.PricePoints
		existing.Online = peer.Online
		existing.LastSeenTS = peer.LastSeenTS
		s.reindexNode(existing)
	}
}

// Leaderboard sorts online-and-offline nodes by one ledger field, breaking
// ties by nodeId ascending for determinism.
func (s *State) Leaderboard(sortBy string, limit int) []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 200 {
		limit = 200
	}

	all := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		all = append(all, n)
	}
	key := func(n *Node) int64 {
		switch sortBy {
		case "balance":
			return n.Balance
		case "completedTasks":
			return n.CompletedTasks
		default:
			return n.EarnedPoints
		}
	}
	sort.Slice(all, func(i, j int) bool {
		ki, kj := key(all[i]), key(all[j])
		if ki != kj {
			return ki > kj
		}
		return all[i].NodeID < all[j].NodeID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// PublishKnowledge creates or updates a knowledge pack, enforcing the
// owner-gated update policy and the size cap.
func (s *State) PublishKnowledge(p *KnowledgePack, allowUpdate bool) error {
	if p.PackID == "" {
		p.PackID = uuid.NewString()
	}
	p.Tags = SanitizeTags(p.Tags)
	size := len(p.Content)
	if size > s.cfg.MaxKnowledgeBytes {
		return ErrPackTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, ok := s.knowledge[p.PackID]
	if ok {
		if existing.OwnerNode != p.OwnerNode {
			return ErrOwnerMismatch
		}
		if !allowUpdate {
			return ErrPackExists
		}
		p.CreatedTS = existing.CreatedTS
	} else {
		p.CreatedTS = now
	}

	sum := sha256.Sum256([]byte(p.Content))
	p.ContentHash = hex.EncodeToString(sum[:])
	p.SizeBytes = size
	p.UpdatedTS = now
	s.knowledge[p.PackID] = p
	return nil
}

// KnowledgeListOptions filters a knowledge_list call.
type KnowledgeListOptions struct {
	Kind      string
	Tag       string
	OwnerNode string
	Limit     int
}

// ListKnowledge returns packs ordered by updatedTs descending.
func (s *State) ListKnowledge(opts KnowledgeListOptions) []*KnowledgePack {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	var matched []*KnowledgePack
	for _, p := range s.knowledge {
		if opts.Kind != "" && p.Kind != opts.Kind {
			continue
		}
		if opts.OwnerNode != "" && p.OwnerNode != opts.OwnerNode {
			continue
		}
		if opts.Tag != "" && !containsTag(p.Tags, opts.Tag) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedTS.After(matched[j].UpdatedTS) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// GetKnowledge returns one pack including its content.
func (s *State) GetKnowledge(packID string) (*KnowledgePack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.knowledge[packID]
	if !ok {
		return nil, ErrUnknownPack
	}
	cp := *p
	return &cp, nil
}

// ApplyTTL flips online=false for any node whose lastSeenTs predates now-ttl.
func (s *State) ApplyTTL(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.cfg.TTL)
	flipped := 0
	for _, n := range s.nodes {
		if n.Online && n.LastSeenTS.Before(cutoff) {
			n.Online = false
			flipped++
		}
	}
	return flipped
}

// ExpireReservations cancels reservations older than preauthTtl, returning
// held points to their payers.
func (s *State) ExpireReservations(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.cfg.PreauthTTL)
	expired := 0
	for id, r := range s.reservations {
		if r.CreatedTS.Before(cutoff) {
			if payer, ok := s.nodes[r.PayerNode]; ok {
				payer.HeldPoints -= r.Points
				payer.Balance += r.Points
			}
			delete(s.reservations, id)
			expired++
		}
	}
	return expired
}

// Counts returns (total, online) node counts for health/metrics.
func (s *State) Counts() (total int, online int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.nodes)
	for _, n := range s.nodes {
		if n.Online {
			online++
		}
	}
	return
}

// Snapshot captures the full persisted state for save().
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{}
	for _, n := range s.nodes {
		cp := *n
		out.Nodes = append(out.Nodes, &cp)
	}
	for _, r := range s.reservations {
		cp := *r
		out.Reservations = append(out.Reservations, &cp)
	}
	for _, p := range s.knowledge {
		cp := *p
		out.KnowledgePacks = append(out.KnowledgePacks, &cp)
	}
	return out
}

// Restore replaces in-memory state from a loaded snapshot and rebuilds the
// capability index.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*Node, len(snap.Nodes))
	s.capIndex = make(map[string]map[string]bool)
	s.reservations = make(map[string]*Reservation, len(snap.Reservations))
	s.knowledge = make(map[string]*KnowledgePack, len(snap.KnowledgePacks))

	for _, n := range snap.Nodes {
		s.nodes[n.NodeID] = n
		s.reindexNode(n)
	}
	for _, r := range snap.Reservations {
		s.reservations[r.ID] = r
	}
	for _, p := range snap.KnowledgePacks {
		s.knowledge[p.PackID] = p
	}
}
