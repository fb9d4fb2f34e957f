package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver, used only when a peer DSN is configured
)

// PostgresConfig holds connection parameters for the optional peer
// directory backing store.
type PostgresConfig struct {
	Host     string `env:"BRIDGE_PG_HOST"`
	Port     int    `env:"BRIDGE_PG_PORT"`
	User     string `env:"BRIDGE_PG_USER"`
	Password string `env:"BRIDGE_PG_PASSWORD"`
	Database string `env:"BRIDGE_PG_DATABASE"`
	SSLMode  string `env:"BRIDGE_PG_SSLMODE"`
}

// DSN returns a PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// Peer is one federated registry this one pushes sync() to.
type Peer struct {
	URL        string
	LastSyncTS time.Time
	LastSyncOK bool
}

// PeerDirectory tracks the bridge's peer list. With a configured Postgres
// DSN the list is durable across restarts; otherwise it lives in memory
// only (dev-mode default) — both satisfy the same interface so Bridge
// doesn't care which backs it.
type PeerDirectory interface {
	List(ctx context.Context) ([]Peer, error)
	Upsert(ctx context.Context, p Peer) error
}

// memoryPeerDirectory is the in-memory fallback when no Postgres DSN is set.
type memoryPeerDirectory struct {
	peers map[string]Peer
}

// NewMemoryPeerDirectory creates the dev-mode in-memory peer directory.
func NewMemoryPeerDirectory(urls []string) PeerDirectory {
	m := &memoryPeerDirectory{peers: make(map[string]Peer, len(urls))}
	for _, u := range urls {
		m.peers[u] = Peer{URL: u}
	}
	return m
}

func (m *memoryPeerDirectory) List(ctx context.Context) ([]Peer, error) {
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out, nil
}

func (m *memoryPeerDirectory) Upsert(ctx context.Context, p Peer) error {
	m.peers[p.URL] = p
	return nil
}

// postgresPeerDirectory is the durable peer list used in multi-registry
// deployments where several registry processes share bridge state.
type postgresPeerDirectory struct {
	db *sql.DB
}

// NewPostgresPeerDirectory opens a Postgres-backed peer directory and
// migrates its schema.
func NewPostgresPeerDirectory(cfg PostgresConfig) (PeerDirectory, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bridge_peers (
		url TEXT PRIMARY KEY,
		last_sync_ts TIMESTAMPTZ,
		last_sync_ok BOOLEAN NOT NULL DEFAULT false
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate bridge_peers: %w", err)
	}
	return &postgresPeerDirectory{db: db}, nil
}

func (p *postgresPeerDirectory) List(ctx context.Context) ([]Peer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT url, last_sync_ts, last_sync_ok FROM bridge_peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		var peer Peer
		var lastSync sql.NullTime
		if err := rows.Scan(&peer.URL, &lastSync, &peer.LastSyncOK); err != nil {
			return nil, err
		}
		if lastSync.Valid {
			peer.LastSyncTS = lastSync.Time
		}
		out = append(out, peer)
	}
	return out, rows.Err()
}

func (p *postgresPeerDirectory) Upsert(ctx context.Context, peer Peer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bridge_peers (url, last_sync_ts, last_sync_ok) VALUES ($1, $2, $3)
		ON CONFLICT (url) DO UPDATE SET last_sync_ts = $2, last_sync_ok = $3`,
		peer.URL, peer.LastSyncTS, peer.LastSyncOK)
	return err
}

// SyncPusher sends a bulk `sync` call to a peer registry. The concrete
// implementation is WSSyncPusher in syncpusher.go (it needs a WebSocket dial);
// Bridge only depends on this narrow interface so it stays test-friendly.
type SyncPusher interface {
	PushSync(ctx context.Context, peerURL string, nodes []*Node, registryToken string) error
}

// Bridge periodically pushes this registry's node directory to every
// configured peer via the `sync` wire operation. Ordering across
// federated registries is eventual per spec.md §5 — no cross-registry
// consistency is attempted.
type Bridge struct {
	state         *State
	directory     PeerDirectory
	pusher        SyncPusher
	registryToken string
	interval      time.Duration
	logger        *slog.Logger
}

// NewBridge creates a registry bridge.
func NewBridge(state *State, directory PeerDirectory, pusher SyncPusher, registryToken string, interval time.Duration, logger *slog.Logger) *Bridge {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Bridge{state: state, directory: directory, pusher: pusher, registryToken: registryToken, interval: interval, logger: logger}
}

// Run pushes a sync to every peer on a ticker until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pushOnce(ctx)
		}
	}
}

func (b *Bridge) pushOnce(ctx context.Context) {
	peers, err := b.directory.List(ctx)
	if err != nil {
		b.logger.Error("bridge: list peers failed", "error", err)
		return
	}
	snap := b.state.Snapshot()
	for _, peer := range peers {
		err := b.pusher.PushSync(ctx, peer.URL, snap.Nodes, b.registryToken)
		peer.LastSyncTS = time.Now()
		peer.LastSyncOK = err == nil
		if err != nil {
			b.logger.Warn("bridge: sync push failed", "peer", peer.URL, "error", err)
		}
		if uerr := b.directory.Upsert(ctx, peer); uerr != nil {
			b.logger.Error("bridge: peer directory update failed", "peer", peer.URL, "error", uerr)
		}
	}
}
