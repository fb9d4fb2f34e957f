package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGo)
)

// AuditStore is a durable, queryable history of `report` calls, kept
// alongside (never instead of) the JSON snapshot that remains the source
// of truth for ledger/reservation state.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (creating if necessary) a SQLite-backed audit log at
// dbPath. Use ":memory:" for tests.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", dbPath, err)
	}
	store := &AuditStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return store, nil
}

func (s *AuditStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS report_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id TEXT NOT NULL,
		ok INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_report_audit_node ON report_audit(node_id)`)
	return err
}

// Record appends one report outcome.
func (s *AuditStore) Record(ctx context.Context, nodeID string, ok bool, latencyMs int64) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO report_audit (node_id, ok, latency_ms) VALUES (?, ?, ?)`,
		nodeID, okInt, latencyMs)
	return err
}

// RecentForNode returns the last limit report rows for a node, newest first.
func (s *AuditStore) RecentForNode(ctx context.Context, nodeID string, limit int) ([]ReportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ok, latency_ms, recorded_at FROM report_audit WHERE node_id = ? ORDER BY id DESC LIMIT ?`,
		nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportRecord
	for rows.Next() {
		var okInt int
		var rec ReportRecord
		if err := rows.Scan(&okInt, &rec.LatencyMs, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.OK = okInt == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReportRecord is one row of the audit log.
type ReportRecord struct {
	OK         bool
	LatencyMs  int64
	RecordedAt time.Time
}

// Close releases the underlying database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
