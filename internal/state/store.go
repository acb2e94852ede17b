// Package state is the SQLite-backed store for everything that must survive
// a restart: duplicate pairs, the dismissed-pair index, vector index entries,
// and pipeline contexts parked at a pending user decision.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/quillforge/quill/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS duplicate_pairs (
    id          TEXT PRIMARY KEY,
    node_id_a   TEXT NOT NULL,
    node_id_b   TEXT NOT NULL,
    type        TEXT NOT NULL,
    similarity  REAL NOT NULL,
    status      TEXT NOT NULL,
    detected_at TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pairs_status ON duplicate_pairs(status);
CREATE INDEX IF NOT EXISTS idx_pairs_node_a ON duplicate_pairs(node_id_a);
CREATE INDEX IF NOT EXISTS idx_pairs_node_b ON duplicate_pairs(node_id_b);

CREATE TABLE IF NOT EXISTS dismissed_pairs (
    pair_id      TEXT PRIMARY KEY,
    dismissed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vector_entries (
    node_id    TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    embedding  TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vectors_type ON vector_entries(type);

CREATE TABLE IF NOT EXISTS pipeline_states (
    pipeline_id TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    stage       TEXT NOT NULL,
    data        TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database at path. WAL mode keeps
// concurrent readers cheap.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory store, for tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory db: %w", err)
	}
	// A single connection so every statement sees the same in-memory database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- duplicate pairs ---

// SavePair inserts or replaces a pair row.
func (s *Store) SavePair(ctx context.Context, pair *types.DuplicatePair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO duplicate_pairs
		(id, node_id_a, node_id_b, type, similarity, status, detected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pair.ID, pair.NodeIDA, pair.NodeIDB, string(pair.Type), pair.Similarity,
		string(pair.Status), pair.DetectedAt.Format(time.RFC3339Nano),
		pair.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save pair %s: %w", pair.ID, err)
	}
	return nil
}

// GetPair loads one pair, returning E311 when absent.
func (s *Store) GetPair(ctx context.Context, pairID string) (*types.DuplicatePair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id_a, node_id_b, type, similarity, status, detected_at, updated_at
		FROM duplicate_pairs WHERE id = ?`, pairID)
	pair, err := scanPair(row)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.ErrCodeEntityNotFound, "pair %s not found", pairID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pair %s: %w", pairID, err)
	}
	return pair, nil
}

// ListPairs returns pairs filtered by status; an empty status lists all.
func (s *Store) ListPairs(ctx context.Context, status types.PairStatus) ([]*types.DuplicatePair, error) {
	query := `SELECT id, node_id_a, node_id_b, type, similarity, status, detected_at, updated_at
		FROM duplicate_pairs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// ListPairsByNode returns every pair involving the node, any status.
func (s *Store) ListPairsByNode(ctx context.Context, nodeID string) ([]*types.DuplicatePair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id_a, node_id_b, type, similarity, status, detected_at, updated_at
		FROM duplicate_pairs WHERE node_id_a = ? OR node_id_b = ?
		ORDER BY detected_at DESC`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs for node %s: %w", nodeID, err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// DeletePair removes a pair row.
func (s *Store) DeletePair(ctx context.Context, pairID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM duplicate_pairs WHERE id = ?`, pairID); err != nil {
		return fmt.Errorf("failed to delete pair %s: %w", pairID, err)
	}
	return nil
}

// --- dismissed index ---

// AddDismissed records a pair id in the dismissed index so it never
// resurfaces on re-detection.
func (s *Store) AddDismissed(ctx context.Context, pairID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dismissed_pairs (pair_id, dismissed_at) VALUES (?, ?)`,
		pairID, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record dismissal of %s: %w", pairID, err)
	}
	return nil
}

// IsDismissed reports whether a pair id is in the dismissed index.
func (s *Store) IsDismissed(ctx context.Context, pairID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM dismissed_pairs WHERE pair_id = ?`, pairID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check dismissal of %s: %w", pairID, err)
	}
	return true, nil
}

// --- vector entries ---

// SaveVectorEntry inserts or replaces one embedding row.
func (s *Store) SaveVectorEntry(ctx context.Context, entry *types.VectorEntry) error {
	blob, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding for %s: %w", entry.NodeID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO vector_entries (node_id, type, embedding, updated_at)
		VALUES (?, ?, ?, ?)`,
		entry.NodeID, string(entry.Type), string(blob),
		entry.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save vector entry %s: %w", entry.NodeID, err)
	}
	return nil
}

// DeleteVectorEntry removes one embedding row.
func (s *Store) DeleteVectorEntry(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vector_entries WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("failed to delete vector entry %s: %w", nodeID, err)
	}
	return nil
}

// LoadVectorEntries returns every persisted embedding.
func (s *Store) LoadVectorEntries(ctx context.Context) ([]*types.VectorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, type, embedding, updated_at FROM vector_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to load vector entries: %w", err)
	}
	defer rows.Close()

	var entries []*types.VectorEntry
	for rows.Next() {
		var entry types.VectorEntry
		var typ, blob, updated string
		if err := rows.Scan(&entry.NodeID, &typ, &blob, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan vector entry: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &entry.Embedding); err != nil {
			return nil, fmt.Errorf("corrupt embedding for %s: %w", entry.NodeID, err)
		}
		entry.Type = types.KnowledgeType(typ)
		entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// --- persisted pipeline contexts ---

// SavePipelineState persists a pipeline context (review_changes parking).
func (s *Store) SavePipelineState(ctx context.Context, pc *types.PipelineContext) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline %s: %w", pc.PipelineID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pipeline_states (pipeline_id, kind, stage, data, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		pc.PipelineID, string(pc.Kind), string(pc.Stage), string(data),
		time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist pipeline %s: %w", pc.PipelineID, err)
	}
	return nil
}

// LoadPipelineStates returns every persisted pipeline context.
func (s *Store) LoadPipelineStates(ctx context.Context) ([]*types.PipelineContext, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM pipeline_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline states: %w", err)
	}
	defer rows.Close()

	var out []*types.PipelineContext
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline state: %w", err)
		}
		var pc types.PipelineContext
		if err := json.Unmarshal([]byte(data), &pc); err != nil {
			return nil, fmt.Errorf("corrupt pipeline state: %w", err)
		}
		out = append(out, &pc)
	}
	return out, rows.Err()
}

// DeletePipelineState removes a persisted pipeline context.
func (s *Store) DeletePipelineState(ctx context.Context, pipelineID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_states WHERE pipeline_id = ?`, pipelineID); err != nil {
		return fmt.Errorf("failed to delete pipeline state %s: %w", pipelineID, err)
	}
	return nil
}

// --- row scanning ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPair(row rowScanner) (*types.DuplicatePair, error) {
	var pair types.DuplicatePair
	var typ, status, detected, updated string
	if err := row.Scan(&pair.ID, &pair.NodeIDA, &pair.NodeIDB, &typ,
		&pair.Similarity, &status, &detected, &updated); err != nil {
		return nil, err
	}
	pair.Type = types.KnowledgeType(typ)
	pair.Status = types.PairStatus(status)
	pair.DetectedAt, _ = time.Parse(time.RFC3339Nano, detected)
	pair.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &pair, nil
}

func scanPairs(rows *sql.Rows) ([]*types.DuplicatePair, error) {
	var pairs []*types.DuplicatePair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}
