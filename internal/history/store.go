// Package history persists recognition results in a local SQLite database so
// clients can replay recent utterances.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxlab/sussurro/internal/config"
)

// Entry is one recorded recognition result.
type Entry struct {
	ID           int64     `json:"id"`
	Text         string    `json:"text"`
	Confidence   float64   `json:"confidence"`
	Language     string    `json:"language"`
	Context      string    `json:"context"`
	OriginalText string    `json:"original_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store wraps the SQLite-backed result history. A Store opened without a
// database path is disabled: writes and reads become no-ops, so callers
// never need to branch on whether history is configured.
type Store struct {
	db      *sql.DB
	maxRows int
	log     *slog.Logger
	clock   func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Path == "" {
		return &Store{log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := &Store{db: db, maxRows: cfg.MaxRows, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prune(ctx); err != nil {
		log.Warn("history prune on start failed", "error", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT NOT NULL,
    confidence REAL NOT NULL,
    language TEXT NOT NULL,
    context TEXT,
    original_text TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("history: init schema: %w", err)
	}
	return nil
}

// Record appends one result, pruning the oldest rows past the configured cap.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(text, confidence, language, context, original_text, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		e.Text, e.Confidence, e.Language, e.Context, e.OriginalText, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return s.prune(ctx)
}

// Recent returns up to limit results, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, confidence, language, context, original_text, created_at
		 FROM results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.Text, &e.Confidence, &e.Language, &e.Context, &e.OriginalText, &created); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// prune drops the oldest rows beyond the configured cap.
func (s *Store) prune(ctx context.Context) error {
	if s.db == nil || s.maxRows <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM results WHERE id NOT IN (SELECT id FROM results ORDER BY id DESC LIMIT ?)`,
		s.maxRows)
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
