package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps seen ids on disk so redeliveries are still caught after a
// worker restart. Ids are namespaced by channel so workers can share a file.
type SQLite struct {
	db      *sql.DB
	channel string
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	inserts atomic.Int64
}

// pruneEvery controls how often expired rows are deleted, in inserts.
const pruneEvery = 256

func NewSQLite(dbPath, channel string, ttl time.Duration, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("dedup migration failed: %w", err)
	}

	s := &SQLite{db: db, channel: channel, ttl: ttl, logger: logger.With("component", "dedup"), now: time.Now}
	if n, err := s.Prune(context.Background()); err == nil && n > 0 {
		s.logger.Info("pruned expired dedup entries", "count", n)
	}
	return s, nil
}

func (s *SQLite) MarkSeen(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if s.ttl > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM seen_messages WHERE channel = ? AND message_id = ? AND seen_at < ?`,
			s.channel, id, now.Add(-s.ttl).UnixNano(),
		); err != nil {
			return false, fmt.Errorf("expire: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_messages (channel, message_id, seen_at) VALUES (?, ?, ?)`,
		s.channel, id, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	if n > 0 {
		if s.inserts.Add(1)%pruneEvery == 0 {
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Warn("dedup prune failed", "error", err)
			}
		}
	}
	return n == 0, nil
}

// Prune deletes entries older than the TTL for every channel.
func (s *SQLite) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_messages WHERE seen_at < ?`, s.now().Add(-s.ttl).UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
