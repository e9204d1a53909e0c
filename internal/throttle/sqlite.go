package throttle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists throttle state in the policy database. The claim is a
// single conditional upsert so concurrent deliveries from the same sender
// cannot both acquire within one window.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates the throttle table if needed and returns the store.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if db == nil {
		return nil, fmt.Errorf("throttle: database is nil")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reply_throttle (
			alias_id INTEGER NOT NULL,
			sender TEXT NOT NULL,
			last_reply_at INTEGER NOT NULL,
			reply_count INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (alias_id, sender)
		);
		CREATE INDEX IF NOT EXISTS idx_reply_throttle_last ON reply_throttle(last_reply_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("throttle: create table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Acquire claims the right to reply to sender within window. Timestamps are
// stored as Unix nanoseconds so the comparison happens inside SQLite.
func (s *SQLite) Acquire(ctx context.Context, aliasID int64, sender string, window time.Duration, now time.Time) (bool, error) {
	sender = strings.ToLower(sender)
	nowNs := now.UnixNano()

	if window <= 0 {
		// Unlimited frequency: always fire, still record the reply.
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reply_throttle (alias_id, sender, last_reply_at, reply_count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(alias_id, sender) DO UPDATE SET
				last_reply_at = excluded.last_reply_at,
				reply_count = reply_throttle.reply_count + 1
		`, aliasID, sender, nowNs)
		if err != nil {
			return false, fmt.Errorf("throttle: record reply: %w", err)
		}
		return true, nil
	}

	cutoff := now.Add(-window).UnixNano()

	// The WHERE clause on the upsert makes check-and-record one atomic
	// statement: the row is only touched when the previous reply fell out
	// of the window.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reply_throttle (alias_id, sender, last_reply_at, reply_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(alias_id, sender) DO UPDATE SET
			last_reply_at = excluded.last_reply_at,
			reply_count = reply_throttle.reply_count + 1
		WHERE reply_throttle.last_reply_at <= ?
	`, aliasID, sender, nowNs, cutoff)
	if err != nil {
		return false, fmt.Errorf("throttle: acquire: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("throttle: acquire: %w", err)
	}
	return affected > 0, nil
}

// LastFired returns the last recorded reply time for the pair.
func (s *SQLite) LastFired(ctx context.Context, aliasID int64, sender string) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_reply_at FROM reply_throttle WHERE alias_id = ? AND sender = ?
	`, aliasID, strings.ToLower(sender)).Scan(&ns)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ns), true, nil
}

// Cleanup removes entries older than maxAge. Retention is an operational
// concern, the engine itself never deletes state.
func (s *SQLite) Cleanup(ctx context.Context, maxAge time.Duration, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reply_throttle WHERE last_reply_at < ?`,
		now.Add(-maxAge).UnixNano(),
	)
	return err
}
