// Package rulestore persists per-alias disposition policy in SQLite and
// hands the engine consistent, already-decoded snapshots.
package rulestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/message"
	"github.com/dispatchmail/policyd/internal/metrics"
	"github.com/dispatchmail/policyd/internal/policy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAliasNotFound is returned when no alias matches a lookup.
var ErrAliasNotFound = errors.New("alias not found")

// Store wraps the SQLite policy database.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates the policy database and applies pending migrations.
func Open(path string, logger *logging.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{db: db, logger: logger.Store()}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so the SQLite throttle backend can share
// the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version int
	name    string
	sql     string
}

func (s *Store) migrate(ctx context.Context) error {
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'",
	).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&version)
	return version, err
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration{version: version, name: entry.Name(), sql: string(content)})
	}
	return migrations, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration SQL error: %w", err)
	}
	return tx.Commit()
}

// LookupAlias resolves an alias address to its id.
func (s *Store) LookupAlias(ctx context.Context, address string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM aliases WHERE address = ?",
		message.CanonicalAddress(address),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrAliasNotFound
	}
	return id, err
}

// FetchPolicy returns the complete policy snapshot for one alias. Rules the
// store cannot decode are kept with a never-matching condition and counted
// as warnings: the engine fails open toward KEEP, never toward losing mail.
func (s *Store) FetchPolicy(ctx context.Context, aliasID int64) (*policy.Policy, error) {
	pol := &policy.Policy{AliasID: aliasID}

	err := s.db.QueryRowContext(ctx,
		"SELECT address FROM aliases WHERE id = ?", aliasID,
	).Scan(&pol.AliasAddress)
	if err == sql.ErrNoRows {
		return nil, ErrAliasNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch alias: %w", err)
	}

	if pol.Forwarding, err = s.fetchForwardRules(ctx, aliasID); err != nil {
		return nil, err
	}
	if pol.AutoReply, err = s.fetchAutoReply(ctx, aliasID); err != nil {
		return nil, err
	}
	if pol.Sieve, err = s.fetchSieveRules(ctx, aliasID); err != nil {
		return nil, err
	}
	return pol, nil
}

func (s *Store) fetchForwardRules(ctx context.Context, aliasID int64) ([]policy.ForwardRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_name, condition_type, condition_value, forward_to,
		       keep_original, priority, is_active, version, created_at, updated_at
		FROM forward_rules
		WHERE alias_id = ? AND deleted = FALSE
		ORDER BY priority, id
	`, aliasID)
	if err != nil {
		return nil, fmt.Errorf("fetch forward rules: %w", err)
	}
	defer rows.Close()

	var rules []policy.ForwardRule
	for rows.Next() {
		r := policy.ForwardRule{AliasID: aliasID}
		var condType string
		if err := rows.Scan(
			&r.Meta.ID, &r.RuleName, &condType, &r.ConditionValue, &r.ForwardTo,
			&r.KeepOriginal, &r.Priority, &r.IsActive, &r.Meta.Version,
			&r.Meta.CreatedAt, &r.Meta.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan forward rule: %w", err)
		}
		r.ConditionType = policy.ForwardConditionType(strings.ToUpper(condType))
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) fetchAutoReply(ctx context.Context, aliasID int64) (*policy.AutoReplySettings, error) {
	ar := &policy.AutoReplySettings{AliasID: aliasID}
	var start, end sql.NullTime
	var contentType, frequency string
	var excludeSenders, includeKeywords []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, reply_subject, reply_content, content_type, is_active,
		       start_time, end_time, reply_frequency, external_only,
		       exclude_senders, include_keywords, version, created_at, updated_at
		FROM auto_reply_settings
		WHERE alias_id = ? AND deleted = FALSE AND is_active = TRUE
		LIMIT 1
	`, aliasID).Scan(
		&ar.Meta.ID, &ar.ReplySubject, &ar.ReplyContent, &contentType, &ar.IsActive,
		&start, &end, &frequency, &ar.ExternalOnly,
		&excludeSenders, &includeKeywords, &ar.Meta.Version,
		&ar.Meta.CreatedAt, &ar.Meta.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch auto-reply settings: %w", err)
	}

	ar.ContentType = policy.ReplyContentType(strings.ToUpper(contentType))
	ar.ReplyFrequency = policy.ReplyFrequency(strings.ToUpper(frequency))
	if start.Valid {
		t := start.Time
		ar.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		ar.EndTime = &t
	}
	if err := json.Unmarshal(excludeSenders, &ar.ExcludeSenders); err != nil {
		metrics.RuleWarnings.WithLabelValues("autoreply_exclude").Inc()
		s.logger.Warn("ignoring malformed exclude_senders", "alias_id", aliasID)
	}
	if err := json.Unmarshal(includeKeywords, &ar.IncludeKeywords); err != nil {
		metrics.RuleWarnings.WithLabelValues("autoreply_keywords").Inc()
		s.logger.Warn("ignoring malformed include_keywords", "alias_id", aliasID)
	}
	return ar, nil
}

func (s *Store) fetchSieveRules(ctx context.Context, aliasID int64) ([]policy.SieveRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_name, rule_type, priority, condition_type, conditions,
		       action_type, target_folder, forward_address, reject_message,
		       continue_processing, enabled, effective_from, effective_until,
		       version, created_at, updated_at
		FROM sieve_rules
		WHERE alias_id = ? AND deleted = FALSE
		ORDER BY priority, id
	`, aliasID)
	if err != nil {
		return nil, fmt.Errorf("fetch sieve rules: %w", err)
	}
	defer rows.Close()

	var rules []policy.SieveRule
	for rows.Next() {
		r := policy.SieveRule{AliasID: aliasID}
		var condType, action string
		var conditions []byte
		var from, until sql.NullTime
		if err := rows.Scan(
			&r.Meta.ID, &r.RuleName, &r.RuleType, &r.Priority, &condType, &conditions,
			&action, &r.TargetFolder, &r.ForwardAddress, &r.RejectMessage,
			&r.ContinueProcessing, &r.Enabled, &from, &until,
			&r.Meta.Version, &r.Meta.CreatedAt, &r.Meta.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sieve rule: %w", err)
		}
		r.Action = policy.SieveAction(strings.ToUpper(action))
		if from.Valid {
			t := from.Time
			r.EffectiveFrom = &t
		}
		if until.Valid {
			t := until.Time
			r.EffectiveUntil = &t
		}

		cond, err := decodeCondition(conditions, condType)
		if err != nil {
			metrics.RuleWarnings.WithLabelValues("sieve_decode").Inc()
			s.logger.Warn("sieve rule condition did not decode, rule will never match",
				"rule_id", r.Meta.ID, "error", err.Error())
		}
		r.Cond = cond
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// RecordDisposition appends one evaluation outcome to the disposition log.
func (s *Store) RecordDisposition(ctx context.Context, aliasID int64, msg *message.View, plan *policy.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disposition_log (alias_id, message_id, sender, terminal, file_into, forward_count, auto_reply)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, aliasID, msg.MessageID(), msg.Sender, string(plan.Terminal), plan.FileInto, len(plan.Forwards), plan.FireAutoReply)
	if err != nil {
		return fmt.Errorf("record disposition: %w", err)
	}
	return nil
}

// RecentDispositions returns the newest log entries for an alias.
func (s *Store) RecentDispositions(ctx context.Context, aliasID int64, limit int) ([]DispositionEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender, terminal, file_into, forward_count, auto_reply, created_at
		FROM disposition_log
		WHERE alias_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, aliasID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []DispositionEntry
	for rows.Next() {
		var e DispositionEntry
		if err := rows.Scan(&e.MessageID, &e.Sender, &e.Terminal, &e.FileInto, &e.ForwardCount, &e.AutoReply, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DispositionEntry is one row of the disposition log.
type DispositionEntry struct {
	MessageID    string
	Sender       string
	Terminal     string
	FileInto     string
	ForwardCount int
	AutoReply    bool
	CreatedAt    time.Time
}
