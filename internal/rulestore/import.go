package rulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dispatchmail/policyd/internal/message"
	"github.com/dispatchmail/policyd/internal/policy"
	"github.com/dispatchmail/policyd/internal/validation"
)

// PolicyDocument is the root of a YAML policy file consumed by
// `policyd policy import`.
type PolicyDocument struct {
	Aliases []AliasDocument `yaml:"aliases"`
}

// AliasDocument describes the full policy of one alias. Importing replaces
// whatever was configured before; old rules are soft-deleted, not dropped.
type AliasDocument struct {
	Address    string                `yaml:"address"`
	Forwarding []ForwardRuleDocument `yaml:"forwarding"`
	AutoReply  *AutoReplyDocument    `yaml:"auto_reply"`
	Sieve      []SieveRuleDocument   `yaml:"sieve"`
}

// ForwardRuleDocument is one forwarding rule in a policy file.
type ForwardRuleDocument struct {
	Name           string `yaml:"name"`
	ForwardTo      string `yaml:"forward_to"`
	ConditionType  string `yaml:"condition_type"`
	ConditionValue string `yaml:"condition_value"`
	KeepOriginal   *bool  `yaml:"keep_original"`
	Priority       int    `yaml:"priority"`
	Active         *bool  `yaml:"active"`
}

// AutoReplyDocument is the auto-reply block of a policy file.
type AutoReplyDocument struct {
	Subject         string     `yaml:"subject"`
	Content         string     `yaml:"content"`
	ContentType     string     `yaml:"content_type"`
	Active          bool       `yaml:"active"`
	StartTime       *time.Time `yaml:"start_time"`
	EndTime         *time.Time `yaml:"end_time"`
	Frequency       string     `yaml:"frequency"`
	ExternalOnly    bool       `yaml:"external_only"`
	ExcludeSenders  []string   `yaml:"exclude_senders"`
	IncludeKeywords []string   `yaml:"include_keywords"`
}

// SieveRuleDocument is one filter rule in a policy file.
type SieveRuleDocument struct {
	Name           string        `yaml:"name"`
	RuleType       string        `yaml:"rule_type"`
	Priority       int           `yaml:"priority"`
	Condition      ConditionSpec `yaml:"condition"`
	Action         string        `yaml:"action"`
	TargetFolder   string        `yaml:"target_folder"`
	ForwardAddress string        `yaml:"forward_address"`
	RejectMessage  string        `yaml:"reject_message"`
	Continue       bool          `yaml:"continue"`
	Enabled        *bool         `yaml:"enabled"`
	EffectiveFrom  *time.Time    `yaml:"effective_from"`
	EffectiveUntil *time.Time    `yaml:"effective_until"`
}

// Import loads a policy document into the store. Each alias is imported in
// its own transaction: the alias row is upserted, existing rules are
// soft-deleted, and the document's rules inserted. Unlike evaluation, the
// import boundary is strict: malformed rules reject the document instead
// of degrading to no-ops.
func (s *Store) Import(ctx context.Context, doc *PolicyDocument) error {
	for i := range doc.Aliases {
		if err := s.importAlias(ctx, &doc.Aliases[i]); err != nil {
			return fmt.Errorf("alias %q: %w", doc.Aliases[i].Address, err)
		}
	}
	return nil
}

func (s *Store) importAlias(ctx context.Context, doc *AliasDocument) error {
	if err := validateAliasDocument(doc); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	address := message.CanonicalAddress(doc.Address)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO aliases (address) VALUES (?) ON CONFLICT(address) DO NOTHING", address,
	); err != nil {
		return fmt.Errorf("upsert alias: %w", err)
	}
	var aliasID int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM aliases WHERE address = ?", address).Scan(&aliasID); err != nil {
		return fmt.Errorf("resolve alias: %w", err)
	}

	for _, table := range []string{"forward_rules", "auto_reply_settings", "sieve_rules"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET deleted = TRUE, updated_at = CURRENT_TIMESTAMP WHERE alias_id = ? AND deleted = FALSE", table),
			aliasID,
		); err != nil {
			return fmt.Errorf("retire old rules: %w", err)
		}
	}

	for _, fr := range doc.Forwarding {
		keep := fr.KeepOriginal == nil || *fr.KeepOriginal
		active := fr.Active == nil || *fr.Active
		condType := strings.ToUpper(fr.ConditionType)
		if condType == "" {
			condType = string(policy.ForwardCondAll)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO forward_rules (alias_id, rule_name, condition_type, condition_value,
			                           forward_to, keep_original, priority, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, aliasID, fr.Name, condType, fr.ConditionValue,
			message.CanonicalAddress(fr.ForwardTo), keep, fr.Priority, active,
		); err != nil {
			return fmt.Errorf("insert forward rule %q: %w", fr.Name, err)
		}
	}

	if ar := doc.AutoReply; ar != nil {
		contentType := strings.ToUpper(ar.ContentType)
		if contentType == "" {
			contentType = string(policy.ReplyText)
		}
		frequency := strings.ToUpper(ar.Frequency)
		if frequency == "" {
			frequency = string(policy.ReplyUnlimited)
		}
		exclude, _ := jsonList(ar.ExcludeSenders)
		keywords, _ := jsonList(ar.IncludeKeywords)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auto_reply_settings (alias_id, reply_subject, reply_content, content_type,
			                                 is_active, start_time, end_time, reply_frequency,
			                                 external_only, exclude_senders, include_keywords)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(alias_id) DO UPDATE SET
				reply_subject = excluded.reply_subject,
				reply_content = excluded.reply_content,
				content_type = excluded.content_type,
				is_active = excluded.is_active,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				reply_frequency = excluded.reply_frequency,
				external_only = excluded.external_only,
				exclude_senders = excluded.exclude_senders,
				include_keywords = excluded.include_keywords,
				deleted = FALSE,
				version = auto_reply_settings.version + 1,
				updated_at = CURRENT_TIMESTAMP
		`, aliasID, ar.Subject, ar.Content, contentType,
			ar.Active, nullableTime(ar.StartTime), nullableTime(ar.EndTime), frequency,
			ar.ExternalOnly, exclude, keywords,
		); err != nil {
			return fmt.Errorf("upsert auto-reply settings: %w", err)
		}
	}

	for _, sr := range doc.Sieve {
		enabled := sr.Enabled == nil || *sr.Enabled
		ruleType := strings.ToUpper(sr.RuleType)
		if ruleType == "" {
			ruleType = "FILTER"
		}
		blob, err := encodeCondition(sr.Condition)
		if err != nil {
			return fmt.Errorf("encode condition for rule %q: %w", sr.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sieve_rules (alias_id, rule_name, rule_type, priority, condition_type,
			                         conditions, action_type, target_folder, forward_address,
			                         reject_message, continue_processing, enabled,
			                         effective_from, effective_until)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, aliasID, sr.Name, ruleType, sr.Priority, strings.ToUpper(sr.Condition.Type),
			blob, strings.ToUpper(sr.Action), sr.TargetFolder,
			message.CanonicalAddress(sr.ForwardAddress),
			sr.RejectMessage, sr.Continue, enabled,
			nullableTime(sr.EffectiveFrom), nullableTime(sr.EffectiveUntil),
		); err != nil {
			return fmt.Errorf("insert sieve rule %q: %w", sr.Name, err)
		}
	}

	return tx.Commit()
}

func validateAliasDocument(doc *AliasDocument) error {
	if err := validation.Address(doc.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}

	for _, fr := range doc.Forwarding {
		if err := validation.Address(fr.ForwardTo); err != nil {
			return fmt.Errorf("forward rule %q: forward_to: %w", fr.Name, err)
		}
		switch policy.ForwardConditionType(strings.ToUpper(fr.ConditionType)) {
		case policy.ForwardCondAll, policy.ForwardCondSubject, policy.ForwardCondFrom, policy.ForwardCondTo, "":
		default:
			return fmt.Errorf("forward rule %q: unknown condition type %q", fr.Name, fr.ConditionType)
		}
	}

	if ar := doc.AutoReply; ar != nil {
		switch policy.ReplyFrequency(strings.ToUpper(ar.Frequency)) {
		case policy.ReplyUnlimited, policy.ReplyDaily, policy.ReplyWeekly, "":
		default:
			return fmt.Errorf("auto_reply: unknown frequency %q", ar.Frequency)
		}
		for _, addr := range ar.ExcludeSenders {
			if err := validation.Address(addr); err != nil {
				return fmt.Errorf("auto_reply: exclude_senders %q: %w", addr, err)
			}
		}
	}

	for _, sr := range doc.Sieve {
		action := policy.SieveAction(strings.ToUpper(sr.Action))
		switch action {
		case policy.ActionKeep, policy.ActionDiscard, policy.ActionStop:
		case policy.ActionRedirect:
			if err := validation.Address(sr.ForwardAddress); err != nil {
				return fmt.Errorf("sieve rule %q: forward_address: %w", sr.Name, err)
			}
		case policy.ActionFileInto:
			if err := validation.Folder(sr.TargetFolder); err != nil {
				return fmt.Errorf("sieve rule %q: target_folder: %w", sr.Name, err)
			}
		case policy.ActionReject:
			if sr.RejectMessage == "" {
				return fmt.Errorf("sieve rule %q: reject requires a reject_message", sr.Name)
			}
		default:
			return fmt.Errorf("sieve rule %q: unknown action %q", sr.Name, sr.Action)
		}
		if _, err := sr.Condition.Compile(); err != nil {
			return fmt.Errorf("sieve rule %q: condition: %w", sr.Name, err)
		}
	}

	return nil
}

func jsonList(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	return json.Marshal(items)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
