package policy

import (
	"context"
	"sort"
	"time"
)

// RuleMetadata carries the persistence bookkeeping shared by all rule types.
// It is embedded by composition, the engine only reads the ID for ordering.
type RuleMetadata struct {
	ID        int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
	Version   int
}

// ForwardConditionType selects the single-field condition of a ForwardRule.
type ForwardConditionType string

const (
	ForwardCondAll     ForwardConditionType = "ALL"
	ForwardCondSubject ForwardConditionType = "SUBJECT"
	ForwardCondFrom    ForwardConditionType = "FROM"
	ForwardCondTo      ForwardConditionType = "TO"
)

// ForwardRule forwards matching messages for one alias to a single address.
type ForwardRule struct {
	Meta           RuleMetadata
	AliasID        int64
	RuleName       string
	ForwardTo      string
	ConditionType  ForwardConditionType
	ConditionValue string
	KeepOriginal   bool
	Priority       int
	IsActive       bool
}

// Condition maps the rule's condition fields onto the predicate tree.
func (r *ForwardRule) Condition() Condition {
	switch r.ConditionType {
	case ForwardCondAll:
		return All{}
	case ForwardCondSubject:
		return SubjectContains{Value: r.ConditionValue}
	case ForwardCondFrom:
		return SenderIs{Address: r.ConditionValue}
	case ForwardCondTo:
		return RecipientIs{Address: r.ConditionValue}
	}
	return Unknown{Type: string(r.ConditionType)}
}

// ReplyFrequency limits how often an alias auto-replies to the same sender.
type ReplyFrequency string

const (
	ReplyUnlimited ReplyFrequency = "UNLIMITED"
	ReplyDaily     ReplyFrequency = "DAILY"
	ReplyWeekly    ReplyFrequency = "WEEKLY"
)

// Window returns the wall-clock suppression window. Unlimited is zero.
func (f ReplyFrequency) Window() time.Duration {
	switch f {
	case ReplyDaily:
		return 24 * time.Hour
	case ReplyWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// ReplyContentType is the MIME flavor of an auto-reply body.
type ReplyContentType string

const (
	ReplyText ReplyContentType = "TEXT"
	ReplyHTML ReplyContentType = "HTML"
)

// AutoReplySettings is the single active auto-reply configuration of an
// alias. Nil start/end times mean unbounded on that side.
type AutoReplySettings struct {
	Meta            RuleMetadata
	AliasID         int64
	ReplySubject    string
	ReplyContent    string
	ContentType     ReplyContentType
	IsActive        bool
	StartTime       *time.Time
	EndTime         *time.Time
	ReplyFrequency  ReplyFrequency
	ExternalOnly    bool
	ExcludeSenders  []string
	IncludeKeywords []string
}

// SieveAction is the action applied when a Sieve rule matches.
type SieveAction string

const (
	ActionKeep     SieveAction = "KEEP"
	ActionDiscard  SieveAction = "DISCARD"
	ActionRedirect SieveAction = "REDIRECT"
	ActionFileInto SieveAction = "FILEINTO"
	ActionReject   SieveAction = "REJECT"
	ActionStop     SieveAction = "STOP"
)

// SieveRule is one ordered filter rule of an alias. Cond is decoded from the
// stored representation once at fetch time, the engine never parses strings.
type SieveRule struct {
	Meta               RuleMetadata
	AliasID            int64
	RuleName           string
	RuleType           string
	Priority           int
	Cond               Condition
	Action             SieveAction
	TargetFolder       string
	ForwardAddress     string
	RejectMessage      string
	ContinueProcessing bool
	Enabled            bool
	EffectiveFrom      *time.Time
	EffectiveUntil     *time.Time
}

// effectiveAt reports whether the rule's validity window covers now.
func (r *SieveRule) effectiveAt(now time.Time) bool {
	if r.EffectiveFrom != nil && now.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && now.After(*r.EffectiveUntil) {
		return false
	}
	return true
}

// Policy is a consistent, read-only snapshot of everything configured for
// one alias, fetched once per evaluation.
type Policy struct {
	AliasID      int64
	AliasAddress string
	Forwarding   []ForwardRule
	AutoReply    *AutoReplySettings
	Sieve        []SieveRule
}

// RuleStore supplies policy snapshots. Fetch failures are hard errors, the
// engine never guesses at missing policy.
type RuleStore interface {
	FetchPolicy(ctx context.Context, aliasID int64) (*Policy, error)
}

// ReplyThrottle is the shared counter store behind auto-reply frequency
// limiting. Acquire atomically claims the right to reply to sender within
// window: it returns true at most once per window per (alias, sender) pair
// even under concurrent evaluation. A zero window always fires but still
// records the reply timestamp.
type ReplyThrottle interface {
	Acquire(ctx context.Context, aliasID int64, sender string, window time.Duration, now time.Time) (bool, error)
}

// sortForwardRules orders rules ascending by (priority, id). The id
// tie-break keeps evaluation deterministic when priorities collide.
func sortForwardRules(rules []ForwardRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Meta.ID < rules[j].Meta.ID
	})
}

// sortSieveRules orders rules ascending by (priority, id).
func sortSieveRules(rules []SieveRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Meta.ID < rules[j].Meta.ID
	})
}
