package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/message"
	"github.com/dispatchmail/policyd/internal/metrics"
)

// ErrThrottleUnavailable signals that the throttle store failed and the
// auto-reply was suppressed. Firing without a durable record risks
// unbounded duplicate replies on redelivery, so the decider fails closed.
var ErrThrottleUnavailable = errors.New("reply throttle unavailable")

// Sender prefixes that never receive auto-replies.
var noReplyPrefixes = []string{
	"noreply@", "no-reply@", "donotreply@", "do-not-reply@",
	"mailer-daemon@", "postmaster@", "bounces@", "bounce@",
}

// AutoReplyDecider evaluates an alias's auto-reply settings for one message.
type AutoReplyDecider struct {
	Throttle ReplyThrottle
	Logger   *logging.Logger
}

// NewAutoReplyDecider returns a decider backed by the given throttle.
func NewAutoReplyDecider(throttle ReplyThrottle, logger *logging.Logger) *AutoReplyDecider {
	if logger == nil {
		logger = logging.Default()
	}
	return &AutoReplyDecider{Throttle: throttle, Logger: logger}
}

// Decide determines whether the alias auto-replies to msg. All preconditions
// must hold: settings active, now inside the validity window, sender not
// excluded and not an automated source, keyword filter satisfied,
// external-only satisfied, and the throttle acquired. The throttle claim is
// a single atomic operation, two concurrent deliveries from the same sender
// cannot both fire.
func (d *AutoReplyDecider) Decide(ctx context.Context, pol *Policy, msg *message.View, now time.Time) (AutoReplyResult, error) {
	settings := pol.AutoReply
	if settings == nil || !settings.IsActive || settings.Meta.Deleted {
		return AutoReplyResult{}, nil
	}

	sender := msg.Sender
	if sender == "" {
		sender = msg.EnvelopeFrom
	}
	if sender == "" {
		return d.suppress("no_sender"), nil
	}

	if settings.StartTime != nil && now.Before(*settings.StartTime) {
		return d.suppress("outside_window"), nil
	}
	if settings.EndTime != nil && now.After(*settings.EndTime) {
		return d.suppress("outside_window"), nil
	}

	for _, excluded := range settings.ExcludeSenders {
		if message.CanonicalAddress(excluded) == sender {
			return d.suppress("sender_excluded"), nil
		}
	}

	if isAutomatedSender(sender, msg) {
		return d.suppress("automated_sender"), nil
	}

	if len(settings.IncludeKeywords) > 0 && !subjectHasKeyword(msg.Subject, settings.IncludeKeywords) {
		return d.suppress("keyword_miss"), nil
	}

	if settings.ExternalOnly {
		aliasDomain := message.AddressDomain(pol.AliasAddress)
		if aliasDomain != "" && message.AddressDomain(sender) == aliasDomain {
			return d.suppress("internal_sender"), nil
		}
	}

	if d.Throttle == nil {
		return d.suppress("throttle_unavailable"), ErrThrottleUnavailable
	}
	fire, err := d.Throttle.Acquire(ctx, pol.AliasID, sender, settings.ReplyFrequency.Window(), now)
	if err != nil {
		metrics.ThrottleErrors.Inc()
		d.Logger.ErrorContext(ctx, "throttle acquire failed", err, "alias_id", pol.AliasID)
		return d.suppress("throttle_unavailable"), fmt.Errorf("%w: %v", ErrThrottleUnavailable, err)
	}
	if !fire {
		return d.suppress("throttled"), nil
	}

	metrics.AutoRepliesFired.Inc()
	return AutoReplyResult{
		Fire: true,
		Content: &ReplyContent{
			To:          sender,
			Subject:     settings.ReplySubject,
			Body:        settings.ReplyContent,
			ContentType: settings.ContentType,
			InReplyTo:   msg.MessageID(),
		},
	}, nil
}

func (d *AutoReplyDecider) suppress(reason string) AutoReplyResult {
	metrics.AutoRepliesSuppressed.WithLabelValues(reason).Inc()
	return AutoReplyResult{}
}

// subjectHasKeyword reports whether the subject contains any keyword,
// case-insensitive. Blank keywords are ignored.
func subjectHasKeyword(subject string, keywords []string) bool {
	subject = strings.ToLower(subject)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(subject, kw) {
			return true
		}
	}
	return false
}

// isAutomatedSender reports whether the message comes from a source that
// must not receive auto-replies: bounce addresses, mailing lists, and
// anything declaring itself auto-generated.
func isAutomatedSender(sender string, msg *message.View) bool {
	// sender is canonical, so a prefix match pins the local part exactly;
	// a substring match would also catch addresses like xnoreply@.
	for _, prefix := range noReplyPrefixes {
		if strings.HasPrefix(sender, prefix) {
			return true
		}
	}

	for _, p := range msg.Header.Values("Precedence") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "bulk", "list", "junk":
			return true
		}
	}
	if msg.Header.Has("List-Id") || msg.Header.Has("List-Unsubscribe") {
		return true
	}
	for _, as := range msg.Header.Values("Auto-Submitted") {
		if strings.ToLower(strings.TrimSpace(as)) != "no" {
			return true
		}
	}
	if msg.Header.Has("X-Auto-Response-Suppress") {
		return true
	}
	return false
}
