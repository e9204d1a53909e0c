// Package policy implements the per-message mail disposition engine: given
// one inbound message and the policy configured for the receiving alias, it
// decides what happens to the message. It computes a plan only; transmitting
// mail, filing, and rejecting are performed by the dispatcher.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/message"
	"github.com/dispatchmail/policyd/internal/metrics"
)

// Engine evaluates one inbound message against one alias's policy. A single
// evaluation is a pure, bounded-time computation over the fetched snapshot;
// the reply throttle is the only state it touches.
type Engine struct {
	store      RuleStore
	forwarding *ForwardingDecider
	autoReply  *AutoReplyDecider
	sieve      *SieveDecider
	logger     *logging.Logger

	// Now is the evaluation clock, overridable in tests.
	Now func() time.Time
}

// NewEngine wires the deciders. maxHops bounds forward chains, zero selects
// the default.
func NewEngine(store RuleStore, throttle ReplyThrottle, maxHops int, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	engineLog := logger.Engine()
	guard := NewLoopGuard(maxHops)
	return &Engine{
		store:      store,
		forwarding: NewForwardingDecider(guard, engineLog),
		autoReply:  NewAutoReplyDecider(throttle, engineLog),
		sieve:      NewSieveDecider(guard, engineLog),
		logger:     engineLog,
		Now:        time.Now,
	}
}

// Evaluate computes the disposition plan for msg delivered to aliasID.
//
// A rule store failure is a hard error with no plan: the caller decides
// whether to defer delivery or apply its own safe default. A throttle
// failure is soft: the returned plan is valid with the auto-reply
// suppressed, and the error (wrapping ErrThrottleUnavailable) is returned
// alongside it for alerting.
func (e *Engine) Evaluate(ctx context.Context, aliasID int64, msg *message.View) (*Plan, error) {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.Evaluations.Inc()

	pol, err := e.store.FetchPolicy(ctx, aliasID)
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues("fetch").Inc()
		return nil, fmt.Errorf("fetch policy for alias %d: %w", aliasID, err)
	}

	return e.evaluate(ctx, pol, msg, e.autoReply)
}

// Preview computes a plan without consuming throttle state. The auto-reply
// decision assumes the throttle would allow firing, which is what an
// operator inspecting policy wants to see.
func (e *Engine) Preview(ctx context.Context, aliasID int64, msg *message.View) (*Plan, error) {
	pol, err := e.store.FetchPolicy(ctx, aliasID)
	if err != nil {
		return nil, fmt.Errorf("fetch policy for alias %d: %w", aliasID, err)
	}
	preview := NewAutoReplyDecider(alwaysThrottle{}, e.logger)
	return e.evaluate(ctx, pol, msg, preview)
}

func (e *Engine) evaluate(ctx context.Context, pol *Policy, msg *message.View, replyDecider *AutoReplyDecider) (*Plan, error) {
	now := e.Now()

	fwd := e.forwarding.Decide(pol.Forwarding, msg)
	sieve := e.sieve.Decide(pol.Sieve, msg, now)
	reply, replyErr := replyDecider.Decide(ctx, pol, msg, now)

	plan := Aggregate(fwd, reply, sieve)

	e.logger.DebugContext(ctx, "evaluated message",
		"alias_id", pol.AliasID,
		"terminal", string(plan.Terminal),
		"forwards", len(plan.Forwards),
		"file_into", plan.FileInto,
		"auto_reply", plan.FireAutoReply)

	// replyErr wraps ErrThrottleUnavailable; the plan is still usable.
	return plan, replyErr
}

// alwaysThrottle satisfies ReplyThrottle for dry-run previews.
type alwaysThrottle struct{}

func (alwaysThrottle) Acquire(ctx context.Context, aliasID int64, sender string, window time.Duration, now time.Time) (bool, error) {
	return true, nil
}
