package policy

import (
	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/message"
	"github.com/dispatchmail/policyd/internal/metrics"
)

// ForwardingDecider walks an alias's forwarding rules and collects targets.
// Rules do not short-circuit on match: several rules may each add a target,
// fan-out to all of them is intended.
type ForwardingDecider struct {
	Guard  *LoopGuard
	Logger *logging.Logger
}

// NewForwardingDecider returns a decider with the given loop guard.
func NewForwardingDecider(guard *LoopGuard, logger *logging.Logger) *ForwardingDecider {
	if guard == nil {
		guard = NewLoopGuard(0)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ForwardingDecider{Guard: guard, Logger: logger}
}

// Decide evaluates the active rules in (priority, id) order against msg.
// Matching rules contribute their target unless the target is the receiving
// alias itself or the loop guard trips; both cases are logged and counted,
// never errors. KeepOriginal on the result is the AND of all matching
// rules' preferences and defaults to true when nothing matches.
func (d *ForwardingDecider) Decide(rules []ForwardRule, msg *message.View) ForwardingResult {
	active := make([]ForwardRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive && !r.Meta.Deleted {
			active = append(active, r)
		}
	}
	sortForwardRules(active)

	result := ForwardingResult{KeepOriginal: true}
	var targets []ForwardTarget

	for _, rule := range active {
		cond := rule.Condition()
		if u, ok := cond.(Unknown); ok {
			metrics.RuleWarnings.WithLabelValues("forward_condition").Inc()
			d.Logger.Warn("skipping forward rule with unknown condition type",
				"rule_id", rule.Meta.ID, "condition_type", u.Type)
			continue
		}
		if !cond.Evaluate(msg) {
			continue
		}

		target := message.CanonicalAddress(rule.ForwardTo)
		if target == "" {
			metrics.RuleWarnings.WithLabelValues("forward_target").Inc()
			d.Logger.Warn("skipping forward rule with empty target", "rule_id", rule.Meta.ID)
			continue
		}

		if isSelfTarget(target, msg) {
			metrics.SelfForwardsSkipped.Inc()
			d.Logger.Warn("skipping self-forward", "rule_id", rule.Meta.ID, "target", target)
			continue
		}

		if d.Guard.IsLoop(msg, target) {
			metrics.LoopsSuppressed.Inc()
			d.Logger.Warn("suppressing forward loop",
				"rule_id", rule.Meta.ID, "target", target, "hop_count", msg.HopCount)
			continue
		}

		targets = append(targets, ForwardTarget{Address: target, KeepOriginal: rule.KeepOriginal})
		result.KeepOriginal = result.KeepOriginal && rule.KeepOriginal
	}

	result.Targets = dedupeTargets(targets)
	metrics.ForwardsPlanned.Add(float64(len(result.Targets)))
	return result
}

// isSelfTarget reports whether target is one of the message's own
// recipients. Forwarding or redirecting to yourself is a trivial one-hop
// loop the guard would only catch on the next delivery.
func isSelfTarget(target string, msg *message.View) bool {
	for _, r := range msg.Recipients {
		if r == target {
			return true
		}
	}
	for _, r := range msg.EnvelopeTo {
		if r == target {
			return true
		}
	}
	return false
}
