package policy

import (
	"time"

	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/message"
	"github.com/dispatchmail/policyd/internal/metrics"
)

// SieveDecider runs an alias's ordered filter rules to a terminal action.
type SieveDecider struct {
	Guard  *LoopGuard
	Logger *logging.Logger
}

// NewSieveDecider returns a decider. Redirect targets go through the same
// loop guard as forwarding-rule targets.
func NewSieveDecider(guard *LoopGuard, logger *logging.Logger) *SieveDecider {
	if guard == nil {
		guard = NewLoopGuard(0)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SieveDecider{Guard: guard, Logger: logger}
}

// Decide evaluates enabled, currently-effective rules in (priority, id)
// order. The terminal action starts as KEEP and is rewritten by matching
// KEEP/DISCARD/REJECT rules; REDIRECT accumulates targets and FILEINTO
// records the folder (last match wins). A matching rule stops evaluation
// unless it sets ContinueProcessing; REJECT always stops, and STOP stops
// unconditionally while keeping the state accumulated so far.
func (d *SieveDecider) Decide(rules []SieveRule, msg *message.View, now time.Time) SieveResult {
	eligible := make([]SieveRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && !r.Meta.Deleted && r.effectiveAt(now) {
			eligible = append(eligible, r)
		}
	}
	sortSieveRules(eligible)

	result := SieveResult{Terminal: TerminalKeep}

	for _, rule := range eligible {
		cond := rule.Cond
		if cond == nil {
			metrics.RuleWarnings.WithLabelValues("sieve_condition").Inc()
			d.Logger.Warn("skipping sieve rule with no condition", "rule_id", rule.Meta.ID)
			continue
		}
		if !cond.Evaluate(msg) {
			continue
		}

		stop := !rule.ContinueProcessing

		switch rule.Action {
		case ActionKeep:
			result.Terminal = TerminalKeep
		case ActionDiscard:
			result.Terminal = TerminalDiscard
		case ActionRedirect:
			addr := message.CanonicalAddress(rule.ForwardAddress)
			switch {
			case addr == "":
				metrics.RuleWarnings.WithLabelValues("sieve_redirect").Inc()
				d.Logger.Warn("sieve redirect rule has no address", "rule_id", rule.Meta.ID)
			case isSelfTarget(addr, msg):
				metrics.SelfForwardsSkipped.Inc()
				d.Logger.Warn("skipping self-redirect", "rule_id", rule.Meta.ID, "target", addr)
			case d.Guard.IsLoop(msg, addr):
				metrics.LoopsSuppressed.Inc()
				d.Logger.Warn("suppressing redirect loop",
					"rule_id", rule.Meta.ID, "target", addr, "hop_count", msg.HopCount)
			default:
				result.Redirects = append(result.Redirects, addr)
			}
		case ActionFileInto:
			if rule.TargetFolder != "" {
				result.FileInto = rule.TargetFolder
			} else {
				metrics.RuleWarnings.WithLabelValues("sieve_fileinto").Inc()
				d.Logger.Warn("sieve fileinto rule has no folder", "rule_id", rule.Meta.ID)
			}
		case ActionReject:
			// Rejection supersedes all further processing regardless of the
			// rule's continue flag.
			result.Terminal = TerminalReject
			result.RejectMessage = rule.RejectMessage
			metrics.SieveActions.WithLabelValues(string(ActionReject)).Inc()
			return result
		case ActionStop:
			metrics.SieveActions.WithLabelValues(string(ActionStop)).Inc()
			return result
		default:
			metrics.RuleWarnings.WithLabelValues("sieve_action").Inc()
			d.Logger.Warn("skipping sieve rule with unknown action",
				"rule_id", rule.Meta.ID, "action", string(rule.Action))
			continue
		}

		metrics.SieveActions.WithLabelValues(string(rule.Action)).Inc()
		if stop {
			break
		}
	}

	return result
}
