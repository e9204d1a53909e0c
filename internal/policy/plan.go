package policy

import (
	"github.com/dispatchmail/policyd/internal/message"
)

// TerminalAction is the final local fate of a message.
type TerminalAction string

const (
	TerminalKeep    TerminalAction = "KEEP"
	TerminalDiscard TerminalAction = "DISCARD"
	TerminalReject  TerminalAction = "REJECT"
)

// ForwardTarget is one address a copy of the message is sent to.
type ForwardTarget struct {
	Address      string
	KeepOriginal bool
}

// ReplyContent is the auto-reply the dispatcher should compose and send.
type ReplyContent struct {
	To          string
	Subject     string
	Body        string
	ContentType ReplyContentType
	InReplyTo   string
}

// Plan is the engine's single, immutable output for one message.
type Plan struct {
	Terminal      TerminalAction
	RejectMessage string
	FileInto      string
	Forwards      []ForwardTarget
	FireAutoReply bool
	AutoReply     *ReplyContent
}

// ForwardingResult is the outcome of walking an alias's forwarding rules.
type ForwardingResult struct {
	Targets      []ForwardTarget
	KeepOriginal bool
}

// AutoReplyResult is the outcome of evaluating auto-reply settings.
type AutoReplyResult struct {
	Fire    bool
	Content *ReplyContent
}

// SieveResult is the outcome of running an alias's Sieve rules.
type SieveResult struct {
	Terminal      TerminalAction
	RejectMessage string
	FileInto      string
	Redirects     []string
}

// Aggregate merges the three decider outputs into one plan. Precedence:
// Sieve REJECT wins over everything, then Sieve DISCARD, then KEEP with an
// optional FILEINTO. Forward targets are the union of forwarding-rule
// targets and Sieve redirects, deduplicated by address with KeepOriginal
// AND-ed across contributors and clamped to false when the terminal is
// DISCARD. Auto-reply firing is independent of the local outcome.
func Aggregate(fwd ForwardingResult, reply AutoReplyResult, sieve SieveResult) *Plan {
	plan := &Plan{
		Terminal: sieve.Terminal,
	}
	if plan.Terminal == "" {
		plan.Terminal = TerminalKeep
	}

	switch plan.Terminal {
	case TerminalReject:
		plan.RejectMessage = sieve.RejectMessage
	case TerminalKeep:
		plan.FileInto = sieve.FileInto
	}

	targets := append([]ForwardTarget(nil), fwd.Targets...)
	for _, addr := range sieve.Redirects {
		// Sieve REDIRECT implies the redirect copy replaces local delivery,
		// so a redirect-only target does not keep the original.
		targets = append(targets, ForwardTarget{Address: addr, KeepOriginal: false})
	}
	plan.Forwards = dedupeTargets(targets)

	if plan.Terminal == TerminalDiscard {
		for i := range plan.Forwards {
			plan.Forwards[i].KeepOriginal = false
		}
	}

	if reply.Fire && reply.Content != nil {
		plan.FireAutoReply = true
		plan.AutoReply = reply.Content
	}

	return plan
}

// dedupeTargets collapses duplicate addresses, keeping the most restrictive
// KeepOriginal (false wins). Order of first appearance is preserved.
func dedupeTargets(targets []ForwardTarget) []ForwardTarget {
	if len(targets) == 0 {
		return nil
	}
	index := make(map[string]int, len(targets))
	out := make([]ForwardTarget, 0, len(targets))
	for _, t := range targets {
		addr := message.CanonicalAddress(t.Address)
		if addr == "" {
			continue
		}
		if i, ok := index[addr]; ok {
			out[i].KeepOriginal = out[i].KeepOriginal && t.KeepOriginal
			continue
		}
		index[addr] = len(out)
		out = append(out, ForwardTarget{Address: addr, KeepOriginal: t.KeepOriginal})
	}
	return out
}
