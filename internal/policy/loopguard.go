package policy

import (
	"github.com/dispatchmail/policyd/internal/message"
)

// DefaultMaxHops mirrors the hop limit most MTAs enforce before bouncing.
const DefaultMaxHops = 15

// LoopGuard detects forwarding loops from message trace state alone. It is
// stateless: everything it needs is in the Received count and the delivery
// trace headers.
type LoopGuard struct {
	MaxHops int
}

// NewLoopGuard returns a guard with the given hop limit. Non-positive
// limits fall back to DefaultMaxHops.
func NewLoopGuard(maxHops int) *LoopGuard {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &LoopGuard{MaxHops: maxHops}
}

// IsLoop reports whether forwarding msg to target would loop: either the
// message has already crossed too many hops, or target already appears in
// the message's delivery trace.
func (g *LoopGuard) IsLoop(msg *message.View, target string) bool {
	if msg.HopCount > g.MaxHops {
		return true
	}
	target = message.CanonicalAddress(target)
	for _, seen := range msg.TraceRecipients() {
		if seen == target {
			return true
		}
	}
	return false
}
