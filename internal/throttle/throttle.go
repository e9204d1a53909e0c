// Package throttle implements the shared reply-frequency counter store
// behind auto-reply rate limiting. All backends expose the same atomic
// claim: Acquire returns true at most once per window per (alias, sender)
// pair, even when deliveries race.
package throttle

import (
	"context"
	"strings"
	"sync"
	"time"
)

// key identifies one (alias, sender) counter.
type key struct {
	aliasID int64
	sender  string
}

// Memory is an in-process throttle. It is used by tests and by single-node
// deployments that do not need the state to survive restarts.
type Memory struct {
	mu      sync.Mutex
	entries map[key]time.Time
}

// NewMemory returns an empty in-memory throttle.
func NewMemory() *Memory {
	return &Memory{entries: make(map[key]time.Time)}
}

// Acquire claims the right to reply to sender within window.
func (m *Memory) Acquire(ctx context.Context, aliasID int64, sender string, window time.Duration, now time.Time) (bool, error) {
	k := key{aliasID: aliasID, sender: strings.ToLower(sender)}

	m.mu.Lock()
	defer m.mu.Unlock()

	if window > 0 {
		if last, ok := m.entries[k]; ok && now.Sub(last) < window {
			return false, nil
		}
	}
	m.entries[k] = now
	return true, nil
}

// LastFired returns the last recorded reply time for the pair, if any.
func (m *Memory) LastFired(aliasID int64, sender string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.entries[key{aliasID: aliasID, sender: strings.ToLower(sender)}]
	return t, ok
}
