package policy

import (
	"testing"

	"github.com/dispatchmail/policyd/internal/message"
)

func TestLoopGuardHopLimit(t *testing.T) {
	guard := NewLoopGuard(3)

	build := func(hops int) *message.View {
		b := message.NewBuilder().Sender("a@example.com")
		for i := 0; i < hops; i++ {
			b.AddHeader("Received", "from somewhere by elsewhere")
		}
		return b.Build()
	}

	if guard.IsLoop(build(3), "b@example.com") {
		t.Error("at the hop limit should not be a loop")
	}
	if !guard.IsLoop(build(4), "b@example.com") {
		t.Error("over the hop limit should be a loop")
	}
}

func TestLoopGuardTraceHeaders(t *testing.T) {
	guard := NewLoopGuard(0)

	tests := []struct {
		name   string
		header string
		value  string
		target string
		want   bool
	}{
		{"delivered-to hit", "Delivered-To", "team@corp.example", "team@corp.example", true},
		{"x-forwarded-to hit", "X-Forwarded-To", "team@corp.example", "team@corp.example", true},
		{"x-original-to hit", "X-Original-To", "Team <TEAM@corp.example>", "team@corp.example", true},
		{"different address", "Delivered-To", "other@corp.example", "team@corp.example", false},
		{"unrelated header ignored", "To", "team@corp.example", "team@corp.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := message.NewBuilder().
				Sender("a@example.com").
				AddHeader(tt.header, tt.value).
				Build()
			if got := guard.IsLoop(msg, tt.target); got != tt.want {
				t.Errorf("IsLoop() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoopGuardDefaultLimit(t *testing.T) {
	guard := NewLoopGuard(-1)
	if guard.MaxHops != DefaultMaxHops {
		t.Errorf("MaxHops = %d, want %d", guard.MaxHops, DefaultMaxHops)
	}
}
