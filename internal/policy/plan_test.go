package policy

import (
	"testing"
)

func TestAggregatePrecedence(t *testing.T) {
	tests := []struct {
		name  string
		sieve SieveResult
		want  TerminalAction
	}{
		{"empty defaults to keep", SieveResult{}, TerminalKeep},
		{"keep", SieveResult{Terminal: TerminalKeep}, TerminalKeep},
		{"discard", SieveResult{Terminal: TerminalDiscard}, TerminalDiscard},
		{"reject", SieveResult{Terminal: TerminalReject, RejectMessage: "no"}, TerminalReject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Aggregate(ForwardingResult{}, AutoReplyResult{}, tt.sieve)
			if plan.Terminal != tt.want {
				t.Errorf("Terminal = %s, want %s", plan.Terminal, tt.want)
			}
		})
	}
}

func TestAggregateRejectCarriesMessage(t *testing.T) {
	plan := Aggregate(ForwardingResult{}, AutoReplyResult{},
		SieveResult{Terminal: TerminalReject, RejectMessage: "mailbox closed", FileInto: "ignored"})
	if plan.RejectMessage != "mailbox closed" {
		t.Errorf("RejectMessage = %q", plan.RejectMessage)
	}
	if plan.FileInto != "" {
		t.Errorf("FileInto = %q, want empty on reject", plan.FileInto)
	}
}

func TestAggregateFileIntoOnlyOnKeep(t *testing.T) {
	plan := Aggregate(ForwardingResult{}, AutoReplyResult{},
		SieveResult{Terminal: TerminalDiscard, FileInto: "Trash"})
	if plan.FileInto != "" {
		t.Errorf("FileInto = %q, want empty on discard", plan.FileInto)
	}

	plan = Aggregate(ForwardingResult{}, AutoReplyResult{},
		SieveResult{Terminal: TerminalKeep, FileInto: "Archive"})
	if plan.FileInto != "Archive" {
		t.Errorf("FileInto = %q, want Archive", plan.FileInto)
	}
}

func TestAggregateUnionsForwardsAndRedirects(t *testing.T) {
	fwd := ForwardingResult{
		Targets: []ForwardTarget{
			{Address: "a@corp.example", KeepOriginal: true},
			{Address: "b@corp.example", KeepOriginal: false},
		},
		KeepOriginal: false,
	}
	sieve := SieveResult{
		Terminal:  TerminalKeep,
		Redirects: []string{"c@corp.example", "a@corp.example"},
	}

	plan := Aggregate(fwd, AutoReplyResult{}, sieve)
	if len(plan.Forwards) != 3 {
		t.Fatalf("got %d forwards, want 3", len(plan.Forwards))
	}

	// The duplicate a@ collapses; the redirect contribution drops its
	// KeepOriginal, and false wins the merge.
	byAddr := map[string]bool{}
	for _, f := range plan.Forwards {
		byAddr[f.Address] = f.KeepOriginal
	}
	if byAddr["a@corp.example"] {
		t.Error("a@ should have KeepOriginal=false after merging with the redirect")
	}
	if byAddr["b@corp.example"] {
		t.Error("b@ should keep its KeepOriginal=false")
	}
	if byAddr["c@corp.example"] {
		t.Error("redirect-only target should not keep the original")
	}
}

func TestAggregateDiscardClampsKeepOriginal(t *testing.T) {
	fwd := ForwardingResult{
		Targets:      []ForwardTarget{{Address: "a@corp.example", KeepOriginal: true}},
		KeepOriginal: true,
	}
	plan := Aggregate(fwd, AutoReplyResult{}, SieveResult{Terminal: TerminalDiscard})
	for _, f := range plan.Forwards {
		if f.KeepOriginal {
			t.Errorf("target %s keeps original despite DISCARD terminal", f.Address)
		}
	}
}

func TestAggregateAutoReplyIndependentOfTerminal(t *testing.T) {
	reply := AutoReplyResult{
		Fire:    true,
		Content: &ReplyContent{To: "alice@example.com", Subject: "away"},
	}

	for _, terminal := range []TerminalAction{TerminalKeep, TerminalDiscard, TerminalReject} {
		plan := Aggregate(ForwardingResult{}, reply, SieveResult{Terminal: terminal})
		if !plan.FireAutoReply || plan.AutoReply == nil {
			t.Errorf("terminal %s: auto-reply should fire regardless of local outcome", terminal)
		}
	}

	plan := Aggregate(ForwardingResult{}, AutoReplyResult{Fire: true}, SieveResult{})
	if plan.FireAutoReply {
		t.Error("fire without content must not survive aggregation")
	}
}
