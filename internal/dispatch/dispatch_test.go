package dispatch

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/policy"
)

type sentMessage struct {
	From string
	To   []string
	Raw  []byte
}

type stubSender struct {
	sent    []sentMessage
	failFor map[string]error
}

func (s *stubSender) Send(ctx context.Context, from string, to []string, raw []byte) error {
	for _, addr := range to {
		if err, ok := s.failFor[addr]; ok {
			return err
		}
	}
	s.sent = append(s.sent, sentMessage{From: from, To: to, Raw: raw})
	return nil
}

type filedMessage struct {
	Alias  string
	Folder string
	Raw    []byte
}

type stubFiler struct {
	filed []filedMessage
	err   error
}

func (f *stubFiler) File(ctx context.Context, alias, folder string, raw []byte) error {
	if f.err != nil {
		return f.err
	}
	f.filed = append(f.filed, filedMessage{Alias: alias, Folder: folder, Raw: raw})
	return nil
}

func newTestDispatcher(relay Sender, filer Filer) *Dispatcher {
	d := NewDispatcher(relay, filer, "mail.corp.example", logging.Default())
	d.Now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }
	return d
}

var rawMsg = []byte("From: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n")

func TestExecuteKeepFilesLocally(t *testing.T) {
	relay := &stubSender{}
	filer := &stubFiler{}
	d := newTestDispatcher(relay, filer)

	plan := &policy.Plan{Terminal: policy.TerminalKeep}
	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.FiledInto != "INBOX" {
		t.Errorf("FiledInto = %q, want INBOX", result.FiledInto)
	}
	if len(filer.filed) != 1 || filer.filed[0].Folder != "" {
		t.Errorf("filed = %+v", filer.filed)
	}
	if len(relay.sent) != 0 {
		t.Errorf("nothing should be relayed, sent %d", len(relay.sent))
	}
}

func TestExecuteForwardAddsTraceHeaders(t *testing.T) {
	relay := &stubSender{}
	filer := &stubFiler{}
	d := newTestDispatcher(relay, filer)

	plan := &policy.Plan{
		Terminal: policy.TerminalKeep,
		Forwards: []policy.ForwardTarget{
			{Address: "other@corp.example", KeepOriginal: true},
		},
	}
	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(result.Forwarded) != 1 || result.Forwarded[0] != "other@corp.example" {
		t.Errorf("Forwarded = %v", result.Forwarded)
	}
	if len(relay.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(relay.sent))
	}
	fwd := relay.sent[0]
	if fwd.From != "me@corp.example" {
		t.Errorf("envelope sender = %q, want the alias", fwd.From)
	}
	for _, want := range []string{
		"X-Forwarded-To: other@corp.example\r\n",
		"Delivered-To: me@corp.example\r\n",
	} {
		if !bytes.Contains(fwd.Raw, []byte(want)) {
			t.Errorf("forwarded copy missing %q", want)
		}
	}
	// The copy keeps the original intact after the prepended trace block.
	if !bytes.HasSuffix(fwd.Raw, rawMsg) {
		t.Error("forwarded copy should end with the original message")
	}

	if result.FiledInto != "INBOX" {
		t.Error("KeepOriginal forward should still file locally")
	}
}

func TestExecuteForwardReplacesLocalDelivery(t *testing.T) {
	relay := &stubSender{}
	filer := &stubFiler{}
	d := newTestDispatcher(relay, filer)

	plan := &policy.Plan{
		Terminal: policy.TerminalKeep,
		Forwards: []policy.ForwardTarget{
			{Address: "a@corp.example", KeepOriginal: true},
			{Address: "b@corp.example", KeepOriginal: false},
		},
	}
	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.FiledInto != "" || len(filer.filed) != 0 {
		t.Error("a KeepOriginal=false target must suppress local filing")
	}
	if len(result.Forwarded) != 2 {
		t.Errorf("Forwarded = %v", result.Forwarded)
	}
}

func TestExecuteForwardFailuresAreIndependent(t *testing.T) {
	relayErr := errors.New("connection refused")
	relay := &stubSender{failFor: map[string]error{"dead@corp.example": relayErr}}
	filer := &stubFiler{}
	d := newTestDispatcher(relay, filer)

	plan := &policy.Plan{
		Terminal: policy.TerminalKeep,
		Forwards: []policy.ForwardTarget{
			{Address: "dead@corp.example", KeepOriginal: true},
			{Address: "alive@corp.example", KeepOriginal: true},
		},
	}
	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg, plan)
	if !errors.Is(err, relayErr) {
		t.Errorf("error = %v, want the relay failure", err)
	}
	if result.ForwardErrs != 1 {
		t.Errorf("ForwardErrs = %d, want 1", result.ForwardErrs)
	}
	if len(result.Forwarded) != 1 || result.Forwarded[0] != "alive@corp.example" {
		t.Errorf("Forwarded = %v", result.Forwarded)
	}
	if result.FiledInto != "INBOX" {
		t.Error("local filing must survive a relay failure")
	}
}

func TestExecuteAutoReplyUsesNullSender(t *testing.T) {
	relay := &stubSender{}
	filer := &stubFiler{}
	d := newTestDispatcher(relay, filer)

	plan := &policy.Plan{
		Terminal:      policy.TerminalKeep,
		FireAutoReply: true,
		AutoReply: &policy.ReplyContent{
			To:      "alice@example.com",
			Subject: "Out of office",
			Body:    "Back Monday.",
		},
	}
	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RepliedTo != "alice@example.com" {
		t.Errorf("RepliedTo = %q", result.RepliedTo)
	}
	if len(relay.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(relay.sent))
	}
	if relay.sent[0].From != "" {
		t.Errorf("auto-reply envelope sender = %q, want null sender", relay.sent[0].From)
	}
}

func TestExecuteRejectAndDiscard(t *testing.T) {
	relay := &stubSender{}
	filer := &stubFiler{}
	d := newTestDispatcher(relay, filer)

	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg,
		&policy.Plan{Terminal: policy.TerminalReject, RejectMessage: "no"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Rejected || result.FiledInto != "" {
		t.Errorf("result = %+v", result)
	}

	result, err = d.Execute(context.Background(), "me@corp.example", rawMsg,
		&policy.Plan{Terminal: policy.TerminalDiscard})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Discarded || result.FiledInto != "" {
		t.Errorf("result = %+v", result)
	}
	if len(filer.filed) != 0 {
		t.Error("nothing should be filed on reject or discard")
	}
}

func TestExecuteRejectStillForwardsAndReplies(t *testing.T) {
	relay := &stubSender{}
	d := newTestDispatcher(relay, &stubFiler{})

	plan := &policy.Plan{
		Terminal:      policy.TerminalReject,
		RejectMessage: "mailbox closed",
		Forwards:      []policy.ForwardTarget{{Address: "audit@corp.example", KeepOriginal: true}},
		FireAutoReply: true,
		AutoReply:     &policy.ReplyContent{To: "alice@example.com", Subject: "closed", Body: "x"},
	}
	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Forwarded) != 1 || result.RepliedTo == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteFilesIntoFolder(t *testing.T) {
	filer := &stubFiler{}
	d := newTestDispatcher(&stubSender{}, filer)

	plan := &policy.Plan{Terminal: policy.TerminalKeep, FileInto: "Newsletters"}
	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.FiledInto != "Newsletters" {
		t.Errorf("FiledInto = %q", result.FiledInto)
	}
	if len(filer.filed) != 1 || filer.filed[0].Folder != "Newsletters" {
		t.Errorf("filed = %+v", filer.filed)
	}
}

func TestExecuteFilingFailureReported(t *testing.T) {
	filerErr := errors.New("disk full")
	d := newTestDispatcher(&stubSender{}, &stubFiler{err: filerErr})

	result, err := d.Execute(context.Background(), "me@corp.example", rawMsg,
		&policy.Plan{Terminal: policy.TerminalKeep})
	if !errors.Is(err, filerErr) {
		t.Errorf("error = %v, want the filer failure", err)
	}
	if result.FiledInto != "" {
		t.Errorf("FiledInto = %q, want empty on failure", result.FiledInto)
	}
}
