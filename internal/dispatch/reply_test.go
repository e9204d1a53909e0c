package dispatch

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dispatchmail/policyd/internal/policy"
)

func TestComposeReply(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	raw, err := ComposeReply("me@corp.example", "mail.corp.example", &policy.ReplyContent{
		To:        "alice@example.com",
		Subject:   "Out of office",
		Body:      "I am away until Monday.",
		InReplyTo: "<orig1@example.com>",
	}, now)
	if err != nil {
		t.Fatalf("ComposeReply() error = %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	defer mr.Close()

	checks := map[string]string{
		"Auto-Submitted":           "auto-replied",
		"X-Auto-Response-Suppress": "All",
		"In-Reply-To":              "<orig1@example.com>",
		"References":               "<orig1@example.com>",
	}
	for name, want := range checks {
		if got := mr.Header.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	if from, err := mr.Header.AddressList("From"); err != nil || from[0].Address != "me@corp.example" {
		t.Errorf("From = %v, %v", from, err)
	}
	if to, err := mr.Header.AddressList("To"); err != nil || to[0].Address != "alice@example.com" {
		t.Errorf("To = %v, %v", to, err)
	}
	if subject, _ := mr.Header.Subject(); subject != "Out of office" {
		t.Errorf("Subject = %q", subject)
	}
	if msgID := mr.Header.Get("Message-ID"); !strings.Contains(msgID, "autoreply@mail.corp.example") {
		t.Errorf("Message-ID = %q", msgID)
	}

	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() error = %v", err)
	}
	var body bytes.Buffer
	body.ReadFrom(part.Body)
	if !strings.Contains(body.String(), "away until Monday") {
		t.Errorf("body = %q", body.String())
	}
}

func TestComposeReplyHTML(t *testing.T) {
	raw, err := ComposeReply("me@corp.example", "mail.corp.example", &policy.ReplyContent{
		To:          "alice@example.com",
		Subject:     "Away",
		Body:        "<p>Back soon.</p>",
		ContentType: policy.ReplyHTML,
	}, time.Now())
	if err != nil {
		t.Fatalf("ComposeReply() error = %v", err)
	}
	if !bytes.Contains(raw, []byte("text/html")) {
		t.Error("HTML reply should carry a text/html content type")
	}
}

func TestComposeReplyOmitsReferencesWithoutOriginal(t *testing.T) {
	raw, err := ComposeReply("me@corp.example", "mail.corp.example", &policy.ReplyContent{
		To:      "alice@example.com",
		Subject: "Away",
		Body:    "Back soon.",
	}, time.Now())
	if err != nil {
		t.Fatalf("ComposeReply() error = %v", err)
	}
	if bytes.Contains(raw, []byte("In-Reply-To:")) || bytes.Contains(raw, []byte("References:")) {
		t.Error("threading headers should be absent without an original Message-ID")
	}
}
