// Package message provides the read-only projection of an inbound message
// that the disposition engine evaluates policy against.
package message

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Trace headers consulted for prior forwarding hops.
var traceHeaders = []string{
	"Delivered-To",
	"X-Original-To",
	"X-Forwarded-To",
	"X-Forwarded-For",
}

// Field is a single header field.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered header multimap. Lookups are case-insensitive,
// iteration preserves wire order.
type Header []Field

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Get returns the first value of the named header, or "".
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values of the named header in order.
func (h Header) Values(name string) []string {
	var vals []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Has reports whether the named header is present.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// View is an immutable projection of one inbound message. It is created once
// per delivery by the mail pipeline and never mutated by the engine.
type View struct {
	Sender       string
	Recipients   []string
	Subject      string
	Header       Header
	BodySnippet  string
	SizeBytes    int64
	ReceivedAt   time.Time
	HopCount     int
	EnvelopeFrom string
	EnvelopeTo   []string
}

// MessageID returns the Message-ID header value, angle brackets included.
func (v *View) MessageID() string {
	return strings.TrimSpace(v.Header.Get("Message-Id"))
}

// TraceRecipients returns the canonical addresses already recorded in the
// message's delivery trace headers. A forward target found here has seen
// this message before.
func (v *View) TraceRecipients() []string {
	var addrs []string
	for _, name := range traceHeaders {
		for _, val := range v.Header.Values(name) {
			if addr := CanonicalAddress(val); addr != "" {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}

// Builder assembles a View. The zero Builder is ready to use.
type Builder struct {
	view View
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Sender(addr string) *Builder {
	b.view.Sender = CanonicalAddress(addr)
	return b
}

func (b *Builder) Recipients(addrs ...string) *Builder {
	for _, a := range addrs {
		if c := CanonicalAddress(a); c != "" {
			b.view.Recipients = append(b.view.Recipients, c)
		}
	}
	return b
}

func (b *Builder) Subject(s string) *Builder {
	b.view.Subject = s
	return b
}

func (b *Builder) AddHeader(name, value string) *Builder {
	b.view.Header.Add(name, value)
	return b
}

func (b *Builder) BodySnippet(s string) *Builder {
	b.view.BodySnippet = s
	return b
}

func (b *Builder) Size(n int64) *Builder {
	b.view.SizeBytes = n
	return b
}

func (b *Builder) ReceivedAt(t time.Time) *Builder {
	b.view.ReceivedAt = t
	return b
}

func (b *Builder) Envelope(from string, to ...string) *Builder {
	b.view.EnvelopeFrom = CanonicalAddress(from)
	for _, a := range to {
		if c := CanonicalAddress(a); c != "" {
			b.view.EnvelopeTo = append(b.view.EnvelopeTo, c)
		}
	}
	return b
}

// Build finalizes the View. The hop count is derived from the number of
// Received headers.
func (b *Builder) Build() *View {
	v := b.view
	v.HopCount = len(v.Header.Values("Received"))
	if v.ReceivedAt.IsZero() {
		v.ReceivedAt = time.Now()
	}
	return &v
}

// FromMIME parses a raw message into a View. Parsing is best-effort: a
// malformed body still yields a usable header-only view, because the engine
// must fail open toward KEEP rather than lose mail.
func FromMIME(raw []byte, envFrom string, envTo []string, snippetSize int) (*View, error) {
	b := NewBuilder().
		Size(int64(len(raw))).
		Envelope(envFrom, envTo...)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return nil, err
	}
	defer mr.Close()

	fields := mr.Header.Fields()
	for fields.Next() {
		val, err := fields.Text()
		if err != nil {
			val = fields.Value()
		}
		b.AddHeader(fields.Key(), val)
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		b.Sender(from[0].Address)
	}
	for _, name := range []string{"To", "Cc"} {
		if list, err := mr.Header.AddressList(name); err == nil {
			for _, a := range list {
				b.Recipients(a.Address)
			}
		}
	}
	if subject, err := mr.Header.Subject(); err == nil {
		b.Subject(subject)
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		b.ReceivedAt(date)
	}

	b.BodySnippet(readSnippet(mr, snippetSize))

	return b.Build(), nil
}

// readSnippet extracts up to limit bytes from the first inline text part.
func readSnippet(mr *mail.Reader, limit int) string {
	if limit <= 0 {
		return ""
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := header.ContentType()
		if err == nil && !strings.HasPrefix(ct, "text/") {
			continue
		}
		buf := make([]byte, limit)
		n, _ := io.ReadFull(part.Body, buf)
		return string(buf[:n])
	}
}

// CanonicalAddress extracts the bare address from a header-style address
// ("Name <a@b>" or "a@b") and lowercases it.
func CanonicalAddress(addr string) string {
	if idx := strings.Index(addr, "<"); idx >= 0 {
		if end := strings.Index(addr[idx:], ">"); end > 0 {
			addr = addr[idx+1 : idx+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

// AddressDomain returns the domain part of an address, lowercased, or "".
func AddressDomain(addr string) string {
	addr = CanonicalAddress(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return addr[at+1:]
}

// AddressLocalPart returns the local part of an address, lowercased.
func AddressLocalPart(addr string) string {
	addr = CanonicalAddress(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	return addr[:at]
}
