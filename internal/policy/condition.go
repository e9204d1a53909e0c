package policy

import (
	"strings"

	"github.com/dispatchmail/policyd/internal/message"
)

// Condition is a predicate over a message view. Implementations must be pure:
// evaluation never fails and never mutates the view. Rules with conditions
// the store could not decode carry an Unknown condition, which matches
// nothing, so a malformed rule degrades to a no-op instead of an error.
type Condition interface {
	Evaluate(msg *message.View) bool
}

// All matches every message.
type All struct{}

func (All) Evaluate(msg *message.View) bool {
	return true
}

// AllOf matches when every child matches. An empty AllOf matches.
type AllOf struct {
	Children []Condition
}

func (c AllOf) Evaluate(msg *message.View) bool {
	for _, child := range c.Children {
		if !child.Evaluate(msg) {
			return false
		}
	}
	return true
}

// AnyOf matches when at least one child matches. An empty AnyOf does not.
type AnyOf struct {
	Children []Condition
}

func (c AnyOf) Evaluate(msg *message.View) bool {
	for _, child := range c.Children {
		if child.Evaluate(msg) {
			return true
		}
	}
	return false
}

// Not negates its child.
type Not struct {
	Child Condition
}

func (c Not) Evaluate(msg *message.View) bool {
	if c.Child == nil {
		return false
	}
	return !c.Child.Evaluate(msg)
}

// SubjectContains is a case-insensitive substring match on the subject.
type SubjectContains struct {
	Value string
}

func (c SubjectContains) Evaluate(msg *message.View) bool {
	return strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(c.Value))
}

// SenderIs is an exact, case-insensitive match against the sender address.
type SenderIs struct {
	Address string
}

func (c SenderIs) Evaluate(msg *message.View) bool {
	return msg.Sender != "" && msg.Sender == message.CanonicalAddress(c.Address)
}

// RecipientIs is an exact, case-insensitive match against any recipient.
type RecipientIs struct {
	Address string
}

func (c RecipientIs) Evaluate(msg *message.View) bool {
	want := message.CanonicalAddress(c.Address)
	if want == "" {
		return false
	}
	for _, r := range msg.Recipients {
		if r == want {
			return true
		}
	}
	return false
}

// HeaderMatch matches a named header's value, exact or substring,
// case-insensitive either way. A missing header never matches.
type HeaderMatch struct {
	Name  string
	Value string
	Exact bool
}

func (c HeaderMatch) Evaluate(msg *message.View) bool {
	want := strings.ToLower(c.Value)
	for _, val := range msg.Header.Values(c.Name) {
		got := strings.ToLower(val)
		if c.Exact && got == want {
			return true
		}
		if !c.Exact && strings.Contains(got, want) {
			return true
		}
	}
	return false
}

// HeaderExists matches when the named header is present.
type HeaderExists struct {
	Name string
}

func (c HeaderExists) Evaluate(msg *message.View) bool {
	return msg.Header.Has(c.Name)
}

// BodyContains is a case-insensitive substring match on the body snippet.
type BodyContains struct {
	Value string
}

func (c BodyContains) Evaluate(msg *message.View) bool {
	return strings.Contains(strings.ToLower(msg.BodySnippet), strings.ToLower(c.Value))
}

// SizeOp is a numeric comparison operator for SizeCompare.
type SizeOp string

const (
	SizeLess         SizeOp = "<"
	SizeLessEqual    SizeOp = "<="
	SizeEqual        SizeOp = "="
	SizeGreaterEqual SizeOp = ">="
	SizeGreater      SizeOp = ">"
)

// SizeCompare compares the message size in bytes.
type SizeCompare struct {
	Op    SizeOp
	Bytes int64
}

func (c SizeCompare) Evaluate(msg *message.View) bool {
	switch c.Op {
	case SizeLess:
		return msg.SizeBytes < c.Bytes
	case SizeLessEqual:
		return msg.SizeBytes <= c.Bytes
	case SizeEqual:
		return msg.SizeBytes == c.Bytes
	case SizeGreaterEqual:
		return msg.SizeBytes >= c.Bytes
	case SizeGreater:
		return msg.SizeBytes > c.Bytes
	}
	return false
}

// EnvelopePart selects which envelope address an EnvelopeMatch inspects.
type EnvelopePart string

const (
	EnvelopeFrom EnvelopePart = "from"
	EnvelopeTo   EnvelopePart = "to"
)

// EnvelopeMatch matches the SMTP envelope sender or any envelope recipient.
type EnvelopeMatch struct {
	Part  EnvelopePart
	Value string
	Exact bool
}

func (c EnvelopeMatch) Evaluate(msg *message.View) bool {
	var addrs []string
	switch c.Part {
	case EnvelopeFrom:
		addrs = []string{msg.EnvelopeFrom}
	case EnvelopeTo:
		addrs = msg.EnvelopeTo
	default:
		return false
	}

	want := strings.ToLower(c.Value)
	for _, addr := range addrs {
		if c.Exact && addr == want {
			return true
		}
		if !c.Exact && strings.Contains(addr, want) {
			return true
		}
	}
	return false
}

// Unknown stands in for a condition whose type the store did not recognize.
// It never matches.
type Unknown struct {
	Type string
}

func (Unknown) Evaluate(msg *message.View) bool {
	return false
}
