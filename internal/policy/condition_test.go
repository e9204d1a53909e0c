package policy

import (
	"testing"

	"github.com/dispatchmail/policyd/internal/message"
)

func sampleMessage() *message.View {
	return message.NewBuilder().
		Sender("Alice Smith <alice@example.com>").
		Recipients("support@corp.example", "bob@corp.example").
		Subject("Invoice #42 overdue").
		AddHeader("Message-Id", "<m1@example.com>").
		AddHeader("X-Priority", "1").
		AddHeader("X-Priority", "urgent").
		BodySnippet("Please find the invoice attached. Regards, Alice").
		Size(2048).
		Envelope("alice@example.com", "support@corp.example").
		Build()
}

func TestConditions(t *testing.T) {
	msg := sampleMessage()

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"all matches", All{}, true},
		{"subject substring case-insensitive", SubjectContains{Value: "INVOICE"}, true},
		{"subject miss", SubjectContains{Value: "receipt"}, false},
		{"empty subject value matches", SubjectContains{Value: ""}, true},
		{"sender exact", SenderIs{Address: "alice@example.com"}, true},
		{"sender display-name form", SenderIs{Address: "Alice <ALICE@example.com>"}, true},
		{"sender miss", SenderIs{Address: "mallory@example.com"}, false},
		{"recipient match", RecipientIs{Address: "bob@corp.example"}, true},
		{"recipient miss", RecipientIs{Address: "carol@corp.example"}, false},
		{"recipient empty never matches", RecipientIs{Address: ""}, false},
		{"header substring", HeaderMatch{Name: "x-priority", Value: "urg"}, true},
		{"header exact hit on second value", HeaderMatch{Name: "X-Priority", Value: "urgent", Exact: true}, true},
		{"header exact miss", HeaderMatch{Name: "X-Priority", Value: "urg", Exact: true}, false},
		{"header absent", HeaderMatch{Name: "X-Spam-Flag", Value: "yes"}, false},
		{"header exists", HeaderExists{Name: "message-id"}, true},
		{"header exists miss", HeaderExists{Name: "Reply-To"}, false},
		{"body substring", BodyContains{Value: "INVOICE attached"}, true},
		{"body miss", BodyContains{Value: "refund"}, false},
		{"size greater", SizeCompare{Op: SizeGreater, Bytes: 1024}, true},
		{"size less miss", SizeCompare{Op: SizeLess, Bytes: 1024}, false},
		{"size equal", SizeCompare{Op: SizeEqual, Bytes: 2048}, true},
		{"size bad op", SizeCompare{Op: "!=", Bytes: 2048}, false},
		{"envelope from substring", EnvelopeMatch{Part: EnvelopeFrom, Value: "@example.com"}, true},
		{"envelope to exact", EnvelopeMatch{Part: EnvelopeTo, Value: "support@corp.example", Exact: true}, true},
		{"envelope bad part", EnvelopeMatch{Part: "rcpt", Value: "support"}, false},
		{"unknown never matches", Unknown{Type: "REGEX"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Evaluate(msg); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompositeConditions(t *testing.T) {
	msg := sampleMessage()

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"allof both match", AllOf{Children: []Condition{SubjectContains{Value: "invoice"}, SenderIs{Address: "alice@example.com"}}}, true},
		{"allof one miss", AllOf{Children: []Condition{SubjectContains{Value: "invoice"}, SenderIs{Address: "bob@example.com"}}}, false},
		{"empty allof matches", AllOf{}, true},
		{"anyof one match", AnyOf{Children: []Condition{SubjectContains{Value: "refund"}, BodyContains{Value: "invoice"}}}, true},
		{"anyof all miss", AnyOf{Children: []Condition{SubjectContains{Value: "refund"}, BodyContains{Value: "cancel"}}}, false},
		{"empty anyof does not match", AnyOf{}, false},
		{"not inverts", Not{Child: SubjectContains{Value: "refund"}}, true},
		{"not nil child never matches", Not{}, false},
		{"nested", AllOf{Children: []Condition{
			Not{Child: HeaderExists{Name: "List-Id"}},
			AnyOf{Children: []Condition{SizeCompare{Op: SizeGreaterEqual, Bytes: 2048}, All{}}},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Evaluate(msg); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}
