package dispatch

import (
	"context"

	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/resilience"
)

// breakerSender guards a Sender with a circuit breaker so a dead smarthost
// fails fast instead of stalling every evaluation on connect timeouts.
type breakerSender struct {
	next    Sender
	breaker *resilience.CircuitBreaker
}

// WithBreaker wraps a sender in a relay circuit breaker. Permanent SMTP
// rejections do not count against the breaker: they mean the relay is
// healthy and the message is not.
func WithBreaker(next Sender, logger *logging.Logger) Sender {
	log := logger.Dispatch()
	cfg := resilience.DefaultConfig("relay")
	cfg.IsFailure = func(err error) bool {
		return !IsPermanentError(err)
	}
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		log.Warn("relay circuit state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String())
	}
	return &breakerSender{next: next, breaker: resilience.NewCircuitBreaker(cfg)}
}

func (b *breakerSender) Send(ctx context.Context, from string, to []string, raw []byte) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.next.Send(ctx, from, to, raw)
	})
}
