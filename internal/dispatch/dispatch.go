// Package dispatch executes disposition plans: forwarding copies through
// the smarthost, sending auto-replies, and filing kept messages locally.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/message"
	"github.com/dispatchmail/policyd/internal/metrics"
	"github.com/dispatchmail/policyd/internal/policy"
)

// Filer delivers a kept message into a local folder.
type Filer interface {
	File(ctx context.Context, alias, folder string, raw []byte) error
}

// Sender submits a message to the outbound relay.
type Sender interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// Result summarizes what a plan execution actually did.
type Result struct {
	Forwarded   []string
	ForwardErrs int
	RepliedTo   string
	FiledInto   string
	Rejected    bool
	Discarded   bool
}

// Dispatcher turns plans into deliveries.
type Dispatcher struct {
	relay    Sender
	filer    Filer
	hostname string
	logger   *logging.Logger

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// NewDispatcher wires a dispatcher from its transports.
func NewDispatcher(relay Sender, filer Filer, hostname string, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		relay:    relay,
		filer:    filer,
		hostname: hostname,
		logger:   logger.Dispatch(),
		Now:      time.Now,
	}
}

// Execute carries out one plan for one message. Forward and reply failures
// are independent: a dead relay does not stop local filing, and vice
// versa. The aggregated error reports everything that went wrong.
func (d *Dispatcher) Execute(ctx context.Context, aliasAddress string, raw []byte, plan *policy.Plan) (*Result, error) {
	start := d.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	result := &Result{}
	var errs []error

	switch plan.Terminal {
	case policy.TerminalReject:
		// Rejection happens at the protocol boundary; nothing to deliver.
		result.Rejected = true
		d.logger.InfoContext(ctx, "message rejected",
			"alias", aliasAddress,
			"reason", plan.RejectMessage)
	case policy.TerminalDiscard:
		result.Discarded = true
		d.logger.InfoContext(ctx, "message discarded", "alias", aliasAddress)
	}

	keepLocal := plan.Terminal == policy.TerminalKeep
	for _, target := range plan.Forwards {
		if !target.KeepOriginal {
			keepLocal = false
		}
		if err := d.forward(ctx, aliasAddress, target.Address, raw); err != nil {
			metrics.DispatchOutcomes.WithLabelValues("forward", "failure").Inc()
			result.ForwardErrs++
			errs = append(errs, fmt.Errorf("forward to %s: %w", target.Address, err))
			d.logger.ErrorContext(ctx, "forward failed", err,
				"alias", aliasAddress,
				"target", target.Address)
			continue
		}
		metrics.DispatchOutcomes.WithLabelValues("forward", "success").Inc()
		result.Forwarded = append(result.Forwarded, target.Address)
	}

	if plan.FireAutoReply && plan.AutoReply != nil {
		if err := d.reply(ctx, aliasAddress, plan.AutoReply); err != nil {
			metrics.DispatchOutcomes.WithLabelValues("reply", "failure").Inc()
			errs = append(errs, fmt.Errorf("auto-reply to %s: %w", plan.AutoReply.To, err))
			d.logger.ErrorContext(ctx, "auto-reply failed", err,
				"alias", aliasAddress,
				"to", plan.AutoReply.To)
		} else {
			metrics.DispatchOutcomes.WithLabelValues("reply", "success").Inc()
			result.RepliedTo = plan.AutoReply.To
		}
	}

	if keepLocal {
		folder := plan.FileInto
		if err := d.file(ctx, aliasAddress, folder, raw); err != nil {
			metrics.DispatchOutcomes.WithLabelValues("file", "failure").Inc()
			errs = append(errs, fmt.Errorf("file into %q: %w", folder, err))
			d.logger.ErrorContext(ctx, "filing failed", err,
				"alias", aliasAddress,
				"folder", folder)
		} else {
			metrics.DispatchOutcomes.WithLabelValues("file", "success").Inc()
			if folder == "" {
				folder = "INBOX"
			}
			result.FiledInto = folder
		}
	}

	return result, errors.Join(errs...)
}

// forward resends the message to one target. The alias is the envelope
// sender so bounces come back to the forwarding hop, and trace headers are
// prepended so downstream loop guards can see this hop.
func (d *Dispatcher) forward(ctx context.Context, alias, target string, raw []byte) error {
	if d.relay == nil {
		return fmt.Errorf("relay not configured")
	}
	copyBytes := prependHeaders(raw,
		message.Field{Name: "X-Forwarded-To", Value: target},
		message.Field{Name: "X-Forwarded-For", Value: alias + " " + target},
		message.Field{Name: "Delivered-To", Value: alias},
	)
	return d.relay.Send(ctx, alias, []string{target}, copyBytes)
}

// reply composes and sends the auto-reply with a null envelope sender, so
// a bouncing auto-reply can never generate further automatic mail.
func (d *Dispatcher) reply(ctx context.Context, alias string, content *policy.ReplyContent) error {
	if d.relay == nil {
		return fmt.Errorf("relay not configured")
	}
	raw, err := ComposeReply(alias, d.hostname, content, d.Now())
	if err != nil {
		return err
	}
	return d.relay.Send(ctx, "", []string{content.To}, raw)
}

func (d *Dispatcher) file(ctx context.Context, alias, folder string, raw []byte) error {
	if d.filer == nil {
		return fmt.Errorf("filing backend not configured")
	}
	return d.filer.File(ctx, alias, folder, raw)
}

// prependHeaders inserts header fields before the existing header block.
func prependHeaders(raw []byte, fields ...message.Field) []byte {
	var head []byte
	for _, f := range fields {
		head = append(head, f.Name...)
		head = append(head, ": "...)
		head = append(head, f.Value...)
		head = append(head, "\r\n"...)
	}
	return append(head, raw...)
}
