package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/dispatchmail/policyd/internal/logging"
)

// RelayError wraps a relay failure with a permanence classification so the
// dispatcher can distinguish retryable transport problems from rejections.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string { return e.Err.Error() }

func (e *RelayError) Unwrap() error { return e.Err }

// IsPermanentError reports whether an SMTP error carries a 5xx status code.
// 4xx and transport errors are temporary.
func IsPermanentError(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500 && smtpErr.Code < 600
	}
	return false
}

// Relay sends messages to the configured smarthost.
type Relay struct {
	host      string
	startTLS  bool
	useTLS    bool
	verifyTLS bool
	timeout   time.Duration
	logger    *logging.Logger
}

// NewRelay returns a relay client for the given smarthost (host:port).
func NewRelay(host string, startTLS, useTLS, verifyTLS bool, timeout time.Duration, logger *logging.Logger) *Relay {
	return &Relay{
		host:      host,
		startTLS:  startTLS,
		useTLS:    useTLS,
		verifyTLS: verifyTLS,
		timeout:   timeout,
		logger:    logger,
	}
}

// Send submits one message to the smarthost with the given envelope. The
// returned error is a *RelayError carrying the permanence classification.
func (r *Relay) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if r.host == "" {
		return &RelayError{Err: fmt.Errorf("relay host not configured"), Permanent: true}
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: hostOnly(r.host),
	}
	if !r.verifyTLS {
		tlsConfig.InsecureSkipVerify = true
	}

	var (
		c   *smtp.Client
		err error
	)
	switch {
	case r.useTLS:
		c, err = smtp.DialTLS(r.host, tlsConfig)
	case r.startTLS:
		c, err = smtp.DialStartTLS(r.host, tlsConfig)
	default:
		c, err = smtp.Dial(r.host)
	}
	if err != nil {
		return &RelayError{Err: fmt.Errorf("connect to relay %s: %w", r.host, err), Permanent: false}
	}
	defer c.Close()

	if r.timeout > 0 {
		c.CommandTimeout = r.timeout
		c.SubmissionTimeout = r.timeout
	}

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return &RelayError{Err: fmt.Errorf("write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("close data: %w", err), Permanent: IsPermanentError(err)}
	}

	// The message is accepted at this point; a failed QUIT is not a
	// delivery failure.
	if err := c.Quit(); err != nil {
		r.logger.WithError(err).WarnContext(ctx, "relay quit failed")
	}

	return nil
}

func hostOnly(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx > 0 {
		return hostport[:idx]
	}
	return hostport
}
