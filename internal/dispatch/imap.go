package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dispatchmail/policyd/internal/config"
	"github.com/dispatchmail/policyd/internal/logging"
)

// IMAPFiler delivers kept messages by APPENDing them to a mailbox on an
// IMAP server. A fresh connection is dialed per message; the engine files
// at most one copy per evaluation, so connection reuse buys little.
type IMAPFiler struct {
	cfg    config.IMAPConfig
	logger *logging.Logger
}

// NewIMAPFiler returns a filer for the configured IMAP target.
func NewIMAPFiler(cfg config.IMAPConfig, logger *logging.Logger) *IMAPFiler {
	return &IMAPFiler{cfg: cfg, logger: logger}
}

// File appends one message to the folder, creating the mailbox on first use.
func (f *IMAPFiler) File(ctx context.Context, alias, folder string, raw []byte) error {
	client, cleanup, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	target := folder
	if target == "" {
		target = "INBOX"
	}

	if err := f.ensureMailbox(client, target); err != nil {
		return err
	}

	cmd := client.Append(target, int64(len(raw)), nil)
	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	f.logger.DebugContext(ctx, "message filed via imap",
		"alias", alias,
		"folder", target,
		"size", len(raw))
	return nil
}

func (f *IMAPFiler) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.cfg.Host, strconv.Itoa(f.cfg.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if f.cfg.TLS {
		options.TLSConfig = &tls.Config{ServerName: f.cfg.Host}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(f.cfg.Username, f.cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("imap login: %w", err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		client.Close()
	})
	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				f.logger.WithError(err).DebugContext(ctx, "imap logout failed")
			}
		}
		client.Close()
	}

	return client, cleanup, nil
}

func (f *IMAPFiler) ensureMailbox(client *imapclient.Client, name string) error {
	if err := client.Create(name, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", name, err)
	}
	return nil
}
