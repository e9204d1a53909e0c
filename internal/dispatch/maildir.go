package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/dispatchmail/policyd/internal/logging"
)

// MaildirFiler delivers kept messages into per-alias maildirs under a base
// path. INBOX maps to the alias's root maildir; any other folder becomes a
// dot-prefixed subdirectory in the Maildir++ convention.
type MaildirFiler struct {
	basePath string
	logger   *logging.Logger
}

// NewMaildirFiler creates the base directory and returns a filer.
func NewMaildirFiler(basePath string, logger *logging.Logger) (*MaildirFiler, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("create maildir base: %w", err)
	}
	return &MaildirFiler{basePath: basePath, logger: logger}, nil
}

// File writes one message into the alias's maildir folder.
func (f *MaildirFiler) File(ctx context.Context, alias, folder string, raw []byte) error {
	path := f.folderPath(alias, folder)
	if _, err := ensureMaildir(path); err != nil {
		return err
	}

	key := generateMaildirKey()
	tmpPath := filepath.Join(path, "tmp", key)
	if err := os.WriteFile(tmpPath, raw, 0640); err != nil {
		return fmt.Errorf("write tmp message: %w", err)
	}

	// The rename into new/ is the delivery; readers must find the message
	// there, unread, until a client moves it to cur/ itself.
	destPath := filepath.Join(path, "new", key)
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("move message into new: %w", err)
	}

	f.logger.DebugContext(ctx, "message filed",
		"alias", alias,
		"folder", folder,
		"size", len(raw))
	return nil
}

func (f *MaildirFiler) folderPath(alias, folder string) string {
	base := filepath.Join(f.basePath, safePathSegment(alias))
	if folder == "" || strings.EqualFold(folder, "INBOX") {
		return base
	}
	return filepath.Join(base, "."+safePathSegment(folder))
}

func ensureMaildir(path string) (maildir.Dir, error) {
	dir := maildir.Dir(path)
	for _, subdir := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, subdir), 0750); err != nil {
			return dir, fmt.Errorf("create %s: %w", subdir, err)
		}
	}
	return dir, nil
}

func generateMaildirKey() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return fmt.Sprintf("%d.%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}

// safePathSegment keeps alias addresses and folder names from escaping the
// base path or nesting unexpectedly.
func safePathSegment(s string) string {
	s = strings.ReplaceAll(s, "/", ".")
	s = strings.ReplaceAll(s, string(filepath.Separator), ".")
	return strings.TrimLeft(s, ".")
}
