package dispatch

import (
	"bytes"
	"fmt"
	"time"

	gomessage "github.com/emersion/go-message"

	"github.com/dispatchmail/policyd/internal/policy"
)

// ComposeReply renders an auto-reply plan entry into a full RFC 5322
// message. The reply is marked Auto-Submitted so receiving responders do
// not answer it, which would otherwise bounce auto-replies between two
// vacationing parties forever.
func ComposeReply(aliasAddress, hostname string, reply *policy.ReplyContent, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	var header gomessage.Header
	header.Set("From", aliasAddress)
	header.Set("To", reply.To)
	header.Set("Subject", reply.Subject)
	header.Set("Date", now.Format(time.RFC1123Z))
	header.Set("Message-ID", fmt.Sprintf("<%d.autoreply@%s>", now.UnixNano(), hostname))
	header.Set("Auto-Submitted", "auto-replied")
	header.Set("X-Auto-Response-Suppress", "All")
	if reply.InReplyTo != "" {
		header.Set("In-Reply-To", reply.InReplyTo)
		header.Set("References", reply.InReplyTo)
	}
	if reply.ContentType == policy.ReplyHTML {
		header.Set("Content-Type", "text/html; charset=utf-8")
	} else {
		header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	// A single-part message: the writer returned for a non-multipart
	// content type takes the body directly.
	w, err := gomessage.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("create reply writer: %w", err)
	}
	if _, err := w.Write([]byte(reply.Body)); err != nil {
		w.Close()
		return nil, fmt.Errorf("write reply body: %w", err)
	}
	w.Close()

	return buf.Bytes(), nil
}
