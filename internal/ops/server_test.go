package ops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dispatchmail/policyd/internal/config"
	"github.com/dispatchmail/policyd/internal/dispatch"
	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/policy"
	"github.com/dispatchmail/policyd/internal/rulestore"
	"github.com/dispatchmail/policyd/internal/throttle"
)

type recordingSender struct {
	sent [][]string
}

func (s *recordingSender) Send(ctx context.Context, from string, to []string, raw []byte) error {
	s.sent = append(s.sent, to)
	return nil
}

type noopFiler struct{ filed int }

func (f *noopFiler) File(ctx context.Context, alias, folder string, raw []byte) error {
	f.filed++
	return nil
}

func newTestServer(t *testing.T) (*Server, *recordingSender, *noopFiler) {
	t.Helper()

	store, err := rulestore.Open(filepath.Join(t.TempDir(), "ops_test.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	doc := &rulestore.PolicyDocument{
		Aliases: []rulestore.AliasDocument{{
			Address: "support@corp.example",
			Forwarding: []rulestore.ForwardRuleDocument{
				{Name: "archive", ForwardTo: "archive@corp.example"},
			},
		}},
	}
	if err := store.Import(context.Background(), doc); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	logger := logging.Default()
	engine := policy.NewEngine(store, throttle.NewMemory(), 15, logger)
	sender := &recordingSender{}
	filer := &noopFiler{}
	dispatcher := dispatch.NewDispatcher(sender, filer, "mail.corp.example", logger)

	srv := NewServer(
		config.OpsConfig{},
		config.EngineConfig{BodySnippetSize: 4096, LogDispositions: true},
		engine, dispatcher, store, logger,
	)
	return srv, sender, filer
}

func evaluateBody(t *testing.T, alias string) *bytes.Buffer {
	t.Helper()
	raw := "From: alice@example.com\r\n" +
		"To: support@corp.example\r\n" +
		"Subject: help\r\n" +
		"Message-ID: <h1@example.com>\r\n" +
		"\r\n" +
		"please help\r\n"
	body, err := json.Marshal(map[string]any{
		"alias":         alias,
		"raw":           base64.StdEncoding.EncodeToString([]byte(raw)),
		"envelope_from": "alice@example.com",
		"envelope_to":   []string{"support@corp.example"},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewBuffer(body)
}

func TestHandleEvaluate(t *testing.T) {
	srv, sender, filer := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", evaluateBody(t, "support@corp.example"))
	rec := httptest.NewRecorder()
	srv.handleEvaluate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Terminal string `json:"terminal"`
		Forwards []struct {
			Address string `json:"address"`
		} `json:"forwards"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Terminal != "KEEP" {
		t.Errorf("terminal = %q, want KEEP", resp.Terminal)
	}
	if len(resp.Forwards) != 1 || resp.Forwards[0].Address != "archive@corp.example" {
		t.Errorf("forwards = %+v", resp.Forwards)
	}

	// Dry run: nothing is delivered.
	if len(sender.sent) != 0 || filer.filed != 0 {
		t.Errorf("dry run delivered: sent=%d filed=%d", len(sender.sent), filer.filed)
	}
}

func TestHandleDispatchDelivers(t *testing.T) {
	srv, sender, filer := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", evaluateBody(t, "support@corp.example"))
	rec := httptest.NewRecorder()
	srv.handleDispatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(sender.sent) != 1 {
		t.Errorf("sent %d relay messages, want the forward", len(sender.sent))
	}
	if filer.filed != 1 {
		t.Errorf("filed %d messages, want 1", filer.filed)
	}

	// The disposition is recorded and queryable.
	logReq := httptest.NewRequest(http.MethodGet, "/v1/dispositions?alias=support@corp.example", nil)
	logRec := httptest.NewRecorder()
	srv.handleDispositions(logRec, logReq)
	if logRec.Code != http.StatusOK {
		t.Fatalf("dispositions status = %d", logRec.Code)
	}
	var logResp struct {
		Entries []struct {
			MessageID    string `json:"message_id"`
			ForwardCount int    `json:"forward_count"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(logRec.Body.Bytes(), &logResp); err != nil {
		t.Fatalf("decode dispositions: %v", err)
	}
	if len(logResp.Entries) != 1 || logResp.Entries[0].MessageID != "<h1@example.com>" {
		t.Errorf("entries = %+v", logResp.Entries)
	}
}

func TestHandleEvaluateErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)

	t.Run("unknown alias", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", evaluateBody(t, "ghost@corp.example"))
		rec := httptest.NewRecorder()
		srv.handleEvaluate(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/evaluate", nil)
		rec := httptest.NewRecorder()
		srv.handleEvaluate(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})

	t.Run("bad base64", func(t *testing.T) {
		body := bytes.NewBufferString(`{"alias":"support@corp.example","raw":"%%%"}`)
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", body)
		rec := httptest.NewRecorder()
		srv.handleEvaluate(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("bad json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		srv.handleEvaluate(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHandleDispositionsRequiresAlias(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/dispositions", nil)
	rec := httptest.NewRecorder()
	srv.handleDispositions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
