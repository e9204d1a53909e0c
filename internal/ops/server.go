// Package ops serves the operational HTTP surface: Prometheus metrics,
// health checks, dry-run evaluation, and the dispatch entry point used by
// MTA delivery hooks.
package ops

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatchmail/policyd/internal/config"
	"github.com/dispatchmail/policyd/internal/dispatch"
	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/message"
	"github.com/dispatchmail/policyd/internal/policy"
	"github.com/dispatchmail/policyd/internal/rulestore"
)

// Server is the ops HTTP server.
type Server struct {
	cfg             config.OpsConfig
	engine          *policy.Engine
	dispatcher      *dispatch.Dispatcher
	store           *rulestore.Store
	snippetSize     int
	logDispositions bool
	logger          *logging.Logger
	httpServer      *http.Server
}

// NewServer wires the ops server.
func NewServer(cfg config.OpsConfig, engineCfg config.EngineConfig, engine *policy.Engine, dispatcher *dispatch.Dispatcher, store *rulestore.Store, logger *logging.Logger) *Server {
	return &Server{
		cfg:             cfg,
		engine:          engine,
		dispatcher:      dispatcher,
		store:           store,
		snippetSize:     engineCfg.BodySnippetSize,
		logDispositions: engineCfg.LogDispositions,
		logger:          logger.Ops(),
	}
}

// Start listens and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/evaluate", s.withAuth(s.handleEvaluate))
	mux.HandleFunc("/v1/dispatch", s.withAuth(s.handleDispatch))
	mux.HandleFunc("/v1/dispositions", s.withAuth(s.handleDispositions))

	addr := net.JoinHostPort(s.cfg.Listen, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.InfoContext(context.Background(), "starting ops server", "listen", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.store.DB().PingContext(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.WithError(err).WarnContext(ctx, "health check database ping failed")
	}

	writeJSON(w, code, map[string]string{"status": status})
}

// evaluateRequest is the wire form of an evaluation or dispatch call. The
// message arrives as base64 of the raw RFC 5322 bytes, the way an MTA hook
// has it in hand.
type evaluateRequest struct {
	Alias        string   `json:"alias"`
	Raw          string   `json:"raw"`
	EnvelopeFrom string   `json:"envelope_from"`
	EnvelopeTo   []string `json:"envelope_to"`
}

type planResponse struct {
	Terminal      string          `json:"terminal"`
	RejectMessage string          `json:"reject_message,omitempty"`
	FileInto      string          `json:"file_into,omitempty"`
	Forwards      []forwardTarget `json:"forwards,omitempty"`
	AutoReply     *autoReply      `json:"auto_reply,omitempty"`
	Warning       string          `json:"warning,omitempty"`
}

type forwardTarget struct {
	Address      string `json:"address"`
	KeepOriginal bool   `json:"keep_original"`
}

type autoReply struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, false)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, true)
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, execute bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req evaluateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "raw must be base64")
		return
	}

	ctx := logging.WithSender(r.Context(), req.EnvelopeFrom)

	aliasID, err := s.store.LookupAlias(ctx, req.Alias)
	if err != nil {
		if errors.Is(err, rulestore.ErrAliasNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("alias %q not found", req.Alias))
			return
		}
		s.logger.ErrorContext(ctx, "alias lookup failed", err, "alias", req.Alias)
		writeError(w, http.StatusInternalServerError, "alias lookup failed")
		return
	}
	ctx = logging.WithAliasID(ctx, aliasID)

	msg, err := message.FromMIME(raw, req.EnvelopeFrom, req.EnvelopeTo, s.snippetSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unparseable message: %v", err))
		return
	}
	ctx = logging.WithMessageID(ctx, msg.MessageID())

	var plan *policy.Plan
	var evalErr error
	if execute {
		plan, evalErr = s.engine.Evaluate(ctx, aliasID, msg)
	} else {
		plan, evalErr = s.engine.Preview(ctx, aliasID, msg)
	}
	if plan == nil {
		s.logger.ErrorContext(ctx, "evaluation failed", evalErr, "alias", req.Alias)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	resp := planToResponse(plan)
	if evalErr != nil {
		// Throttle degradation: plan is valid, auto-reply suppressed.
		resp.Warning = evalErr.Error()
	}

	if execute {
		if _, err := s.dispatcher.Execute(ctx, req.Alias, raw, plan); err != nil {
			s.logger.ErrorContext(ctx, "dispatch incomplete", err, "alias", req.Alias)
			resp.Warning = joinWarnings(resp.Warning, err.Error())
		}
		if s.logDispositions {
			if err := s.store.RecordDisposition(ctx, aliasID, msg, plan); err != nil {
				s.logger.WithError(err).WarnContext(ctx, "disposition log write failed")
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDispositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	alias := r.URL.Query().Get("alias")
	if alias == "" {
		writeError(w, http.StatusBadRequest, "alias query parameter required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	aliasID, err := s.store.LookupAlias(r.Context(), alias)
	if err != nil {
		if errors.Is(err, rulestore.ErrAliasNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("alias %q not found", alias))
			return
		}
		writeError(w, http.StatusInternalServerError, "alias lookup failed")
		return
	}

	entries, err := s.store.RecentDispositions(r.Context(), aliasID, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "disposition query failed", err, "alias", alias)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	type entry struct {
		MessageID    string    `json:"message_id"`
		Sender       string    `json:"sender"`
		Terminal     string    `json:"terminal"`
		FileInto     string    `json:"file_into,omitempty"`
		ForwardCount int       `json:"forward_count"`
		AutoReply    bool      `json:"auto_reply"`
		CreatedAt    time.Time `json:"created_at"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{
			MessageID:    e.MessageID,
			Sender:       e.Sender,
			Terminal:     e.Terminal,
			FileInto:     e.FileInto,
			ForwardCount: e.ForwardCount,
			AutoReply:    e.AutoReply,
			CreatedAt:    e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"alias": alias, "entries": out})
}

func planToResponse(plan *policy.Plan) *planResponse {
	resp := &planResponse{
		Terminal:      string(plan.Terminal),
		RejectMessage: plan.RejectMessage,
		FileInto:      plan.FileInto,
	}
	for _, t := range plan.Forwards {
		resp.Forwards = append(resp.Forwards, forwardTarget{
			Address:      t.Address,
			KeepOriginal: t.KeepOriginal,
		})
	}
	if plan.FireAutoReply && plan.AutoReply != nil {
		resp.AutoReply = &autoReply{
			To:      plan.AutoReply.To,
			Subject: plan.AutoReply.Subject,
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func joinWarnings(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
