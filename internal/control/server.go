// Package control serves the local HTTP API used by a user interface to drive
// the voice session: lifecycle actions, language selection, free-text
// messages, read-only status and the remote log feed. It also exposes the
// health probes and the Prometheus scrape endpoint.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxlink/internal/logfeed"
	"github.com/MrWong99/voxlink/internal/loop"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
)

const (
	maxBodyBytes    = 64 << 10
	readHeaderLimit = 5 * time.Second
)

// Controller is the session surface driven by the API. [*session.Session]
// implements it.
type Controller interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	ChangeLanguage(ctx context.Context, code string) error
	SendText(ctx context.Context, text string) (string, error)
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Languages() []session.Language
}

// LogSource provides log-store entries. [*logfeed.Feed] implements it.
type LogSource interface {
	Entries() []logfeed.Entry
	Status() logfeed.Status
}

// Config configures a [Server].
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8765".
	Addr string

	// Session is driven by the lifecycle endpoints. Required.
	Session Controller

	// Logs backs GET /api/logs. When nil the endpoint answers 404.
	Logs LogSource

	// Checks are evaluated by /readyz in addition to the built-in session
	// responsiveness check.
	Checks []Check

	// Metrics records request metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler
}

// Server is the control HTTP server.
type Server struct {
	cfg     Config
	checks  []Check
	handler http.Handler
	srv     *http.Server
}

// New builds the server and its routes. It does not listen until
// [Server.Run] or [Server.Serve].
func New(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, errors.New("control: session is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}

	s := &Server{cfg: cfg}
	s.checks = append([]Check{{Name: "session", Probe: s.probeSession}}, cfg.Checks...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("GET /api/transcript", s.transcript)
	mux.HandleFunc("GET /api/languages", s.languages)
	mux.HandleFunc("GET /api/logs", s.logs)
	mux.HandleFunc("POST /api/start", s.action(cfg.Session.Start))
	mux.HandleFunc("POST /api/pause", s.action(cfg.Session.Pause))
	mux.HandleFunc("POST /api/stop", s.action(cfg.Session.Stop))
	mux.HandleFunc("POST /api/language", s.changeLanguage)
	mux.HandleFunc("POST /api/messages", s.sendMessage)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.Handle("GET /metrics", cfg.MetricsHandler)

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderLimit,
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("control: listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	return nil
}

func (s *Server) probeSession(ctx context.Context) error {
	_, err := s.cfg.Session.Snapshot(ctx)
	return err
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Session.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) transcript(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Session.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": snap.Transcript})
}

func (s *Server) languages(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Session.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"languages": s.cfg.Session.Languages(),
		"selected":  snap.Language,
	})
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Logs == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "log feed is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  s.cfg.Logs.Status(),
		"entries": s.cfg.Logs.Entries(),
	})
}

// action adapts a lifecycle operation; the response is the resulting status.
func (s *Server) action(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		s.status(w, r)
	}
}

func (s *Server) changeLanguage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.cfg.Session.ChangeLanguage(r.Context(), req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	s.status(w, r)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.cfg.Session.SendText(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// ── Encoding ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	var capErr *capture.Error
	switch {
	case errors.Is(err, session.ErrUnsupportedLanguage), errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.As(err, &capErr), errors.Is(err, loop.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("control: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// writeJSON encodes v with the given status code. Encoding failures after the
// header is written can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("control: encode response", "err", err)
	}
}
