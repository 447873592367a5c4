// Package bridge exposes the sync orchestrator to UI screens on localhost:
// REST endpoints for actions and a WebSocket stream for reactive state.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/attendsync/internal/logging"
	scansync "github.com/kimhsiao/attendsync/internal/sync"
)

const (
	maxBodyBytes    = 16 << 10
	shutdownTimeout = 5 * time.Second
)

// Server serves the local bridge.
type Server struct {
	orch     scansync.OrchestratorInterface
	hub      *Hub
	gatherer prometheus.Gatherer
	location string
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes g on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLocation sets the location recorded for scans that do not carry one.
func WithLocation(location string) Option {
	return func(s *Server) { s.location = location }
}

// NewServer creates a Server and registers hub as the orchestrator's event
// handler.
func NewServer(orch scansync.OrchestratorInterface, hub *Hub, opts ...Option) *Server {
	s := &Server{
		orch: orch,
		hub:  hub,
	}
	for _, opt := range opts {
		opt(s)
	}
	orch.SetEventHandler(hub)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger, localOnly)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	r.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/queue", s.handleClearQueue).Methods(http.MethodDelete)
	r.HandleFunc("/today/refresh", s.handleRefreshToday).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and disconnects WebSocket clients.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logging.Info("Bridge listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		s.hub.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.hub.Stop()
	<-errCh
	logging.Info("Bridge stopped", nil)
	return err
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "attendsync",
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

type scanRequest struct {
	Code     string `json:"code"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, scansync.Result{Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeJSON(w, http.StatusBadRequest, scansync.Result{Error: "code is required"})
		return
	}
	if req.Location == "" {
		req.Location = s.location
	}

	res := s.orch.Scan(r.Context(), req.Code, req.Location, req.Notes)
	writeJSON(w, statusFor(res), res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res := s.orch.Sync(r.Context())
	writeJSON(w, statusFor(res), res)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	res := s.orch.ClearQueue(r.Context())
	writeJSON(w, statusFor(res), res)
}

func (s *Server) handleRefreshToday(w http.ResponseWriter, r *http.Request) {
	res := s.orch.RefreshToday(r.Context())
	writeJSON(w, statusFor(res), res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	res := s.orch.Logout(r.Context())
	writeJSON(w, statusFor(res), res)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, &Envelope{
		Type: string(scansync.SyncEventStateChanged),
		Data: s.orch.Snapshot(),
	})
}

// statusFor maps a Result to an HTTP status. The body always carries the
// Result, so clients may ignore the status.
func statusFor(res scansync.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Outcome == scansync.OutcomeAuthExpired || res.Error == scansync.MessageSessionExpired:
		return http.StatusUnauthorized
	case res.Outcome == scansync.OutcomeRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// localOnly rejects requests made by pages from other origins. Browsers
// attach Origin to cross-origin requests, and only a JSON content type
// forces them to ask first, so a request body must be JSON.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLocalOrigin(r) {
			logging.Warn("Rejected bridge request from foreign origin", map[string]interface{}{
				"origin": r.Header.Get("Origin"),
				"path":   r.URL.Path,
			})
			writeJSON(w, http.StatusForbidden, scansync.Result{Error: "Origin not allowed"})
			return
		}
		if hasBody(r) && !isJSON(r.Header.Get("Content-Type")) {
			writeJSON(w, http.StatusUnsupportedMediaType, scansync.Result{Error: "Content-Type must be application/json"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return r.ContentLength != 0
	}
	return false
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug("Bridge request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}
