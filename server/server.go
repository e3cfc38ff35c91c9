// Package server handles HTTP endpoints: the OneBot event-push receiver,
// health, and metrics.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxEventBody bounds a single pushed event payload.
const maxEventBody = 1 << 20

// Handler consumes one raw event payload.
type Handler interface {
	HandleRaw(ctx context.Context, raw []byte)
}

// GroupLister reports which groups have a persisted blacklist.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]string, error)
}

// Server handles HTTP requests.
type Server struct {
	handler Handler
	lister  GroupLister
	logger  *slog.Logger
	secret  string
}

// Config holds server configuration.
type Config struct {
	Handler Handler
	Lister  GroupLister
	Logger  *slog.Logger
	// Secret, when set, requires a valid HMAC-SHA1 X-Signature header on
	// every pushed event (the OneBot HTTP POST signing convention).
	Secret string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		handler: cfg.Handler,
		lister:  cfg.Lister,
		logger:  cfg.Logger,
		secret:  cfg.Secret,
	}
}

// ListenAndServe sets up all routes and starts the server.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleEvent)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)
	return server.ListenAndServe()
}

// handleEvent receives one pushed OneBot event. The event is handled to
// completion before responding, so the implementation's sequential push
// delivery also serializes our handling.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		s.logger.Warn("Failed to read event body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.secret != "" && !s.verifySignature(r.Header.Get("X-Signature"), body) {
		s.logger.Warn("Rejected event push with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.handler.HandleRaw(r.Context(), body)

	// No quick operations; the moderator replies through the API.
	w.WriteHeader(http.StatusNoContent)
}

// verifySignature checks the HMAC-SHA1 signature ("sha1=<hex>") of a pushed
// event body.
func (s *Server) verifySignature(header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return false
	}

	mac := hmac.New(sha1.New, []byte(s.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(sig), []byte(want))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	groupCount := -1
	if s.lister != nil {
		groups, err := s.lister.ListGroups(r.Context())
		if err != nil {
			s.logger.Warn("Failed to list groups for health check", "error", err)
		} else {
			groupCount = len(groups)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := map[string]any{"status": "healthy"}
	if groupCount >= 0 {
		resp["tracked_groups"] = groupCount
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

// Sign computes the X-Signature header value for a body, for callers that
// need to push signed events (tests, local tooling).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha1=%s", hex.EncodeToString(mac.Sum(nil)))
}
