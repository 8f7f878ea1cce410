// Package api exposes a read-only HTTP status surface for a batch run:
// health, a snapshot of run progress, and a live SSE event stream. It
// observes the run through the events hub and never feeds back into
// scheduling.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/drover/internal/events"
)

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is an optional bearer token; empty disables authentication
	// (loopback-only deployments).
	APIKey string
}

// Server is the HTTP status server.
type Server struct {
	config    Config
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	mu   sync.Mutex
	snap RunSnapshot
}

// RunSnapshot is the current run's progress as seen through the event stream.
type RunSnapshot struct {
	RunID     string `json:"run_id"`
	Targets   int    `json:"targets"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Stalls    int    `json:"stalls"`
	Finished  bool   `json:"finished"`
}

// New creates a new API server instance.
func New(config Config, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// routes builds the HTTP handler. No timeout middleware: /v1/events holds its
// connection open for the lifetime of the run.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/run", s.handleRun)
		r.Get("/v1/events", s.handleEvents)
	})
	return r
}

// Start runs the HTTP server and the snapshot tracker until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.config.Listen,
		Handler: s.routes(),
	}

	go s.trackRun(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.config.Listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// trackRun folds the event stream into the run snapshot.
func (s *Server) trackRun(ctx context.Context) {
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.applyEvent(ev)
		}
	}
}

func (s *Server) applyEvent(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case events.TypeRunStarted:
		var data struct {
			RunID   string `json:"run_id"`
			Targets int    `json:"targets"`
		}
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			s.snap = RunSnapshot{RunID: data.RunID, Targets: data.Targets}
		}
	case events.TypeCompleted:
		var data struct {
			Succeeded bool `json:"succeeded"`
		}
		s.snap.Completed++
		if err := json.Unmarshal(ev.Data, &data); err == nil && !data.Succeeded {
			s.snap.Failed++
		}
	case events.TypeStalled:
		s.snap.Stalls++
	case events.TypeDead:
		s.snap.Completed++
		s.snap.Failed++
	case events.TypeRunFinished:
		s.snap.Finished = true
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header || token != s.config.APIKey {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
