// Package server exposes the relay's HTTP API: the upload endpoint the
// collection workflow posts session files to, plus status, health,
// authenticate, and a websocket event stream for the collection UI.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gsrlab/uploadrelay/internal/events"
	"github.com/gsrlab/uploadrelay/internal/ledger"
	"github.com/gsrlab/uploadrelay/internal/relay"
)

// shutdownTimeout bounds graceful shutdown after ctx cancellation.
const shutdownTimeout = 5 * time.Second

// Server serves the relay's HTTP API.
type Server struct {
	addr   string
	orch   *relay.Orchestrator
	ledger *ledger.Store
	hub    *events.Hub
	logger *slog.Logger
}

// New wires the HTTP layer. ledger and hub may be nil (status omits recent
// uploads; the events endpoint refuses connections).
func New(addr string, orch *relay.Orchestrator, ldg *ledger.Store, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		addr:   addr,
		orch:   orch,
		ledger: ldg,
		hub:    hub,
		logger: logger,
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// API through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/authenticate", s.handleAuthenticate)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return s.withRequestLog(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}

		return ctx.Err()

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}

// withRequestLog assigns each request an id and logs method, path, and
// duration at debug level.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()

		next.ServeHTTP(w, r)

		s.logger.Debug("request handled",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
