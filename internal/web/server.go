// Package web serves the JSON HTTP API over the ops layer.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hpungsan/counsel/internal/logging"
	"github.com/hpungsan/counsel/internal/ops"
)

// ShutdownTimeout bounds graceful shutdown once the run context ends.
const ShutdownTimeout = 5 * time.Second

// NewServer creates the HTTP server for the counsel API.
func NewServer(deps *ops.Deps, version, addr string, log *slog.Logger) *http.Server {
	h := &Handlers{deps: deps, version: version, logger: logging.OrDefault(log)}

	return &http.Server{
		Addr:              addr,
		Handler:           securityHeaders(h.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /version", h.HandleVersion)

	mux.HandleFunc("POST /turns", h.HandleProcessTurn)
	mux.HandleFunc("POST /turns/batch", h.HandleProcessBatch)

	mux.HandleFunc("GET /conversations", h.HandleListConversations)
	mux.HandleFunc("POST /conversations", h.HandleCreateConversation)
	mux.HandleFunc("GET /conversations/{id}", h.HandleGetConversation)
	mux.HandleFunc("POST /conversations/{id}/close", h.HandleCloseConversation)
	mux.HandleFunc("GET /conversations/{id}/summary", h.HandleSummary)

	mux.HandleFunc("GET /knowledge/search", h.HandleSearch)
	mux.HandleFunc("POST /knowledge/answer", h.HandleAnswer)
	mux.HandleFunc("POST /knowledge/documents", h.HandleAddDocument)
	mux.HandleFunc("POST /knowledge/refresh", h.HandleRefresh)

	mux.HandleFunc("GET /rules", h.HandleListRules)
	mux.HandleFunc("GET /templates/{phase}", h.HandleGetTemplate)

	mux.HandleFunc("GET /automation/status", h.HandleAutomationStatus)
	mux.HandleFunc("POST /automation/workflows", h.HandleRunWorkflow)
	mux.HandleFunc("DELETE /automation/workflows/{id}", h.HandleStopWorkflow)

	return mux
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	log = logging.OrDefault(log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("counsel API listening", "addr", srv.Addr)
	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "[::]") {
		log.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
