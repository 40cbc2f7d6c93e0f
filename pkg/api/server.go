// Package api contains the local HTTP control surface of the runtime. It
// is consumed by the desktop shell on localhost; it carries no
// authentication of its own and must not be bound to a public interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/deechat/dmcp/pkg/api/v1"
	"github.com/deechat/dmcp/pkg/logger"
	"github.com/deechat/dmcp/pkg/orchestrator"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !strings.HasPrefix(r.URL.Path, "/api/v1/events") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Router builds the control API router. The metrics handler is mounted at
// /metrics when non-nil.
func Router(orch *orchestrator.Orchestrator, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	routers := map[string]http.Handler{
		"/healthz":        v1.HealthcheckRouter(),
		"/api/v1/version": v1.VersionRouter(),
		"/api/v1/servers": v1.ServerRouter(orch),
		"/api/v1/tools":   v1.ToolRouter(orch),
		"/api/v1/events":  v1.EventsRouter(orch),
	}
	if metricsHandler != nil {
		routers["/metrics"] = metricsHandler
	}

	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Serve starts the control API on the given address and blocks until the
// context is canceled. It is assumed that the caller sets up appropriate
// signal handling.
func Serve(ctx context.Context, address string, orch *orchestrator.Orchestrator, metricsHandler http.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Router(orch, metricsHandler),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	logger.Infof("starting control API on %s", listener.Addr())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("control API stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control API shutdown failed: %w", err)
	}

	logger.Infof("control API stopped")
	return nil
}
