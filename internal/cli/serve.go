package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/aretw0/tessera/internal/config"
	sessionhttp "github.com/aretw0/tessera/pkg/adapters/http"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// NewHandler mounts the admin API and, under /app, a cookie-session echo
// endpoint that shows what the middleware stores for the caller.
func NewHandler(cfg *config.Config, rt *Runtime, logger *slog.Logger, gatherer prometheus.Gatherer) http.Handler {
	opts := []sessionhttp.ServerOption{sessionhttp.WithServerLogger(logger)}
	if rt.Health != nil {
		opts = append(opts, sessionhttp.WithHealthCheck(rt.Health))
	}
	if gatherer != nil {
		opts = append(opts, sessionhttp.WithGatherer(gatherer))
	}

	r := chi.NewRouter()
	r.Mount("/", sessionhttp.NewHandler(rt.Store, cfg.Session.TTL, opts...))

	mw := sessionhttp.NewMiddleware(rt.Store, cfg.HTTP.Cookie, logger)
	r.With(sessionhttp.RequestID, mw.Handler).HandleFunc("/app", appHandler)
	return r
}

// appHandler echoes the session as JSON. Query parameters are stored into it;
// ?logout purges it.
func appHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionhttp.FromContext(r.Context())
	q := r.URL.Query()
	if q.Has("logout") {
		sess.Purge()
	} else {
		for name := range q {
			sess.Insert(name, q.Get(name))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sess.Entries()); err != nil {
		slog.Error("Response encode failed", "err", err)
	}
}

// Serve runs the HTTP server and the backend sweeper until ctx is cancelled,
// then shuts the server down within cfg.HTTP.ShutdownTimeout.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := NewRuntime(ctx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("error initializing session store: %w", err)
	}
	defer rt.Close()

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}
	return serve(ctx, ln, cfg, rt, logger, NewHandler(cfg, rt, logger, reg))
}

func serve(ctx context.Context, ln net.Listener, cfg *config.Config, rt *Runtime, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting tessera server", "addr", ln.Addr().String(), "backend", cfg.Backend)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if rt.Sweep != nil {
		g.Go(func() error {
			return rt.Sweep(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down tessera server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown did not complete", "timeout", cfg.HTTP.ShutdownTimeout, "err", err)
			return srv.Close()
		}
		return nil
	})

	return g.Wait()
}
