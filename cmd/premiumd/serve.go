package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	premiummw "github.com/mihaimyh/gopremium/middleware/http"
	"github.com/mihaimyh/gopremium/pkg/api"
	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

var ledgerCleanup bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve provider webhooks and the entitlement API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(envFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&ledgerCleanup, "ledger-cleanup", false, "prune the webhook ledger hourly from this process")
}

func runServer(ctx context.Context, cfg *Config) error {
	a, err := newApp(ctx, cfg, ledgerCleanup)
	if err != nil {
		return err
	}
	defer a.close()

	router, err := newRouter(cfg, routerDeps{
		log:       a.log,
		manager:   a.manager,
		providers: a.providers,
		restorer:  restorerOf(a),
		registry:  a.registry,
		health:    a.storage.Ping,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", cfg.HTTPAddr).Str("version", Version).Msg("premiumd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// restorerOf avoids handing api a typed nil when the App Store is disabled.
func restorerOf(a *app) api.Restorer {
	if a.apple == nil {
		return nil
	}
	return a.apple
}

type routerDeps struct {
	log       zerolog.Logger
	manager   *entitlement.Manager
	providers []billing.Provider
	restorer  api.Restorer
	registry  *prometheus.Registry
	health    func(context.Context) error
}

func newRouter(cfg *Config, deps routerDeps) (http.Handler, error) {
	getUserID := api.FromHeader(cfg.UserHeader)
	handler, err := api.NewHandler(api.Config{
		Manager:         deps.manager,
		GetUserID:       getUserID,
		Providers:       deps.providers,
		Restorer:        deps.restorer,
		SyncTimeout:     cfg.SyncTimeout,
		RecomputeOnRead: cfg.RecomputeOnRead,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.health(ctx); err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{Registry: deps.registry}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		for _, p := range deps.providers {
			r.Method(http.MethodPost, webhookPath(p.Name()), p.WebhookHandler())
		}

		r.Mount("/", handler.Routes())
		r.Mount("/internal", handler.InternalRoutes())

		// Sample premium-gated route for consumers wiring the middleware.
		r.With(premiummw.RequirePremium(premiummw.Config{
			Checker:   deps.manager,
			GetUserID: premiummw.UserIDExtractor(getUserID),
		})).Get("/v1/premium/ping", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Premium-User", premiummw.UserID(r.Context()))
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r, nil
}

func webhookPath(provider string) string {
	if provider == "appstore" {
		return "/webhooks/apple"
	}
	return "/webhooks/" + provider
}

// requestLogger logs one line per request through zerolog.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			event := log.Info()
			if ww.Status() >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
