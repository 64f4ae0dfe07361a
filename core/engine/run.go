package engine

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prozess-io/prozess/core/infra/bus"
	"github.com/prozess-io/prozess/core/infra/config"
	"github.com/prozess-io/prozess/core/infra/logging"
	"github.com/prozess-io/prozess/core/infra/metrics"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Run assembles the engine from config and runs the job executor until
// SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
	}

	notifier, err := bus.NewNatsNotifier(cfg.NatsURL, "prozess-engine")
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}

	e, err := New(Options{
		Config:   *cfg,
		Notifier: notifier,
		Metrics:  metrics.NewProm("prozess"),
	})
	if err != nil {
		notifier.Close()
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := startMetricsServer(cfg.MetricsAddr)
	logging.Info("engine", "started", "metrics", cfg.MetricsAddr, "workers", cfg.JobWorkers)

	e.RunExecutor(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("engine", "http shutdown", "error", err)
	}
	logging.Info("engine", "stopped")
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("engine", "http server error", "error", err)
		}
	}()
	return srv
}
