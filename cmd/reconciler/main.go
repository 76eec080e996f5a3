package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/config"
	"courier/internal/httpapi"
	"courier/internal/logging"
	"courier/internal/observability"
	"courier/internal/reconcile"
	"courier/internal/store/pg"
)

func main() {
	cfg := config.LoadReconciler()
	logging.Init("reconciler", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("reconciler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(healthMux),
	}
	go func() {
		slog.Info("reconciler health listening", "port", cfg.Port)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("reconciler health server failed", "err", err)
		}
	}()
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}
	go func() {
		slog.Info("reconciler metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("reconciler metrics server failed", "err", err)
		}
	}()

	reconciler := reconcile.NewReconciler(store)
	interval := time.Duration(cfg.SyncIntervalSeconds) * time.Second

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("reconciler starting", "interval", interval)
	syncAll(ctx, store, reconciler)

	for {
		select {
		case <-ticker.C:
			syncAll(ctx, store, reconciler)
		case sig := <-sigCh:
			slog.Info("reconciler shutdown", "signal", sig.String())
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = healthSrv.Shutdown(shutdownCtx)
			_ = metricsSrv.Shutdown(shutdownCtx)
			shutdownCancel()
			return
		}
	}
}

// syncAll runs one pass over every configured mailbox. A failing mailbox
// never blocks the others.
func syncAll(ctx context.Context, store *pg.Store, reconciler *reconcile.Reconciler) {
	ids, err := store.ListMailboxIDs(ctx)
	if err != nil {
		slog.Error("list mailboxes failed", "err", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := reconciler.SyncMailbox(ctx, id); err != nil {
			slog.Error("mailbox sync failed", "err", err, "mailbox_id", id)
		}
	}
}
