// Package appbootstrap wires the stores, engines and workers together
// and owns process lifecycle.
package appbootstrap

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"kestrel-alert/config"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

const shutdownTimeout = 15 * time.Second

// RunApp starts the full service and blocks until SIGINT/SIGTERM.
func RunApp(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := utils.NewLogger()

	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		return err
	}

	rt := composeRuntime(cfg, db, logger)

	rt.queue.StartWithContext(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.queue.StopWithContext(stopCtx); err != nil {
			logger.Errorf("bootstrap: stop queue: %v", err)
		}
	}()

	// One reconcile pass at startup catches incidents orphaned by the
	// previous process before the cron cadence kicks in.
	go rt.reconciler.RunOnce(ctx)
	if err := rt.reconciler.Start(); err != nil {
		return err
	}
	defer rt.reconciler.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rt.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("bootstrap: listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Infof("bootstrap: shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
