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

	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/trace"
)

func main() {
	if err := initializeSystem(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx := context.Background()

	if err := run(ctx); err != nil {
		logger.ErrorWithErr(ctx, "Gateway stopped with error", err)
		shutdownTracer()
		os.Exit(1)
	}
	shutdownTracer()
}

func run(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	b, err := initializeBackend(ctx, cfg)
	if err != nil {
		return err
	}
	journal, maintenance, err := initializeJournal(ctx, cfg)
	if err != nil {
		return err
	}
	srv := initializeServer(cfg, b, journal)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if b.warmer != nil {
		b.warmer.Start()
	}
	if maintenance != nil {
		maintenance.Start()
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Gateway listening", "addr", httpSrv.Addr, "provider", cfg.Broker.Provider)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-sigc:
		logger.Info(ctx, "Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if maintenance != nil {
		<-maintenance.Stop().Done()
	}
	if b.warmer != nil {
		b.warmer.Stop(shutdownCtx)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info(ctx, "Gateway stopped")
	return nil
}

func shutdownTracer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = trace.Shutdown(ctx)
}
