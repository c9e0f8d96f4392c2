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

	v1 "github.com/vinayprograms/specpilot/internal/transport/http/v1"
)

// Run serves the HTTP API until interrupted.
func (s *ServeCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if s.Addr != "" {
		cfg.Server.Addr = s.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := newRuntime(cfg, globalCreds)
	if err := rt.setup(ctx); err != nil {
		return err
	}

	srv := v1.NewServer(v1.NewHandler(rt.engine, version))
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("http server listening", map[string]interface{}{"addr": cfg.Server.Addr})
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			rt.close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("http shutdown", map[string]interface{}{"error": err.Error()})
	}
	rt.close(shutdownCtx)
	return nil
}
