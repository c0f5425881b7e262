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

	"github.com/glimte/mmate-relay/internal/config"
	"github.com/spf13/cobra"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		listen string
		echo   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay: the negotiate endpoint, the push hub, the queue and blob
gateways and the broker triggers that deliver cloud messages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, appOptions{echo: echo})
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address, overrides the configuration")
	cmd.Flags().BoolVar(&echo, "echo", false, "Answer every cloud message from a built-in endpoint (diagnostics)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, opts appOptions) error {
	logger := cfg.Log.NewLogger(os.Stderr)

	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("Shutdown finished with errors", "error", err)
		}
	}()
	if err := a.start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", "addr", cfg.Listen, "publicUrl", cfg.PublicURL, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", cfg.Shutdown)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", "error", err)
	}
	return nil
}
