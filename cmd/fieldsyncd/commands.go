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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/remote"
)

const shutdownTimeout = 10 * time.Second

// NewAgentCommand runs the write-queue agent daemon.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the write-queue agent",
		Long: `Run the write-queue agent: intercepts writes for the configured origin,
drains the queue on reconnect, and serves surfaces on FIELDSYNC_LISTEN
(/ws, /wake, /network, /api/*, /metrics).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runAgent(ctx, rootOpts)
		},
	}
}

func runAgent(ctx context.Context, opts *RootOptions) error {
	cfg := opts.Config

	b, err := bus.Open(cfg.NATSURL, "fieldsyncd-agent")
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}

	d, err := newDaemon(ctx, cfg, b, nil)
	if err != nil {
		b.Close()
		return err
	}
	defer d.close()

	if err := d.start(ctx); err != nil {
		return err
	}
	return serve(ctx, cfg.Listen, d.routes())
}

// NewRemoteCommand runs the reference remote store.
func NewRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Run the reference remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg := rootOpts.Config.Remote
			gin.SetMode(cfg.GinMode)

			store, err := remote.OpenStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open remote store: %w", err)
			}
			defer store.Close()

			logging.Info("Remote store starting", map[string]interface{}{
				"listen":  cfg.Listen,
				"db_path": cfg.DBPath,
			})
			return serve(ctx, cfg.Listen, remote.NewRouter(store, remote.Options{IdempotencyTTL: ttl}))
		},
	}
	cmd.Flags().DurationVar(&ttl, "idempotency-ttl", 24*time.Hour, "how long an idempotency key marks replays")
	return cmd
}

// serve runs handler on addr until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logging.Info("HTTP server stopped", map[string]interface{}{"addr": addr})
	return nil
}
