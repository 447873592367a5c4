package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/attendsync/internal/bridge"
	"github.com/kimhsiao/attendsync/internal/config"
	"github.com/kimhsiao/attendsync/internal/logging"
)

// errNoConfig means PersistentPreRunE did not run.
var errNoConfig = errors.New("no config found in context")

func serveCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device agent and the local bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errNoConfig
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveRun(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "bridge listen address (overrides server.listen)")
	return cmd
}

// serveRun blocks until ctx is cancelled or the bridge fails.
func serveRun(ctx context.Context, cfg *config.Config, opts ...agentOption) error {
	a, err := newAgent(cfg, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	logging.Info("attendsync agent starting", map[string]interface{}{
		"version":  Version,
		"backend":  a.client.BaseURL(),
		"driver":   cfg.Queue.Driver,
		"location": cfg.Device.Location,
		"listen":   cfg.Server.Listen,
	})
	if !a.tokens.HasToken() {
		logging.Warn("No session token stored; run `attendsync token set` before scanning", nil)
	}

	a.orch.Start(ctx)

	bridgeOpts := []bridge.Option{bridge.WithLocation(cfg.Device.Location)}
	if a.registry != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithMetrics(a.registry))
	}
	srv := bridge.NewServer(a.orch, bridge.NewHub(), bridgeOpts...)

	err = srv.ListenAndServe(ctx, cfg.Server.Listen)
	logging.Info("attendsync agent stopping", nil)
	return err
}
