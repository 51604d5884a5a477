package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/bridge"
	"github.com/HsiangNianian/nativebridge/internal/config"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the host and print notifications until interrupted",
		Long: `Connect to the host and print every notification as one JSON line:
STATE_UPDATED snapshots, OK/ERROR responses, and the SHOW_* connection
notices.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, cmd, cfg, logger)
		},
	}
	return cmd
}

func runBridge(ctx context.Context, cmd *cobra.Command, cfg config.Config, logger *zap.Logger) error {
	b, err := bridge.New(cfg, bridge.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer b.Close()

	sub := b.Broker.Subscribe()
	defer sub.Unsubscribe()
	if err := b.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := writeEvent(out, ev); err != nil {
				return err
			}
		}
	}
}
