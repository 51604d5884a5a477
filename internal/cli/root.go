package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/config"
	"github.com/HsiangNianian/nativebridge/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the nativebridge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "nativebridge",
		Short: "Bridge to the filtering application's native host",
		Long: `nativebridge keeps one channel open to the filtering application's
native host, correlates requests with their responses, and mirrors the
application state it reports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.json with comments, .yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCallCommand(opts))
	cmd.AddCommand(NewStubHostCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// load reads the config and builds the logger it describes.
func (o *RootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Development)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
