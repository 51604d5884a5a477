package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/nativebridge/internal/bridge"
	"github.com/HsiangNianian/nativebridge/internal/events"
	"github.com/HsiangNianian/nativebridge/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	RequestIDs []string
}

// StatusReport is what status prints.
type StatusReport struct {
	Snapshot *events.Snapshot  `json:"snapshot"`
	Settled  map[string]string `json:"settled,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the state last mirrored by a running bridge",
		Long: `Print the app state snapshot a running bridge mirrored into the store,
and the outcome of the given request ids. Requires store.redis_addr; the
in-memory store does not outlive its process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStatus(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.RequestIDs, "request", nil, "request id to look up (repeatable)")

	return cmd
}

func printStatus(cmd *cobra.Command, opts *StatusOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st := bridge.NewStore(cfg.Store, nil)
	defer st.Close()
	return reportStatus(cmd, st, opts.RequestIDs)
}

func reportStatus(cmd *cobra.Command, st store.Store, requestIDs []string) error {
	ctx := cmd.Context()
	report := StatusReport{}

	snap, ok, err := st.GetSnapshot(ctx, store.CurrentSnapshot)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if ok {
		report.Snapshot = &snap
	}
	for _, id := range requestIDs {
		result, err := st.SettledStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("read request %s: %w", id, err)
		}
		if report.Settled == nil {
			report.Settled = make(map[string]string)
		}
		if result == "" {
			result = "unknown"
		}
		report.Settled[id] = result
	}
	return writeJSON(cmd.OutOrStdout(), report)
}
