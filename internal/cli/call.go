package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/nativebridge/internal/bridge"
	"github.com/HsiangNianian/nativebridge/internal/events"
	"github.com/HsiangNianian/nativebridge/internal/hostapi"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	Params  string
	Timeout time.Duration
}

// CallResult is what call prints.
type CallResult struct {
	RequestID  string                    `json:"requestId"`
	Result     string                    `json:"result"`
	Parameters json.RawMessage           `json:"parameters,omitempty"`
	AppState   events.AppState           `json:"appState"`
	Update     protocol.UpdateStatusInfo `json:"updateStatusInfo"`
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <type>",
		Short: "Send one request to the host and print the response",
		Long: `Send one request to the host and print the response.

Example:
  nativebridge call setProtectionStatus --params '{"isEnabled":false}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callHost(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Params, "params", "p", "", "request parameters as a JSON object")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "time allowed to connect and get a response")

	return cmd
}

func callHost(cmd *cobra.Command, opts *CallOptions, requestType string) error {
	params, err := hostapi.ParseParams(opts.Params)
	if err != nil {
		return fmt.Errorf("invalid --params: %w", err)
	}
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	b, err := bridge.New(cfg, bridge.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Start(ctx); err != nil {
		return err
	}
	if err := b.WaitConnected(ctx); err != nil {
		return fmt.Errorf("connect to host: %w", err)
	}

	env, err := b.Client.Call(ctx, requestType, params)
	if err != nil {
		return err
	}
	snap := b.State.Snapshot()
	return writeJSON(cmd.OutOrStdout(), CallResult{
		RequestID:  env.RequestID,
		Result:     env.Result,
		Parameters: env.Parameters,
		AppState:   snap.AppState,
		Update:     snap.UpdateStatusInfo,
	})
}
