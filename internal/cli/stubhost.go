package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/bridge"
	"github.com/HsiangNianian/nativebridge/internal/codec"
	"github.com/HsiangNianian/nativebridge/internal/config"
	"github.com/HsiangNianian/nativebridge/internal/transport"
	"github.com/HsiangNianian/nativebridge/internal/ws"
)

// StubHostOptions holds flags for the stub-host command.
type StubHostOptions struct {
	*RootOptions
	Stdio      bool
	ListenAddr string
}

// NewStubHostCommand creates the stub-host command.
func NewStubHostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StubHostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stub-host",
		Short: "Serve a scripted host for development",
		Long: `Serve a scripted host that answers every request with ok and a healthy
app state. With --stdio it speaks native messaging on stdin/stdout and can
be used as host.command; otherwise it serves websocket clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveStubHost(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Stdio, "stdio", false, "serve native messaging on stdin/stdout")
	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "websocket listen address (default from config)")

	return cmd
}

func serveStubHost(cmd *cobra.Command, opts *StubHostOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	c, err := codec.ByName(cfg.Host.Codec)
	if err != nil {
		return err
	}
	host := bridge.NewStubHost(cfg.StubHost, logger)

	if opts.Stdio {
		logger.Info("stub host serving stdio")
		return transport.ServeStream(cmd.InOrStdin(), cmd.OutOrStdout(), c, host, logger)
	}

	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = cfg.StubHost.ListenAddr
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveHub(ctx, ln, cfg.StubHost, ws.NewHub(host, cfg.StubHost.AuthToken, c, logger.Named("hub")), logger)
}

func serveHub(ctx context.Context, ln net.Listener, cfg config.StubHostConfig, hub *ws.Hub, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, hub.HandleClient)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("stub host listening", zap.String("addr", ln.Addr().String()), zap.String("path", cfg.Path))
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	hub.DisconnectAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
