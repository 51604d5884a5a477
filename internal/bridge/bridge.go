// Package bridge assembles one host connection and everything that
// depends on it. A Bridge is constructed, started, used through Client
// and the Broker, and closed; nothing is shared between Bridges.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/appstate"
	"github.com/HsiangNianian/nativebridge/internal/clock"
	"github.com/HsiangNianian/nativebridge/internal/codec"
	"github.com/HsiangNianian/nativebridge/internal/config"
	"github.com/HsiangNianian/nativebridge/internal/correlator"
	"github.com/HsiangNianian/nativebridge/internal/events"
	"github.com/HsiangNianian/nativebridge/internal/hostapi"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
	"github.com/HsiangNianian/nativebridge/internal/store"
	"github.com/HsiangNianian/nativebridge/internal/stubhost"
	"github.com/HsiangNianian/nativebridge/internal/supervisor"
	"github.com/HsiangNianian/nativebridge/internal/transport"
	"github.com/HsiangNianian/nativebridge/internal/ws"
)

// Options override parts of the assembly. Zero values follow the config.
type Options struct {
	Logger *zap.Logger
	Clock  clock.Clock
	// Dialer replaces the transport selected by config.
	Dialer transport.Dialer
	// Store replaces the store selected by config.
	Store store.Store
}

type Bridge struct {
	Broker     *events.Broker
	State      *appstate.Synchronizer
	Correlator *correlator.Correlator
	Supervisor *supervisor.Supervisor
	Client     *hostapi.Client
	Store      store.Store

	cfg    config.Config
	logger *zap.Logger

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	terminalErr error
	terminalCh  chan struct{}
	wg          sync.WaitGroup
}

func New(cfg config.Config, opts Options) (*Bridge, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := codec.ByName(cfg.Host.Codec)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer, err = NewDialer(cfg, c, logger)
		if err != nil {
			return nil, err
		}
	}

	st := opts.Store
	if st == nil {
		st = NewStore(cfg.Store, opts.Clock)
	}

	broker := events.NewBroker()
	localeFn := appstate.EnvLocale
	if cfg.Client.Locale != "" {
		locale := cfg.Client.Locale
		localeFn = func() string { return locale }
	}
	state := appstate.New(appstate.Options{
		Broker:     broker,
		Clock:      opts.Clock,
		Window:     cfg.Client.NotifyWindow(),
		LocaleFunc: localeFn,
		Logger:     logger.Named("appstate"),
	})
	corr := correlator.New(correlator.Options{
		Family:  protocol.PrefixFamily,
		Timeout: cfg.Host.RequestTimeout(),
		Clock:   opts.Clock,
		Logger:  logger.Named("correlator"),
	})
	sup := supervisor.New(supervisor.Options{
		Dialer:      dialer,
		Correlator:  corr,
		State:       state,
		Broker:      broker,
		Logger:      logger.Named("supervisor"),
		MaxRetries:  cfg.Host.MaxRetries,
		DialTimeout: cfg.Host.DialTimeout(),
		Version:     cfg.Client.Version,
		APIVersion:  cfg.Client.APIVersion,
		UserAgent:   cfg.Client.UserAgent,
	})

	return &Bridge{
		Broker:     broker,
		State:      state,
		Correlator: corr,
		Supervisor: sup,
		Client:     hostapi.New(corr, state, logger.Named("hostapi")),
		Store:      st,
		cfg:        cfg,
		logger:     logger,
		terminalCh: make(chan struct{}),
	}, nil
}

// NewDialer picks the transport named by cfg.Host.Transport.
func NewDialer(cfg config.Config, c codec.Codec, logger *zap.Logger) (transport.Dialer, error) {
	switch cfg.Host.Transport {
	case config.TransportStdio:
		if len(cfg.Host.Command) == 0 {
			return nil, errors.New("host.command is required for the stdio transport")
		}
		return &transport.StdioDialer{Command: cfg.Host.Command, Codec: c, Logger: logger.Named("stdio")}, nil
	case config.TransportWebsocket:
		return &ws.Dialer{URL: cfg.Host.URL, AuthToken: cfg.Host.AuthToken, Codec: c, Logger: logger.Named("ws")}, nil
	case config.TransportStub:
		return &transport.PipeDialer{Responder: NewStubHost(cfg.StubHost, logger), Codec: c, Logger: logger.Named("stub")}, nil
	}
	return nil, fmt.Errorf("unknown host transport %q", cfg.Host.Transport)
}

// NewStubHost builds the scripted host described by cfg.
func NewStubHost(cfg config.StubHostConfig, logger *zap.Logger) *stubhost.Host {
	return stubhost.New(stubhost.Options{
		APIVersion:        cfg.APIVersion,
		IsValidatedOnHost: cfg.IsValidatedOnHost,
		Version:           cfg.Version,
		Platform:          cfg.Platform,
		Logger:            logger.Named("stubhost"),
	})
}

// NewStore returns a Redis store when an address is configured.
func NewStore(cfg config.StoreConfig, c clock.Clock) store.Store {
	if cfg.RedisAddr != "" {
		return store.NewRedisStore(cfg.RedisAddr)
	}
	return store.NewMemoryStore(c)
}

// Start runs the supervisor and the store recorder and opens the channel.
// The bridge stops when ctx is done or Close is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge already started")
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	recorder := &store.Recorder{
		Store:       b.Store,
		SnapshotTTL: b.cfg.Store.SnapshotTTL(),
		SettledTTL:  b.cfg.Store.SettledTTL(),
		Logger:      b.logger.Named("recorder"),
	}
	recorded := b.Broker.Subscribe()
	watched := b.Broker.Subscribe()

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		recorder.Run(ctx, recorded)
	}()
	go func() {
		defer b.wg.Done()
		b.watch(ctx, watched)
	}()
	go func() {
		defer b.wg.Done()
		if err := b.Supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("supervisor stopped", zap.Error(err))
		}
	}()
	b.Supervisor.Start()
	return nil
}

// WaitConnected blocks until the handshake completed, the retry budget
// ran out, or ctx is done.
func (b *Bridge) WaitConnected(ctx context.Context) error {
	for {
		changed := b.Supervisor.Changed()
		if b.Supervisor.Status() == supervisor.Connected {
			return nil
		}
		b.mu.Lock()
		err, terminal := b.terminalErr, b.terminalCh
		b.mu.Unlock()
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-terminal:
		}
	}
}

// watch remembers the last retry budget exhaustion.
func (b *Bridge) watch(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Err != nil && errors.Is(ev.Err, supervisor.ErrRetryBudgetExhausted) {
				b.mu.Lock()
				b.terminalErr = ev.Err
				close(b.terminalCh)
				b.terminalCh = make(chan struct{})
				b.mu.Unlock()
			}
		}
	}
}

// Close deinitializes the channel and releases everything Start began.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		b.Supervisor.Deinit()
		cancel()
		b.wg.Wait()
	}
	b.State.Close()
	b.Broker.Close()
	return b.Store.Close()
}
