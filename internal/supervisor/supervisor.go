// Package supervisor keeps the host channel alive. It opens the transport,
// performs the init handshake, and on disconnects or protocol errors
// closes and reopens the channel until a fixed retry budget runs out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/appstate"
	"github.com/HsiangNianian/nativebridge/internal/correlator"
	"github.com/HsiangNianian/nativebridge/internal/events"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
	"github.com/HsiangNianian/nativebridge/internal/transport"
)

// DefaultMaxRetries is the reconnect budget per failure episode.
const DefaultMaxRetries = 5

var ErrRetryBudgetExhausted = errors.New("disconnected from native host: could not find correct app manifest or host is not responding")

// Status is the connection state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reinitializing
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reinitializing:
		return "reinitializing"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Options configure a Supervisor.
type Options struct {
	Dialer     transport.Dialer
	Correlator *correlator.Correlator
	State      *appstate.Synchronizer
	Broker     *events.Broker
	Logger     *zap.Logger

	MaxRetries  int
	DialTimeout time.Duration

	// Reported to the host in the init handshake.
	Version    string
	APIVersion int
	UserAgent  string
}

type cause int

const (
	causeDisconnect cause = iota
	causeProtocol
)

type eventKind int

const (
	evStart eventKind = iota
	evDeinit
	evFailure
	evHandshake
)

type event struct {
	kind  eventKind
	gen   uint64
	cause cause
	err   error
	env   protocol.Envelope
	done  chan struct{}
}

// Supervisor owns the connection state machine. All transitions run on
// the goroutine executing Run.
type Supervisor struct {
	dialer      transport.Dialer
	correlator  *correlator.Correlator
	state       *appstate.Synchronizer
	broker      *events.Broker
	logger      *zap.Logger
	maxRetries  int
	dialTimeout time.Duration
	initParams  protocol.InitParameters

	events  chan event
	exited  chan struct{}
	running atomic.Bool
	gen     atomic.Uint64

	// Owned by the Run goroutine.
	status  Status
	retries int
	conn    transport.Conn

	viewMu      sync.RWMutex
	viewStatus  Status
	viewRetries int
	viewChanged chan struct{}
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		dialer:      opts.Dialer,
		correlator:  opts.Correlator,
		state:       opts.State,
		broker:      opts.Broker,
		logger:      opts.Logger,
		maxRetries:  opts.MaxRetries,
		dialTimeout: opts.DialTimeout,
		initParams: protocol.InitParameters{
			Version:    opts.Version,
			APIVersion: opts.APIVersion,
			UserAgent:  opts.UserAgent,
			Type:       protocol.AssistantNative,
		},
		events:      make(chan event, 64),
		exited:      make(chan struct{}),
		viewChanged: make(chan struct{}),
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.dialTimeout <= 0 {
		s.dialTimeout = 10 * time.Second
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.broker == nil {
		s.broker = s.state.Broker()
	}
	s.retries = s.maxRetries
	s.publishView()

	s.correlator.SetHooks(correlator.Hooks{
		OnSettled:      s.publishSettled,
		OnHostError:    func(err error) { s.signal(causeProtocol, err) },
		OnWriteFailure: func(err error) { s.signal(causeProtocol, err) },
	})
	return s
}

// Run processes supervisor events until ctx is done, then tears the
// channel down. It must be running for Start and Deinit to take effect.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return errors.New("supervisor already running")
	}
	defer close(s.exited)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			s.setStatus(Disconnected)
			return ctx.Err()
		case ev := <-s.events:
			s.handle(ctx, ev)
			if ev.done != nil {
				close(ev.done)
			}
		}
	}
}

// Start opens the channel if it is not already open or opening.
func (s *Supervisor) Start() {
	s.post(event{kind: evStart})
}

// Deinit closes the channel from any state and waits until that is done.
// Calling it again, or before Run, is harmless.
func (s *Supervisor) Deinit() {
	if !s.running.Load() {
		return
	}
	done := make(chan struct{})
	if !s.post(event{kind: evDeinit, done: done}) {
		return
	}
	select {
	case <-done:
	case <-s.exited:
	}
}

// Status returns the current connection state.
func (s *Supervisor) Status() Status {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.viewStatus
}

// RetriesRemaining returns what is left of the reconnect budget.
func (s *Supervisor) RetriesRemaining() int {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.viewRetries
}

// Changed returns a channel that is closed at the next change of Status
// or RetriesRemaining. Read the channel before the values it guards.
func (s *Supervisor) Changed() <-chan struct{} {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.viewChanged
}

func (s *Supervisor) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.exited:
		return false
	}
}

// signal reports a protocol-level failure observed outside the loop.
func (s *Supervisor) signal(c cause, err error) {
	s.post(event{kind: evFailure, gen: s.gen.Load(), cause: c, err: err})
}

func (s *Supervisor) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evStart:
		if s.status != Disconnected {
			s.logger.Debug("start ignored", zap.Stringer("status", s.status))
			return
		}
		s.logger.Info("init")
		s.connect(ctx)
	case evDeinit:
		s.logger.Info("deinit")
		s.teardown()
		s.setStatus(Disconnected)
	case evFailure:
		if ev.gen != s.gen.Load() {
			s.logger.Debug("stale failure ignored", zap.Error(ev.err))
			return
		}
		s.fail(ctx, ev.cause, ev.err)
	case evHandshake:
		if ev.gen != s.gen.Load() {
			return
		}
		s.completeHandshake(ev.env, ev.err)
	}
}

func (s *Supervisor) connect(ctx context.Context) {
	gen := s.gen.Add(1)
	s.setStatus(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.handlerFor(gen))
	cancel()
	if err != nil {
		s.logger.Error("open host channel failed", zap.Error(err))
		s.fail(ctx, causeDisconnect, fmt.Errorf("%w: %v", transport.ErrDisconnected, err))
		return
	}
	s.conn = conn
	s.correlator.Attach(conn)
	go s.handshake(ctx, gen)
}

func (s *Supervisor) handshake(ctx context.Context, gen uint64) {
	env, err := s.correlator.Send(ctx, protocol.Request{
		Type:       protocol.TypeInit,
		Parameters: s.initParams,
	}, protocol.PrefixInit)
	s.post(event{kind: evHandshake, gen: gen, env: env, err: err})
}

func (s *Supervisor) completeHandshake(env protocol.Envelope, err error) {
	if err != nil {
		if !errors.Is(err, correlator.ErrConnectionLost) {
			s.logger.Error("init handshake failed", zap.Error(err))
		}
		return
	}

	var result protocol.InitResult
	if err := env.DecodeParameters(&result); err != nil {
		s.logger.Error("decode init response", zap.Error(err))
	}
	info := protocol.UpdateStatusInfo{
		IsAppUpToDate:     s.initParams.APIVersion <= result.APIVersion,
		IsValidatedOnHost: result.IsValidatedOnHost,
	}
	host := protocol.HostInfo{Platform: result.Platform, Version: result.Version}
	if err := s.state.ApplyHandshake(env.AppState, info, host); err != nil {
		s.logger.Error("init response carried invalid app state", zap.Error(err))
	}

	s.retries = s.maxRetries
	s.setStatus(Connected)
	s.logger.Info("connected to native host",
		zap.String("platform", host.Platform),
		zap.String("version", host.Version),
		zap.Int("api_version", result.APIVersion),
		zap.Bool("up_to_date", info.IsAppUpToDate),
		zap.Bool("validated", info.IsValidatedOnHost),
	)
	if !info.IsAppUpToDate || !info.IsValidatedOnHost {
		s.broker.Publish(events.Event{Kind: events.ShowSetupIncorrect})
	}
}

func (s *Supervisor) fail(ctx context.Context, c cause, err error) {
	if s.status == Disconnected {
		s.logger.Debug("failure while disconnected ignored", zap.Error(err))
		return
	}
	s.setStatus(Reinitializing)
	s.retries--
	s.publishView()

	if s.retries > 0 {
		s.logger.Warn("reinitializing host channel", zap.Int("retries_remaining", s.retries), zap.Error(err))
		s.broker.Publish(events.Event{Kind: events.ShowReload})
		s.teardown()
		s.connect(ctx)
		return
	}

	s.teardown()
	terminal := events.ShowSetupIncorrect
	if c == causeDisconnect {
		terminal = events.ShowIsNotInstalled
	}
	s.retries = s.maxRetries
	s.setStatus(Disconnected)
	s.logger.Error(ErrRetryBudgetExhausted.Error(), zap.Error(err))
	s.broker.Publish(events.Event{Kind: terminal, Err: fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, err)})
}

// teardown closes the current channel. Outstanding requests are rejected
// rather than left to time out.
func (s *Supervisor) teardown() {
	s.gen.Add(1)
	s.correlator.Attach(nil)
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("close host channel", zap.Error(err))
		}
		s.conn = nil
	}
	s.correlator.FailAll(correlator.ErrConnectionLost)
}

func (s *Supervisor) handlerFor(gen uint64) transport.Handler {
	return transport.HandlerFuncs{
		OnEnvelope: func(env protocol.Envelope) {
			if gen != s.gen.Load() {
				return
			}
			s.handleEnvelope(env)
		},
		OnDisconnect: func(err error) {
			s.post(event{kind: evFailure, gen: gen, cause: causeDisconnect, err: err})
		},
	}
}

// handleEnvelope runs on the transport's read goroutine.
func (s *Supervisor) handleEnvelope(env protocol.Envelope) {
	own := env.HasPrefixFamily(protocol.PrefixFamily)
	if env.IsResponse() && !own {
		s.logger.Debug("ignore foreign response", zap.String("request_id", env.RequestID))
		return
	}

	if env.AppState != nil {
		if _, err := s.state.Merge(env.AppState); err != nil {
			s.logger.Warn("host sent invalid app state", zap.String("request_id", env.RequestID), zap.Error(err))
		}
	}

	if own {
		s.correlator.Dispatch(env)
	}
}

// publishSettled reports a response that settled one of our requests.
// Duplicates and unknown ids never get here.
func (s *Supervisor) publishSettled(env protocol.Envelope) {
	kind := events.OK
	if env.Result != protocol.ResultOK {
		kind = events.Error
	}
	s.broker.Publish(events.Event{Kind: kind, Envelope: &env})
}

func (s *Supervisor) setStatus(status Status) {
	if s.status != status {
		s.logger.Debug("connection status", zap.Stringer("from", s.status), zap.Stringer("to", status))
	}
	s.status = status
	s.publishView()
}

func (s *Supervisor) publishView() {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if s.viewStatus == s.status && s.viewRetries == s.retries {
		return
	}
	s.viewStatus = s.status
	s.viewRetries = s.retries
	close(s.viewChanged)
	s.viewChanged = make(chan struct{})
}
