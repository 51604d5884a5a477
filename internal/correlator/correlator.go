// Package correlator matches host responses to the requests that caused
// them. Every outgoing request gets a fresh prefixed id and a pending
// record with its own timeout; the first of match, timeout, write failure
// or teardown settles the record and removes it.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/clock"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
	"github.com/HsiangNianian/nativebridge/internal/transport"
)

// DefaultTimeout is how long a request waits for its response.
const DefaultTimeout = 60 * time.Second

var (
	ErrTransportWrite  = errors.New("failed to write request to host")
	ErrResponseTimeout = errors.New("native host is not responding")
	ErrConnectionLost  = errors.New("connection to native host was reset")
	ErrNotConnected    = errors.New("not connected to native host")
	ErrHostError       = errors.New("native host responded with an error")
)

// HostError is returned when the host answers with a non-ok result.
type HostError struct {
	Result    string
	RequestID string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("native host responded with status: %s", e.Result)
}

func (e *HostError) Is(target error) bool { return target == ErrHostError }

// Hooks observe the pending table. The supervisor uses them to report
// settled responses and to start reinitialization.
type Hooks struct {
	// OnSettled runs once for each response that settled a pending
	// request, before the caller is woken.
	OnSettled func(env protocol.Envelope)
	// OnHostError runs after a request was rejected with a HostError.
	OnHostError func(err error)
	// OnWriteFailure runs after a request could not be written.
	OnWriteFailure func(err error)
}

// Options configure a Correlator. Zero values select the defaults.
type Options struct {
	Family  string
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *zap.Logger
	Hooks   Hooks
	// NewID returns the random part of a request id.
	NewID func() string
}

type outcome struct {
	env protocol.Envelope
	err error
}

type pendingRequest struct {
	id        string
	createdAt time.Time
	done      chan outcome
	timer     clock.Timer
}

// Correlator owns the pending-request table.
type Correlator struct {
	family  string
	timeout time.Duration
	clock   clock.Clock
	logger  *zap.Logger
	hooks   Hooks
	newID   func() string

	mu      sync.Mutex
	conn    transport.Conn
	pending map[string]*pendingRequest
}

func New(opts Options) *Correlator {
	c := &Correlator{
		family:  opts.Family,
		timeout: opts.Timeout,
		clock:   opts.Clock,
		logger:  opts.Logger,
		hooks:   opts.Hooks,
		newID:   opts.NewID,
		pending: make(map[string]*pendingRequest),
	}
	if c.family == "" {
		c.family = protocol.PrefixFamily
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// SetHooks replaces the failure hooks. It must be called before requests
// are issued.
func (c *Correlator) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// Attach makes conn the channel for subsequent requests. A nil conn
// detaches; requests then fail as write failures.
func (c *Correlator) Attach(conn transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// Send issues req with an id in the idPrefix namespace and blocks until
// the matching response arrives, the timeout elapses, or ctx is done.
func (c *Correlator) Send(ctx context.Context, req protocol.Request, idPrefix string) (protocol.Envelope, error) {
	if idPrefix == "" {
		idPrefix = c.family
	}
	env := protocol.Envelope{
		ID:   idPrefix + "_" + c.newID(),
		Type: req.Type,
	}
	if req.Parameters != nil {
		params, err := json.Marshal(req.Parameters)
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("encode %s parameters: %w", req.Type, err)
		}
		env.Parameters = params
	}

	p := &pendingRequest{
		id:        env.ID,
		createdAt: c.clock.Now(),
		done:      make(chan outcome, 1),
	}

	c.mu.Lock()
	conn := c.conn
	hooks := c.hooks
	c.pending[p.id] = p
	p.timer = c.clock.AfterFunc(c.timeout, func() {
		if c.settle(p.id, outcome{err: fmt.Errorf("%w: request %s after %s", ErrResponseTimeout, p.id, c.timeout)}) {
			c.logger.Warn("request timed out", zap.String("id", p.id), zap.String("type", req.Type))
		}
	})
	c.mu.Unlock()

	c.logger.Info("request", zap.String("id", env.ID), zap.String("type", env.Type))

	var err error
	if conn == nil {
		err = ErrNotConnected
	} else {
		err = conn.Send(env)
	}
	if err != nil {
		werr := fmt.Errorf("%w: %v", ErrTransportWrite, err)
		c.settle(p.id, outcome{err: werr})
		c.logger.Error("request write failed", zap.String("id", env.ID), zap.Error(err))
		if hooks.OnWriteFailure != nil {
			hooks.OnWriteFailure(werr)
		}
		return protocol.Envelope{}, werr
	}

	select {
	case out := <-p.done:
		return out.env, out.err
	case <-ctx.Done():
		if c.settle(p.id, outcome{err: ctx.Err()}) {
			return protocol.Envelope{}, ctx.Err()
		}
		out := <-p.done
		return out.env, out.err
	}
}

// Dispatch offers an inbound envelope to the pending table. It reports
// whether the envelope settled a request. Pushes, envelopes from other
// issuers and responses to ids that are not pending are ignored.
func (c *Correlator) Dispatch(env protocol.Envelope) bool {
	if !env.HasPrefixFamily(c.family) {
		return false
	}
	p := c.take(env.RequestID)
	if p == nil {
		c.logger.Debug("response matches no pending request", zap.String("request_id", env.RequestID))
		return false
	}

	out := outcome{env: env}
	var herr *HostError
	if env.Result != protocol.ResultOK {
		herr = &HostError{Result: env.Result, RequestID: env.RequestID}
		out.err = herr
	}

	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	if hooks.OnSettled != nil {
		hooks.OnSettled(env)
	}
	c.finish(p, out)

	if herr != nil {
		c.logger.Error("host rejected request", zap.String("request_id", env.RequestID), zap.String("result", env.Result))
		if hooks.OnHostError != nil {
			hooks.OnHostError(herr)
		}
	}
	return true
}

// FailAll rejects every outstanding request with err and returns how many
// were rejected.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	victims := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		delete(c.pending, id)
		p.timer.Stop()
		victims = append(victims, p)
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.done <- outcome{err: err}
	}
	if len(victims) > 0 {
		c.logger.Warn("rejected outstanding requests", zap.Int("count", len(victims)), zap.Error(err))
	}
	return len(victims)
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes the record for id and delivers out. Only the first call
// for an id has any effect.
func (c *Correlator) settle(id string, out outcome) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	c.finish(p, out)
	return true
}

// take removes and returns the pending record for id, or nil.
func (c *Correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) finish(p *pendingRequest, out outcome) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
}
