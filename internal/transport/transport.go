// Package transport owns the physical channel to the host process. It
// moves envelopes and reports disconnects; correlation and retry policy
// live above it.
package transport

import (
	"context"
	"errors"

	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

var (
	// ErrDisconnected wraps the cause reported to Handler.HandleDisconnect.
	ErrDisconnected = errors.New("host channel disconnected")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("host channel closed")
)

// Handler receives the inbound side of a Conn. Calls are made from a
// single goroutine per Conn, in the order the transport delivers them.
// HandleDisconnect is not called after the local side closed the Conn.
type Handler interface {
	HandleEnvelope(env protocol.Envelope)
	HandleDisconnect(err error)
}

// HandlerFuncs adapts two functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnEnvelope   func(env protocol.Envelope)
	OnDisconnect func(err error)
}

func (h HandlerFuncs) HandleEnvelope(env protocol.Envelope) {
	if h.OnEnvelope != nil {
		h.OnEnvelope(env)
	}
}

func (h HandlerFuncs) HandleDisconnect(err error) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

// Conn is one open channel.
type Conn interface {
	// Send writes env synchronously. An error means the envelope did not
	// reach the channel.
	Send(env protocol.Envelope) error
	// Close tears the channel down. It is safe to call more than once.
	Close() error
}

// Dialer opens channels to the host.
type Dialer interface {
	Dial(ctx context.Context, h Handler) (Conn, error)
}

// Responder answers requests on the host side of a channel. It is used by
// stub hosts served over ServeStream or ws.Hub.
type Responder interface {
	Respond(req protocol.Envelope) []protocol.Envelope
}

// Pusher is implemented by responders that emit unsolicited envelopes.
// Attach hands the responder a send function for one session and
// returns a function that detaches it.
type Pusher interface {
	Attach(send func(protocol.Envelope) error) (detach func())
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(req protocol.Envelope) []protocol.Envelope

func (f ResponderFunc) Respond(req protocol.Envelope) []protocol.Envelope { return f(req) }
