package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/codec"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

// streamConn carries framed envelopes over a byte stream. One goroutine
// reads frames and hands them to the Handler in order.
type streamConn struct {
	r       io.Reader
	w       io.Writer
	closeFn func() error
	codec   codec.Codec
	logger  *zap.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func newStreamConn(r io.Reader, w io.Writer, closeFn func() error, c codec.Codec, h Handler, logger *zap.Logger) *streamConn {
	conn := &streamConn{
		r:       r,
		w:       w,
		closeFn: closeFn,
		codec:   c,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go conn.readLoop(h)
	return conn
}

func (c *streamConn) readLoop(h Handler) {
	defer close(c.done)
	for {
		payload, err := ReadFrame(c.r)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("recv host->client failed", zap.Error(err))
			h.HandleDisconnect(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}
		var env protocol.Envelope
		if err := c.codec.Unmarshal(payload, &env); err != nil {
			c.logger.Warn("drop undecodable frame", zap.Int("bytes", len(payload)), zap.Error(err))
			continue
		}
		h.HandleEnvelope(env)
	}
}

func (c *streamConn) Send(env protocol.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload, err := c.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.w, payload)
}

func (c *streamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.closeFn()
}

// ServeStream runs the host side of a framed stream until r fails. Each
// decoded request is passed to responder and every reply is written back
// in order. If responder is a Pusher it may also write unsolicited
// envelopes for the lifetime of the call.
func ServeStream(r io.Reader, w io.Writer, c codec.Codec, responder Responder, logger *zap.Logger) error {
	var writeMu sync.Mutex
	send := func(env protocol.Envelope) error {
		payload, err := c.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteFrame(w, payload)
	}

	if pusher, ok := responder.(Pusher); ok {
		detach := pusher.Attach(send)
		defer detach()
	}

	for {
		payload, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		var req protocol.Envelope
		if err := c.Unmarshal(payload, &req); err != nil {
			logger.Warn("drop undecodable request", zap.Error(err))
			continue
		}
		logger.Debug("recv client->host", zap.String("type", req.Type), zap.String("id", req.ID))
		for _, reply := range responder.Respond(req) {
			if err := send(reply); err != nil {
				return err
			}
		}
	}
}

// PipeDialer serves an in-process Responder over net.Pipe. Every Dial
// starts a fresh ServeStream session.
type PipeDialer struct {
	Responder Responder
	Codec     codec.Codec
	Logger    *zap.Logger
}

func (d *PipeDialer) Dial(ctx context.Context, h Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := d.Codec
	if c == nil {
		c = codec.JSON
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		if err := ServeStream(server, server, c, d.Responder, logger); err != nil {
			logger.Debug("pipe host session ended", zap.Error(err))
		}
	}()
	return newStreamConn(client, client, client.Close, c, h, logger), nil
}
