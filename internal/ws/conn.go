package ws

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/codec"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
	"github.com/HsiangNianian/nativebridge/internal/transport"
)

// wsConn serializes writes on a websocket; gorilla allows one concurrent
// writer only.
type wsConn struct {
	conn   *websocket.Conn
	codec  codec.Codec
	mu     sync.Mutex
	closed atomic.Bool
}

func (c *wsConn) writeEnvelope(env protocol.Envelope) error {
	payload, err := c.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, payload)
}

func (c *wsConn) readEnvelope() (protocol.Envelope, error) {
	var env protocol.Envelope
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := c.codec.Unmarshal(payload, &env); err != nil {
		return env, errUndecodable{err}
	}
	return env, nil
}

type errUndecodable struct{ err error }

func (e errUndecodable) Error() string { return "undecodable message: " + e.err.Error() }
func (e errUndecodable) Unwrap() error { return e.err }

// clientConn is the transport.Conn returned by Dialer.
type clientConn struct {
	*wsConn
	logger *zap.Logger
}

func (c *clientConn) Send(env protocol.Envelope) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if err := c.writeEnvelope(env); err != nil {
		return err
	}
	logEvent(c.logger, "send client->host", env)
	return nil
}

func (c *clientConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *clientConn) readLoop(h transport.Handler) {
	for {
		env, err := c.readEnvelope()
		if err != nil {
			if _, ok := err.(errUndecodable); ok {
				c.logger.Warn("drop host message", zap.Error(err))
				continue
			}
			if c.closed.Load() {
				return
			}
			c.logger.Warn("recv host->client failed", zap.Error(err))
			_ = c.conn.Close()
			h.HandleDisconnect(fmt.Errorf("%w: %v", transport.ErrDisconnected, err))
			return
		}
		logEvent(c.logger, "recv host->client", env)
		h.HandleEnvelope(env)
	}
}

func logEvent(logger *zap.Logger, prefix string, env protocol.Envelope) {
	logger.Debug(prefix,
		zap.String("type", env.Type),
		zap.String("id", env.ID),
		zap.String("request_id", env.RequestID),
		zap.String("result", env.Result),
		zap.Bool("app_state", env.AppState != nil),
	)
}
