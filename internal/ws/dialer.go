// Package ws carries the host channel over websocket: Dialer is the
// client-side transport and Hub serves a host endpoint.
package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/codec"
	"github.com/HsiangNianian/nativebridge/internal/transport"
)

// Dialer connects to a host listening on a websocket URL.
type Dialer struct {
	URL       string
	AuthToken string
	Codec     codec.Codec
	Logger    *zap.Logger
}

func (d *Dialer) Dial(ctx context.Context, h transport.Handler) (transport.Conn, error) {
	if d.URL == "" {
		return nil, errors.New("host url is empty")
	}
	c := d.Codec
	if c == nil {
		c = codec.JSON
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("host_url", d.URL))

	header := http.Header{}
	if d.AuthToken != "" {
		header.Set("Authorization", "Bearer "+d.AuthToken)
	}
	logger.Info("dial host")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}
	logger.Info("host connected")

	client := &clientConn{wsConn: &wsConn{conn: conn, codec: c}, logger: logger}
	go client.readLoop(h)
	return client, nil
}
