package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/codec"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
	"github.com/HsiangNianian/nativebridge/internal/transport"
)

// Hub serves the host side of the channel. Requests from each client are
// answered by the Responder; Broadcast pushes to every connected client.
type Hub struct {
	responder transport.Responder
	authToken string
	codec     codec.Codec
	logger    *zap.Logger

	upgrader websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[*wsConn]struct{}
}

func NewHub(responder transport.Responder, authToken string, c codec.Codec, logger *zap.Logger) *Hub {
	if c == nil {
		c = codec.JSON
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		responder: responder,
		authToken: authToken,
		codec:     c,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*wsConn]struct{}),
	}
	if pusher, ok := responder.(transport.Pusher); ok {
		pusher.Attach(h.Broadcast)
	}
	return h
}

func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		h.logger.Warn("client unauthorized", zap.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade client ws failed", zap.Error(err))
		return
	}
	client := &wsConn{conn: conn, codec: h.codec}

	h.clientMu.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.clientMu.Unlock()

	h.logger.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Int("active_clients", clientCount))
	h.readClient(client)
}

func (h *Hub) readClient(client *wsConn) {
	defer func() {
		h.clientMu.Lock()
		delete(h.clients, client)
		clientCount := len(h.clients)
		h.clientMu.Unlock()
		_ = client.conn.Close()
		h.logger.Info("client disconnected", zap.Int("active_clients", clientCount))
	}()

	for {
		req, err := client.readEnvelope()
		if err != nil {
			if _, ok := err.(errUndecodable); ok {
				h.logger.Warn("drop client message", zap.Error(err))
				continue
			}
			h.logger.Debug("recv client->host failed", zap.Error(err))
			return
		}
		logEvent(h.logger, "recv client->host", req)
		for _, reply := range h.responder.Respond(req) {
			if err := client.writeEnvelope(reply); err != nil {
				h.logger.Warn("send host->client failed", zap.Error(err))
				return
			}
			logEvent(h.logger, "send host->client", reply)
		}
	}
}

// Broadcast pushes env to every connected client. It reports the last
// write error, if any.
func (h *Hub) Broadcast(env protocol.Envelope) error {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	h.logger.Debug("broadcast to clients", zap.Int("count", len(h.clients)), zap.String("type", env.Type))
	var lastErr error
	for client := range h.clients {
		if err := client.writeEnvelope(env); err != nil {
			h.logger.Warn("broadcast to client failed", zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// DisconnectAll closes every client connection. Clients observe a
// disconnect, which is how tests and operators force a reconnect.
func (h *Hub) DisconnectAll() {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	for client := range h.clients {
		_ = client.conn.Close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	return len(h.clients)
}
