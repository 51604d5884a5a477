package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/nativebridge/internal/codec"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
	"github.com/HsiangNianian/nativebridge/internal/transport"
)

func newTestHub(t *testing.T, token string, c codec.Codec) (*Hub, *httptest.Server) {
	t.Helper()
	responder := transport.ResponderFunc(func(req protocol.Envelope) []protocol.Envelope {
		return []protocol.Envelope{{
			RequestID: req.ID,
			Result:    protocol.ResultOK,
			AppState:  &protocol.AppState{IsRunning: protocol.Bool(true)},
		}}
	})
	hub := NewHub(responder, token, c, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleClient)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return hub, ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

type recorder struct {
	envelopes   chan protocol.Envelope
	disconnects chan error
}

func newRecorder() *recorder {
	return &recorder{envelopes: make(chan protocol.Envelope, 8), disconnects: make(chan error, 1)}
}

func (r *recorder) HandleEnvelope(env protocol.Envelope) { r.envelopes <- env }
func (r *recorder) HandleDisconnect(err error)           { r.disconnects <- err }

func (r *recorder) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-r.envelopes:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func TestDialerRequestResponse(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			_, ts := newTestHub(t, "", c)
			rec := newRecorder()
			d := &Dialer{URL: wsURL(ts.URL), Codec: c}
			conn, err := d.Dial(context.Background(), rec)
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, conn.Send(protocol.Envelope{ID: "ADG_1", Type: protocol.TypeGetCurrentAppState}))
			env := rec.next(t)
			assert.Equal(t, "ADG_1", env.RequestID)
			assert.Equal(t, protocol.ResultOK, env.Result)
			require.NotNil(t, env.AppState)
			assert.True(t, *env.AppState.IsRunning)
		})
	}
}

func TestHubBroadcastAndDisconnect(t *testing.T) {
	hub, ts := newTestHub(t, "secret", codec.JSON)
	rec := newRecorder()
	d := &Dialer{URL: wsURL(ts.URL), AuthToken: "secret"}
	conn, err := d.Dial(context.Background(), rec)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Broadcast(protocol.Envelope{Type: "stateChanged"}))
	env := rec.next(t)
	assert.False(t, env.IsResponse())
	assert.Equal(t, "stateChanged", env.Type)

	hub.DisconnectAll()
	select {
	case err := <-rec.disconnects:
		assert.ErrorIs(t, err, transport.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect")
	}
}

func TestHubRejectsBadToken(t *testing.T) {
	_, ts := newTestHub(t, "secret", codec.JSON)
	d := &Dialer{URL: wsURL(ts.URL), AuthToken: "wrong"}
	_, err := d.Dial(context.Background(), newRecorder())
	assert.Error(t, err)
}

func TestClientCloseIsSilent(t *testing.T) {
	_, ts := newTestHub(t, "", codec.JSON)
	rec := newRecorder()
	d := &Dialer{URL: wsURL(ts.URL)}
	conn, err := d.Dial(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(protocol.Envelope{ID: "ADG_2"}), transport.ErrClosed)
	select {
	case err := <-rec.disconnects:
		t.Fatalf("unexpected disconnect: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
