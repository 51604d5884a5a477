package stubhost

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

func request(t *testing.T, id, requestType, params string) protocol.Envelope {
	t.Helper()
	env := protocol.Envelope{ID: id, Type: requestType}
	if params != "" {
		env.Parameters = []byte(params)
	}
	return env
}

func TestInitAnswer(t *testing.T) {
	h := New(Options{APIVersion: 4, Platform: "mac", IsValidatedOnHost: protocol.Bool(false)})

	replies := h.Respond(request(t, "ADG_INIT_1", protocol.TypeInit, ""))
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, "ADG_INIT_1", reply.RequestID)
	assert.Equal(t, protocol.ResultOK, reply.Result)
	require.NotNil(t, reply.AppState)
	assert.True(t, *reply.AppState.IsInstalled)

	var init protocol.InitResult
	require.NoError(t, reply.DecodeParameters(&init))
	assert.Equal(t, protocol.InitResult{APIVersion: 4, IsValidatedOnHost: false, Version: "7.0.0", Platform: "mac"}, init)
}

func TestScriptedBehaviors(t *testing.T) {
	h := New(Options{})
	h.Script(protocol.TypeAddRule, Fail)
	h.Script(protocol.TypeOpenSettings, Silent)

	replies := h.Respond(request(t, "ADG_1", protocol.TypeAddRule, `{"ruleText":"x"}`))
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.ResultError, replies[0].Result)
	assert.Nil(t, replies[0].AppState)

	assert.Empty(t, h.Respond(request(t, "ADG_2", protocol.TypeOpenSettings, "")))

	h.Script(protocol.TypeOpenSettings, Answer)
	replies = h.Respond(request(t, "ADG_3", protocol.TypeOpenSettings, ""))
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.ResultOK, replies[0].Result)

	received := h.Received()
	require.Len(t, received, 3)
	assert.Equal(t, "ADG_2", received[1].ID)
}

func TestSetProtectionStatusChangesState(t *testing.T) {
	h := New(Options{})
	replies := h.Respond(request(t, "ADG_1", protocol.TypeSetProtectionStatus, `{"isEnabled":false}`))
	require.Len(t, replies, 1)
	assert.False(t, *replies[0].AppState.IsProtectionEnabled)

	replies = h.Respond(request(t, "ADG_2", protocol.TypeGetCurrentAppState, ""))
	assert.False(t, *replies[0].AppState.IsProtectionEnabled)
}

func TestFixedParameters(t *testing.T) {
	h := New(Options{})
	h.SetParameters(protocol.TypeReportSite, map[string]string{"reportUrl": "https://r.example/1"})

	replies := h.Respond(request(t, "ADG_1", protocol.TypeReportSite, `{"url":"http://a.example/"}`))
	var p struct {
		ReportURL string `json:"reportUrl"`
	}
	require.NoError(t, replies[0].DecodeParameters(&p))
	assert.Equal(t, "https://r.example/1", p.ReportURL)
}

func TestPushStateReachesSessions(t *testing.T) {
	h := New(Options{})
	var got []protocol.Envelope
	detach := h.Attach(func(env protocol.Envelope) error {
		got = append(got, env)
		return nil
	})
	detachBroken := h.Attach(func(protocol.Envelope) error { return errors.New("gone") })
	defer detachBroken()

	state := protocol.AppState{
		IsInstalled:         protocol.Bool(true),
		IsRunning:           protocol.Bool(false),
		IsProtectionEnabled: protocol.Bool(true),
	}
	assert.Equal(t, 1, h.PushState(state))
	require.Len(t, got, 1)
	assert.Equal(t, PushType, got[0].Type)
	assert.Empty(t, got[0].RequestID)
	assert.False(t, *got[0].AppState.IsRunning)

	detach()
	assert.Equal(t, 0, h.PushState(state))
	assert.Len(t, got, 1)

	replies := h.Respond(request(t, "ADG_1", protocol.TypeGetCurrentAppState, ""))
	assert.False(t, *replies[0].AppState.IsRunning)
}
