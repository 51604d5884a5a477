package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/nativebridge/internal/appstate"
	"github.com/HsiangNianian/nativebridge/internal/clock"
	"github.com/HsiangNianian/nativebridge/internal/correlator"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

type fakeSender struct {
	mu       sync.Mutex
	requests []protocol.Request
	prefixes []string
	reply    func(req protocol.Request) (protocol.Envelope, error)
}

func (f *fakeSender) Send(_ context.Context, req protocol.Request, idPrefix string) (protocol.Envelope, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.prefixes = append(f.prefixes, idPrefix)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(req)
	}
	return protocol.Envelope{RequestID: "ADG_1", Result: protocol.ResultOK}, nil
}

func (f *fakeSender) last(t *testing.T) protocol.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, sender Sender) (*Client, *appstate.Synchronizer) {
	t.Helper()
	state := appstate.New(appstate.Options{
		Clock:      clock.Fake(time.Unix(0, 0)),
		LocaleFunc: func() string { return "en" },
	})
	t.Cleanup(state.Close)
	return New(sender, state, nil), state
}

func okWith(params string, state *protocol.AppState) protocol.Envelope {
	env := protocol.Envelope{RequestID: "ADG_1", Result: protocol.ResultOK, AppState: state}
	if params != "" {
		env.Parameters = json.RawMessage(params)
	}
	return env
}

func TestRequestShapes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		call func(c *Client) error
	}{
		{"getCurrentAppState", func(c *Client) error { _, err := c.GetCurrentAppState(ctx); return err }},
		{"getCurrentFilteringState", func(c *Client) error {
			_, err := c.GetCurrentFilteringState(ctx, "https://example.org:8443/path", true)
			return err
		}},
		{"setProtectionStatus", func(c *Client) error { _, err := c.SetProtectionStatus(ctx, false); return err }},
		{"setFilteringStatus", func(c *Client) error {
			return c.SetFilteringStatus(ctx, true, false, "http://example.org/")
		}},
		{"removeCustomRules", func(c *Client) error { return c.RemoveCustomRules(ctx, "http://example.org/") }},
		{"removeRule", func(c *Client) error { return c.RemoveRule(ctx, "@@||example.org^$document") }},
		{"openOriginCert", func(c *Client) error { return c.OpenOriginalCert(ctx, "example.org", 443) }},
		{"reportSite", func(c *Client) error {
			_, err := c.ReportSite(ctx, "http://example.org/", "http://ref.example/")
			return err
		}},
		{"openFilteringLog", func(c *Client) error { return c.OpenFilteringLog(ctx) }},
		{"openSettings", func(c *Client) error { return c.OpenSettings(ctx) }},
		{"updateApp", func(c *Client) error { return c.UpdateApp(ctx) }},
		{"addRule", func(c *Client) error { return c.AddRule(ctx, "||ads.example^") }},
		{"temporarilyDisableFiltering", func(c *Client) error {
			return c.TemporarilyDisableFiltering(ctx, "http://example.org/", 30000)
		}},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{}
			client, _ := newTestClient(t, sender)
			require.NoError(t, tc.call(client))

			req := sender.last(t)
			assert.Equal(t, tc.name, req.Type)
			assert.Equal(t, []string{protocol.PrefixFamily}, sender.prefixes)

			data, err := json.Marshal(req)
			require.NoError(t, err)
			g.Assert(t, tc.name, data)
		})
	}
}

func TestFilteringStateSkipsNonHTTP(t *testing.T) {
	sender := &fakeSender{}
	client, _ := newTestClient(t, sender)

	for _, raw := range []string{"", "chrome://extensions", "ftp://example.org/", "not a url", "about:blank"} {
		state, err := client.GetCurrentFilteringState(context.Background(), raw, false)
		require.NoError(t, err)
		assert.Nil(t, state, raw)
	}
	assert.Empty(t, sender.requests)
}

func TestFilteringStateDefaultPorts(t *testing.T) {
	sender := &fakeSender{reply: func(protocol.Request) (protocol.Envelope, error) {
		return okWith(`{"isFilteringEnabled":true,"isHttpsFilteringEnabled":true,"isPageSecured":false,"originalCertStatus":"valid"}`, nil), nil
	}}
	client, _ := newTestClient(t, sender)

	state, err := client.GetCurrentFilteringState(context.Background(), "https://example.org/", false)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.IsFilteringEnabled)
	assert.True(t, state.IsHTTPSFilteringEnabled)
	assert.Equal(t, "valid", state.OriginalCertStatus)
	assert.EqualValues(t, 443, sender.last(t).Parameters.(map[string]any)["port"])

	_, err = client.GetCurrentFilteringState(context.Background(), "http://example.org/", false)
	require.NoError(t, err)
	assert.EqualValues(t, 80, sender.last(t).Parameters.(map[string]any)["port"])
}

func TestResponseStateIsMerged(t *testing.T) {
	state := &protocol.AppState{
		IsInstalled:         protocol.Bool(true),
		IsRunning:           protocol.Bool(true),
		IsProtectionEnabled: protocol.Bool(false),
		Locale:              protocol.String("de"),
	}
	sender := &fakeSender{reply: func(protocol.Request) (protocol.Envelope, error) {
		return okWith("", state), nil
	}}
	client, states := newTestClient(t, sender)

	got, err := client.SetProtectionStatus(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, got.IsInstalled)
	assert.False(t, got.IsProtectionEnabled)
	assert.Equal(t, "de", got.Locale)
	assert.Equal(t, "de", states.Locale())
}

func TestInvalidResponseStateDoesNotFailCall(t *testing.T) {
	sender := &fakeSender{reply: func(protocol.Request) (protocol.Envelope, error) {
		return okWith("", &protocol.AppState{IsRunning: protocol.Bool(true)}), nil
	}}
	client, states := newTestClient(t, sender)

	require.NoError(t, client.OpenSettings(context.Background()))
	assert.False(t, states.Snapshot().AppState.IsRunning)
}

func TestReportSiteReturnsURL(t *testing.T) {
	sender := &fakeSender{reply: func(protocol.Request) (protocol.Envelope, error) {
		return okWith(`{"reportUrl":"https://reports.example/new?id=7"}`, nil), nil
	}}
	client, _ := newTestClient(t, sender)

	reportURL, err := client.ReportSite(context.Background(), "http://example.org/", "")
	require.NoError(t, err)
	assert.Equal(t, "https://reports.example/new?id=7", reportURL)
}

func TestErrorsAreWrappedWithType(t *testing.T) {
	sender := &fakeSender{reply: func(protocol.Request) (protocol.Envelope, error) {
		return protocol.Envelope{}, &correlator.HostError{Result: protocol.ResultError, RequestID: "ADG_1"}
	}}
	client, _ := newTestClient(t, sender)

	err := client.AddRule(context.Background(), "||ads.example^")
	require.Error(t, err)
	assert.ErrorIs(t, err, correlator.ErrHostError)
	assert.Contains(t, err.Error(), "addRule")

	var herr *correlator.HostError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "ADG_1", herr.RequestID)
}

func TestCallPassesArbitraryTypes(t *testing.T) {
	sender := &fakeSender{}
	client, _ := newTestClient(t, sender)

	params, err := ParseParams(`{"tabId":3}`)
	require.NoError(t, err)
	_, err = client.Call(context.Background(), "customType", params)
	require.NoError(t, err)
	assert.Equal(t, "customType", sender.last(t).Type)

	_, err = ParseParams(`[1,2]`)
	assert.Error(t, err)
	none, err := ParseParams("")
	require.NoError(t, err)
	assert.Nil(t, none)
}
