// Package hostapi exposes the host's operations as typed calls. Each call
// is one correlated request; any appState in the response is merged into
// the canonical state before the call returns.
package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/appstate"
	"github.com/HsiangNianian/nativebridge/internal/events"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

// Sender issues correlated requests. *correlator.Correlator implements it.
type Sender interface {
	Send(ctx context.Context, req protocol.Request, idPrefix string) (protocol.Envelope, error)
}

type Client struct {
	sender Sender
	state  *appstate.Synchronizer
	logger *zap.Logger
}

func New(sender Sender, state *appstate.Synchronizer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{sender: sender, state: state, logger: logger}
}

// FilteringState is returned by GetCurrentFilteringState.
type FilteringState struct {
	IsFilteringEnabled      bool   `json:"isFilteringEnabled"`
	IsHTTPSFilteringEnabled bool   `json:"isHttpsFilteringEnabled"`
	IsPageSecured           bool   `json:"isPageSecured"`
	OriginalCertStatus      string `json:"originalCertStatus,omitempty"`
	OriginalCertIssuer      string `json:"originalCertIssuer,omitempty"`
}

// Call sends a request of the given type and returns the raw response.
// An invalid appState in the response is logged, not returned: the host
// did answer.
func (c *Client) Call(ctx context.Context, requestType string, params any) (protocol.Envelope, error) {
	env, err := c.sender.Send(ctx, protocol.Request{Type: requestType, Parameters: params}, protocol.PrefixFamily)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%s: %w", requestType, err)
	}
	if env.AppState != nil {
		if _, err := c.state.Merge(env.AppState); err != nil {
			c.logger.Warn("response carried invalid app state", zap.String("type", requestType), zap.Error(err))
		}
	}
	return env, nil
}

// GetCurrentAppState asks the host for its full state.
func (c *Client) GetCurrentAppState(ctx context.Context) (events.AppState, error) {
	if _, err := c.Call(ctx, protocol.TypeGetCurrentAppState, nil); err != nil {
		return events.AppState{}, err
	}
	return c.state.Snapshot().AppState, nil
}

// GetCurrentFilteringState returns the filtering state for rawURL, or nil
// when the URL is not http or https. Such URLs are never sent to the host.
func (c *Client) GetCurrentFilteringState(ctx context.Context, rawURL string, forceStart bool) (*FilteringState, error) {
	u, ok := httpURL(rawURL)
	if !ok {
		c.logger.Debug("skip filtering state for non-http url", zap.String("url", rawURL))
		return nil, nil
	}
	env, err := c.Call(ctx, protocol.TypeGetCurrentFilteringState, map[string]any{
		"url":        rawURL,
		"port":       urlPort(u),
		"forceStart": forceStart,
	})
	if err != nil {
		return nil, err
	}
	var state FilteringState
	if err := env.DecodeParameters(&state); err != nil {
		return nil, fmt.Errorf("decode filtering state: %w", err)
	}
	return &state, nil
}

// SetProtectionStatus turns protection on or off and returns the
// resulting state.
func (c *Client) SetProtectionStatus(ctx context.Context, enabled bool) (events.AppState, error) {
	if _, err := c.Call(ctx, protocol.TypeSetProtectionStatus, map[string]any{"isEnabled": enabled}); err != nil {
		return events.AppState{}, err
	}
	return c.state.Snapshot().AppState, nil
}

func (c *Client) SetFilteringStatus(ctx context.Context, enabled, httpsEnabled bool, rawURL string) error {
	_, err := c.Call(ctx, protocol.TypeSetFilteringStatus, map[string]any{
		"isEnabled":      enabled,
		"isHttpsEnabled": httpsEnabled,
		"url":            rawURL,
	})
	return err
}

func (c *Client) RemoveCustomRules(ctx context.Context, rawURL string) error {
	_, err := c.Call(ctx, protocol.TypeRemoveCustomRules, map[string]any{"url": rawURL})
	return err
}

func (c *Client) RemoveRule(ctx context.Context, ruleText string) error {
	_, err := c.Call(ctx, protocol.TypeRemoveRule, map[string]any{"ruleText": ruleText})
	return err
}

// OpenOriginalCert asks the host to show the site's original certificate.
func (c *Client) OpenOriginalCert(ctx context.Context, domain string, port int) error {
	_, err := c.Call(ctx, protocol.TypeOpenOriginCert, map[string]any{"domain": domain, "port": port})
	return err
}

// ReportSite returns the URL of the report form the host prepared.
func (c *Client) ReportSite(ctx context.Context, rawURL, referrer string) (string, error) {
	env, err := c.Call(ctx, protocol.TypeReportSite, map[string]any{"url": rawURL, "referrer": referrer})
	if err != nil {
		return "", err
	}
	var params struct {
		ReportURL string `json:"reportUrl"`
	}
	if err := env.DecodeParameters(&params); err != nil {
		return "", fmt.Errorf("decode report url: %w", err)
	}
	return params.ReportURL, nil
}

func (c *Client) OpenFilteringLog(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.TypeOpenFilteringLog, nil)
	return err
}

func (c *Client) OpenSettings(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.TypeOpenSettings, nil)
	return err
}

func (c *Client) UpdateApp(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.TypeUpdateApp, nil)
	return err
}

func (c *Client) AddRule(ctx context.Context, ruleText string) error {
	_, err := c.Call(ctx, protocol.TypeAddRule, map[string]any{"ruleText": ruleText})
	return err
}

// TemporarilyDisableFiltering pauses filtering for rawURL for timeoutMs
// milliseconds.
func (c *Client) TemporarilyDisableFiltering(ctx context.Context, rawURL string, timeoutMs int) error {
	_, err := c.Call(ctx, protocol.TypeTemporarilyDisableFiltering, map[string]any{"url": rawURL, "timeout": timeoutMs})
	return err
}

// ParseParams decodes CLI-style JSON parameters. Empty input means none.
func ParseParams(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("parameters must be a JSON object: %w", err)
	}
	return params, nil
}

func httpURL(rawURL string) (*url.URL, bool) {
	if rawURL == "" {
		return nil, false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, u.Scheme == "http" || u.Scheme == "https"
}

func urlPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
