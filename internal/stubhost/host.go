// Package stubhost is a scripted stand-in for the filtering application.
// It answers every request type with an ok result and the current app
// state, and can be told to fail, go silent, or push state on its own.
package stubhost

import (
	"encoding/json"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

// PushType tags unsolicited state pushes.
const PushType = "appStateChanged"

// Behavior selects how the host reacts to one request type.
type Behavior int

const (
	Answer Behavior = iota
	Fail
	Silent
)

// Options describe the host. Zero values give a healthy, up to date host.
type Options struct {
	APIVersion        int
	IsValidatedOnHost *bool
	Version           string
	Platform          string
	State             protocol.AppState
	Logger            *zap.Logger
}

type Host struct {
	logger *zap.Logger

	mu         sync.Mutex
	init       protocol.InitResult
	state      protocol.AppState
	behaviors  map[string]Behavior
	parameters map[string]any
	received   []protocol.Envelope
	sessions   map[int]func(protocol.Envelope) error
	nextID     int
}

func New(opts Options) *Host {
	h := &Host{
		logger: opts.Logger,
		init: protocol.InitResult{
			APIVersion:        opts.APIVersion,
			IsValidatedOnHost: opts.IsValidatedOnHost == nil || *opts.IsValidatedOnHost,
			Version:           opts.Version,
			Platform:          opts.Platform,
		},
		state:      opts.State,
		behaviors:  make(map[string]Behavior),
		parameters: make(map[string]any),
		sessions:   make(map[int]func(protocol.Envelope) error),
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.init.APIVersion == 0 {
		h.init.APIVersion = 3
	}
	if h.init.Version == "" {
		h.init.Version = "7.0.0"
	}
	if h.init.Platform == "" {
		h.init.Platform = "linux"
	}
	if h.state.IsInstalled == nil {
		h.state.IsInstalled = protocol.Bool(true)
	}
	if h.state.IsRunning == nil {
		h.state.IsRunning = protocol.Bool(true)
	}
	if h.state.IsProtectionEnabled == nil {
		h.state.IsProtectionEnabled = protocol.Bool(true)
	}
	return h
}

// Script sets the behavior for requestType.
func (h *Host) Script(requestType string, b Behavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.behaviors[requestType] = b
}

// SetParameters fixes the parameters returned for requestType.
func (h *Host) SetParameters(requestType string, params any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parameters[requestType] = params
}

// SetState replaces the state reported with every answer.
func (h *Host) SetState(state protocol.AppState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

// Received returns the requests seen so far.
func (h *Host) Received() []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Envelope(nil), h.received...)
}

// Respond implements transport.Responder.
func (h *Host) Respond(req protocol.Envelope) []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, req)

	switch h.behaviors[req.Type] {
	case Silent:
		h.logger.Debug("stub host stays silent", zap.String("type", req.Type), zap.String("id", req.ID))
		return nil
	case Fail:
		return []protocol.Envelope{{RequestID: req.ID, Result: protocol.ResultError}}
	}

	h.apply(req)
	state := h.state
	reply := protocol.Envelope{RequestID: req.ID, Result: protocol.ResultOK, AppState: &state}

	params, ok := h.parameters[req.Type]
	if !ok {
		params = h.defaultParameters(req)
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			h.logger.Error("encode stub parameters", zap.String("type", req.Type), zap.Error(err))
			return []protocol.Envelope{{RequestID: req.ID, Result: protocol.ResultError}}
		}
		reply.Parameters = raw
	}
	return []protocol.Envelope{reply}
}

func (h *Host) defaultParameters(req protocol.Envelope) any {
	switch req.Type {
	case protocol.TypeInit:
		return h.init
	case protocol.TypeGetCurrentFilteringState:
		return map[string]any{
			"isFilteringEnabled":      true,
			"isHttpsFilteringEnabled": true,
			"isPageSecured":           false,
			"originalCertStatus":      "valid",
		}
	case protocol.TypeReportSite:
		var p struct {
			URL string `json:"url"`
		}
		if err := req.DecodeParameters(&p); err != nil {
			h.logger.Warn("decode reportSite", zap.Error(err))
		}
		return map[string]any{"reportUrl": "https://reports.example.com/new_issue?url=" + url.QueryEscape(p.URL)}
	}
	return nil
}

// apply mirrors the side effects a real host would have on its state.
func (h *Host) apply(req protocol.Envelope) {
	if req.Type != protocol.TypeSetProtectionStatus {
		return
	}
	var p struct {
		IsEnabled bool `json:"isEnabled"`
	}
	if err := req.DecodeParameters(&p); err != nil {
		h.logger.Warn("decode setProtectionStatus", zap.Error(err))
		return
	}
	h.state.IsProtectionEnabled = protocol.Bool(p.IsEnabled)
}

// Attach implements transport.Pusher.
func (h *Host) Attach(send func(protocol.Envelope) error) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.sessions[id] = send
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.sessions, id)
	}
}

// PushState updates the state and sends it unsolicited to every session.
// It returns how many sessions accepted the push.
func (h *Host) PushState(state protocol.AppState) int {
	h.mu.Lock()
	h.state = state
	push := protocol.Envelope{Type: PushType, AppState: &state}
	sends := make([]func(protocol.Envelope) error, 0, len(h.sessions))
	for _, send := range h.sessions {
		sends = append(sends, send)
	}
	h.mu.Unlock()

	delivered := 0
	for _, send := range sends {
		if err := send(push); err != nil {
			h.logger.Warn("push failed", zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}
