package protocol

import (
	"encoding/json"
	"strings"
)

// Id prefixes. A response belongs to this client only when its requestId
// starts with PrefixFamily and an underscore; everything else on the
// channel is foreign.
const (
	PrefixFamily = "ADG"
	PrefixInit   = "ADG_INIT"
)

// Result tags carried by host responses.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Request types understood by the host.
const (
	TypeInit                        = "init"
	TypeDeinit                      = "deinit"
	TypeGetCurrentAppState          = "getCurrentAppState"
	TypeGetCurrentFilteringState    = "getCurrentFilteringState"
	TypeSetProtectionStatus         = "setProtectionStatus"
	TypeSetFilteringStatus          = "setFilteringStatus"
	TypeAddRule                     = "addRule"
	TypeRemoveRule                  = "removeRule"
	TypeRemoveCustomRules           = "removeCustomRules"
	TypeOpenOriginCert              = "openOriginCert"
	TypeReportSite                  = "reportSite"
	TypeOpenFilteringLog            = "openFilteringLog"
	TypeOpenSettings                = "openSettings"
	TypeUpdateApp                   = "updateApp"
	TypeTemporarilyDisableFiltering = "temporarilyDisableFiltering"
)

// AssistantNative identifies this client kind in the init handshake.
const AssistantNative = "nativeAssistant"

// Request is the caller-supplied part of an outgoing envelope.
type Request struct {
	Type       string `json:"type"`
	Parameters any    `json:"parameters,omitempty"`
}

// Envelope is one message on the channel. Outgoing envelopes use ID, Type
// and Parameters; host responses and pushes use RequestID, Result and
// AppState.
type Envelope struct {
	ID         string          `json:"id,omitempty" cbor:"id,omitempty"`
	Type       string          `json:"type,omitempty" cbor:"type,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty" cbor:"parameters,omitempty"`
	RequestID  string          `json:"requestId,omitempty" cbor:"requestId,omitempty"`
	Result     string          `json:"result,omitempty" cbor:"result,omitempty"`
	AppState   *AppState       `json:"appState,omitempty" cbor:"appState,omitempty"`
}

// IsResponse reports whether env answers a request, as opposed to an
// unsolicited push.
func (env Envelope) IsResponse() bool {
	return env.RequestID != ""
}

// HasPrefixFamily reports whether the response id belongs to the given
// issuer prefix family: family itself or any prefix nested under it, each
// followed by an underscore.
func (env Envelope) HasPrefixFamily(family string) bool {
	return strings.HasPrefix(env.RequestID, family+"_")
}

// DecodeParameters unmarshals the envelope parameters into v. Absent
// parameters leave v untouched.
func (env Envelope) DecodeParameters(v any) error {
	if len(env.Parameters) == 0 {
		return nil
	}
	return json.Unmarshal(env.Parameters, v)
}

// AppState is the wire form of host state. Every field is optional on
// the wire; merge rules decide which absences are fatal.
type AppState struct {
	IsInstalled         *bool   `json:"isInstalled,omitempty" cbor:"isInstalled,omitempty"`
	IsRunning           *bool   `json:"isRunning,omitempty" cbor:"isRunning,omitempty"`
	IsProtectionEnabled *bool   `json:"isProtectionEnabled,omitempty" cbor:"isProtectionEnabled,omitempty"`
	Locale              *string `json:"locale,omitempty" cbor:"locale,omitempty"`
	IsAuthorized        *bool   `json:"isAuthorized,omitempty" cbor:"isAuthorized,omitempty"`
}

// UpdateStatusInfo is derived from the init handshake.
type UpdateStatusInfo struct {
	IsAppUpToDate     bool `json:"isAppUpToDate"`
	IsValidatedOnHost bool `json:"isValidatedOnHost"`
}

// HostInfo describes the host as reported by the init handshake.
type HostInfo struct {
	Platform string `json:"platform,omitempty"`
	Version  string `json:"version,omitempty"`
}

// InitParameters is sent with the init handshake.
type InitParameters struct {
	Version    string `json:"version"`
	APIVersion int    `json:"apiVersion"`
	UserAgent  string `json:"userAgent,omitempty"`
	Type       string `json:"type"`
}

// InitResult is the parameters block of a successful init response.
type InitResult struct {
	APIVersion        int    `json:"apiVersion"`
	IsValidatedOnHost bool   `json:"isValidatedOnHost"`
	Version           string `json:"version,omitempty"`
	Platform          string `json:"platform,omitempty"`
}

// Bool returns a pointer to b, for building AppState literals.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }
