// Package appstate holds the canonical host state. The Synchronizer is
// its only writer: partial updates from the host are merged, validated
// and compared, and subscribers hear about real changes through a
// coalesced STATE_UPDATED event.
package appstate

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/clock"
	"github.com/HsiangNianian/nativebridge/internal/events"
	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

// ErrStateValidation means a merge would leave a required field undefined.
var ErrStateValidation = errors.New("invalid app state")

// Options configure a Synchronizer.
type Options struct {
	Broker *events.Broker
	Clock  clock.Clock
	// Window is the notification coalescing window.
	Window time.Duration
	// LocaleFunc reports the environment UI locale. It is consulted on
	// every Locale call while the host has not supplied one.
	LocaleFunc func() string
	Logger     *zap.Logger
}

type Synchronizer struct {
	broker   *events.Broker
	localeFn func() string
	logger   *zap.Logger
	notifier *Coalescer

	mu     sync.RWMutex
	state  protocol.AppState
	update protocol.UpdateStatusInfo
	host   protocol.HostInfo
}

func New(opts Options) *Synchronizer {
	s := &Synchronizer{
		broker:   opts.Broker,
		localeFn: opts.LocaleFunc,
		logger:   opts.Logger,
		state: protocol.AppState{
			IsAuthorized: protocol.Bool(true),
		},
	}
	if s.broker == nil {
		s.broker = events.NewBroker()
	}
	if s.localeFn == nil {
		s.localeFn = EnvLocale
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultNotifyWindow
	}
	s.notifier = NewCoalescer(c, window, s.notify)
	return s
}

// Broker returns the broker STATE_UPDATED events are published on.
func (s *Synchronizer) Broker() *events.Broker { return s.broker }

// Merge folds partial into the canonical state. It reports whether the
// state changed. A merge that would leave isInstalled, isRunning or
// isProtectionEnabled undefined fails and leaves the state untouched.
func (s *Synchronizer) Merge(partial *protocol.AppState) (bool, error) {
	if partial == nil {
		partial = &protocol.AppState{}
	}

	s.mu.Lock()
	next := mergeState(s.state, *partial)
	if next.IsInstalled == nil || next.IsRunning == nil || next.IsProtectionEnabled == nil {
		s.mu.Unlock()
		err := fmt.Errorf("%w: all states should be defined: received isInstalled=%s, isRunning=%s, isProtectionEnabled=%s",
			ErrStateValidation, fmtBool(partial.IsInstalled), fmtBool(partial.IsRunning), fmtBool(partial.IsProtectionEnabled))
		s.logger.Error("discard app state", zap.Error(err))
		return false, err
	}
	if equalState(s.state, next) {
		s.mu.Unlock()
		return false, nil
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("app state changed")
	s.notifier.Trigger()
	return true, nil
}

// SetUpdateStatus replaces the update-compatibility state and notifies on
// change.
func (s *Synchronizer) SetUpdateStatus(info protocol.UpdateStatusInfo) bool {
	s.mu.Lock()
	if s.update == info {
		s.mu.Unlock()
		return false
	}
	s.update = info
	s.mu.Unlock()
	s.notifier.Trigger()
	return true
}

// SetHostInfo records the host platform and version.
func (s *Synchronizer) SetHostInfo(info protocol.HostInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = info
}

// ApplyHandshake stores everything an init response carries. The update
// status and host info are applied even when the appState is rejected.
func (s *Synchronizer) ApplyHandshake(state *protocol.AppState, info protocol.UpdateStatusInfo, host protocol.HostInfo) error {
	s.SetHostInfo(host)
	s.SetUpdateStatus(info)
	if state == nil {
		return nil
	}
	_, err := s.Merge(state)
	return err
}

// Locale returns the host-supplied locale, or the environment locale.
func (s *Synchronizer) Locale() string {
	s.mu.RLock()
	locale := s.state.Locale
	s.mu.RUnlock()
	if locale != nil && *locale != "" {
		return *locale
	}
	return s.localeFn()
}

// UpdateStatus returns the current update-compatibility state.
func (s *Synchronizer) UpdateStatus() protocol.UpdateStatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.update
}

// HostInfo returns what the last handshake reported about the host.
func (s *Synchronizer) HostInfo() protocol.HostInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

// IsAppWorking reports whether the host is installed, running, protecting,
// up to date and has validated this client.
func (s *Synchronizer) IsAppWorking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return isTrue(s.state.IsInstalled) &&
		isTrue(s.state.IsRunning) &&
		isTrue(s.state.IsProtectionEnabled) &&
		s.update.IsAppUpToDate &&
		s.update.IsValidatedOnHost
}

// Snapshot returns the current state with the locale resolved.
func (s *Synchronizer) Snapshot() events.Snapshot {
	locale := s.Locale()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return events.Snapshot{
		AppState: events.AppState{
			IsInstalled:         isTrue(s.state.IsInstalled),
			IsRunning:           isTrue(s.state.IsRunning),
			IsProtectionEnabled: isTrue(s.state.IsProtectionEnabled),
			Locale:              locale,
			IsAuthorized:        s.state.IsAuthorized == nil || *s.state.IsAuthorized,
		},
		UpdateStatusInfo: s.update,
		HostInfo:         s.host,
	}
}

// Close cancels any pending notification.
func (s *Synchronizer) Close() {
	s.notifier.Close()
}

func (s *Synchronizer) notify() {
	snapshot := s.Snapshot()
	s.broker.Publish(events.Event{Kind: events.StateUpdated, Snapshot: &snapshot})
}

// EnvLocale derives a BCP 47 tag from LC_ALL, LC_MESSAGES or LANG,
// falling back to "en".
func EnvLocale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		value := os.Getenv(key)
		if value == "" || value == "C" || value == "POSIX" {
			continue
		}
		if i := strings.IndexAny(value, ".@"); i >= 0 {
			value = value[:i]
		}
		return strings.ReplaceAll(value, "_", "-")
	}
	return "en"
}

func mergeState(current, incoming protocol.AppState) protocol.AppState {
	next := protocol.AppState{
		IsInstalled:         cloneBool(current.IsInstalled),
		IsRunning:           cloneBool(current.IsRunning),
		IsProtectionEnabled: cloneBool(current.IsProtectionEnabled),
		Locale:              cloneString(current.Locale),
		IsAuthorized:        cloneBool(current.IsAuthorized),
	}
	if incoming.IsInstalled != nil {
		next.IsInstalled = cloneBool(incoming.IsInstalled)
	}
	if incoming.IsRunning != nil {
		next.IsRunning = cloneBool(incoming.IsRunning)
	}
	if incoming.IsProtectionEnabled != nil {
		next.IsProtectionEnabled = cloneBool(incoming.IsProtectionEnabled)
	}
	if incoming.Locale != nil {
		next.Locale = cloneString(incoming.Locale)
	}
	if incoming.IsAuthorized != nil {
		next.IsAuthorized = cloneBool(incoming.IsAuthorized)
	}
	return next
}

func equalState(a, b protocol.AppState) bool {
	return equalBool(a.IsInstalled, b.IsInstalled) &&
		equalBool(a.IsRunning, b.IsRunning) &&
		equalBool(a.IsProtectionEnabled, b.IsProtectionEnabled) &&
		equalBool(a.IsAuthorized, b.IsAuthorized) &&
		((a.Locale == nil) == (b.Locale == nil)) &&
		(a.Locale == nil || *a.Locale == *b.Locale)
}

func equalBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func isTrue(b *bool) bool { return b != nil && *b }

func fmtBool(b *bool) string {
	if b == nil {
		return "undefined"
	}
	return fmt.Sprint(*b)
}
