// Package events delivers bridge notifications to subscribers. Each
// subscriber has its own unbounded mailbox, so Publish never blocks and
// every subscriber sees events in publish order.
package events

import (
	"sync"

	"github.com/HsiangNianian/nativebridge/internal/protocol"
)

// Kind names a notification.
type Kind string

const (
	ShowReload         Kind = "SHOW_RELOAD"
	ShowSetupIncorrect Kind = "SHOW_SETUP_INCORRECT"
	ShowIsNotInstalled Kind = "SHOW_IS_NOT_INSTALLED"
	StateUpdated       Kind = "STATE_UPDATED"
	OK                 Kind = "OK"
	Error              Kind = "ERROR"
)

// AppState is the resolved canonical state, with the locale fallback
// already applied.
type AppState struct {
	IsInstalled         bool   `json:"isInstalled"`
	IsRunning           bool   `json:"isRunning"`
	IsProtectionEnabled bool   `json:"isProtectionEnabled"`
	Locale              string `json:"locale"`
	IsAuthorized        bool   `json:"isAuthorized"`
}

// Snapshot is what STATE_UPDATED carries.
type Snapshot struct {
	AppState         AppState                  `json:"appState"`
	UpdateStatusInfo protocol.UpdateStatusInfo `json:"updateStatusInfo"`
	HostInfo         protocol.HostInfo         `json:"hostInfo"`
}

// Event is one notification. Snapshot is set for STATE_UPDATED, Envelope
// for OK and ERROR, Err for terminal notifications caused by a failure.
type Event struct {
	Kind     Kind               `json:"type"`
	Snapshot *Snapshot          `json:"data,omitempty"`
	Envelope *protocol.Envelope `json:"params,omitempty"`
	Err      error              `json:"-"`
}

// Broker fans events out to subscribers.
type Broker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events on C until Unsubscribe or Broker.Close.
type Subscription struct {
	broker *Broker
	out    chan Event

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	stopped bool
	once    sync.Once
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() *Subscription {
	s := &Subscription{
		broker: b,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	go s.pump()
	return s
}

// Publish queues ev for every current subscriber.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.enqueue(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Publish after Close is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.stop()
	}
}

// C delivers events in publish order. It is closed after Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.out }

// Unsubscribe detaches the subscription and closes C once any pending
// delivery is abandoned.
func (s *Subscription) Unsubscribe() {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
	s.stop()
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		close(s.wake)
		s.mu.Unlock()
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			if _, ok := <-s.wake; !ok {
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case _, ok := <-s.wake:
			if !ok {
				return
			}
			// Woken by a later enqueue; retry the same event.
			s.mu.Lock()
			s.queue = append([]Event{ev}, s.queue...)
			s.mu.Unlock()
		}
	}
}
