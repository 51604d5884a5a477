package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	first := b.Subscribe()
	second := b.Subscribe()

	kinds := []Kind{ShowReload, StateUpdated, OK, Error, ShowIsNotInstalled}
	for _, k := range kinds {
		b.Publish(Event{Kind: k})
	}

	for _, s := range []*Subscription{first, second} {
		for _, k := range kinds {
			assert.Equal(t, k, next(t, s).Kind)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	s := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Kind: StateUpdated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}
	assert.Equal(t, StateUpdated, next(t, s).Kind)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	s := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	s.Unsubscribe()
	s.Unsubscribe()
	assert.Zero(t, b.Subscribers())

	b.Publish(Event{Kind: OK})
	select {
	case _, ok := <-s.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := NewBroker()
	s := b.Subscribe()
	b.Close()

	_, ok := <-s.C()
	assert.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}
