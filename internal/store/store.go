// Package store mirrors bridge state outside the process: the latest app
// state snapshot and the outcome of every settled request.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/HsiangNianian/nativebridge/internal/clock"
	"github.com/HsiangNianian/nativebridge/internal/events"
)

const (
	// DefaultSnapshotTTL bounds how long a snapshot outlives its bridge.
	DefaultSnapshotTTL = 24 * time.Hour
	// DefaultSettledTTL is how long a settled request stays queryable.
	DefaultSettledTTL = time.Hour
	// CurrentSnapshot names the snapshot the Recorder maintains.
	CurrentSnapshot = "current"
)

type Store interface {
	SetSnapshot(ctx context.Context, name string, snap events.Snapshot, ttl time.Duration) error
	// GetSnapshot reports false when no unexpired snapshot exists.
	GetSnapshot(ctx context.Context, name string) (events.Snapshot, bool, error)
	MarkSettled(ctx context.Context, requestID, result string, ttl time.Duration) error
	// SettledStatus returns "" for unknown or expired request ids.
	SettledStatus(ctx context.Context, requestID string) (string, error)
	Close() error
}

type entry struct {
	value    []byte
	expireAt time.Time
}

type MemoryStore struct {
	clock clock.Clock

	mu        sync.RWMutex
	snapshots map[string]entry
	settled   map[string]entry
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{
		clock:     c,
		snapshots: make(map[string]entry),
		settled:   make(map[string]entry),
	}
}

func (m *MemoryStore) SetSnapshot(_ context.Context, name string, snap events.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[name] = entry{value: data, expireAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, name string) (events.Snapshot, bool, error) {
	m.mu.RLock()
	e, ok := m.snapshots[name]
	m.mu.RUnlock()
	if !ok || !m.clock.Now().Before(e.expireAt) {
		return events.Snapshot{}, false, nil
	}
	var snap events.Snapshot
	if err := json.Unmarshal(e.value, &snap); err != nil {
		return events.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func (m *MemoryStore) MarkSettled(_ context.Context, requestID, result string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[requestID] = entry{value: []byte(result), expireAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) SettledStatus(_ context.Context, requestID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.settled[requestID]
	if !ok || !m.clock.Now().Before(e.expireAt) {
		return "", nil
	}
	return string(e.value), nil
}

func (m *MemoryStore) Close() error { return nil }
