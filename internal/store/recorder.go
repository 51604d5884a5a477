package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/events"
)

// Recorder mirrors broker events into a Store: STATE_UPDATED snapshots
// under CurrentSnapshot, OK and ERROR responses as settled request ids.
type Recorder struct {
	Store       Store
	SnapshotTTL time.Duration
	SettledTTL  time.Duration
	Logger      *zap.Logger
}

// Run consumes sub until it closes or ctx is done. Store failures are
// logged and do not stop the recorder.
func (r *Recorder) Run(ctx context.Context, sub *events.Subscription) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := r.record(ctx, ev); err != nil {
				logger.Warn("record event failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.StateUpdated:
		if ev.Snapshot == nil {
			return nil
		}
		return r.Store.SetSnapshot(ctx, CurrentSnapshot, *ev.Snapshot, ttlOr(r.SnapshotTTL, DefaultSnapshotTTL))
	case events.OK, events.Error:
		if ev.Envelope == nil || ev.Envelope.RequestID == "" {
			return nil
		}
		return r.Store.MarkSettled(ctx, ev.Envelope.RequestID, ev.Envelope.Result, ttlOr(r.SettledTTL, DefaultSettledTTL))
	}
	return nil
}

func ttlOr(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}
