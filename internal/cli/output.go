package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/HsiangNianian/nativebridge/internal/events"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type eventLine struct {
	Time  string `json:"time"`
	Error string `json:"error,omitempty"`
	events.Event
}

// writeEvent prints ev as a single JSON line.
func writeEvent(w io.Writer, ev events.Event) error {
	line := eventLine{Time: time.Now().UTC().Format(time.RFC3339Nano), Event: ev}
	if ev.Err != nil {
		line.Error = ev.Err.Error()
	}
	if err := json.NewEncoder(w).Encode(line); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}
