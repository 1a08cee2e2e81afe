// ABOUTME: Server-sent events writer for hub connections
// ABOUTME: Streams envelopes to an HTTP response until the client goes away

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepAliveInterval keeps proxies from closing idle streams
const keepAliveInterval = 25 * time.Second

// WriteEvent writes one SSE frame
func WriteEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal SSE data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
	return err
}

// Stream sets SSE headers and copies envelopes from ch to w until ctx ends
// or ch is closed. The first frame announces the connection id so the client
// can join and leave rooms.
func Stream(ctx context.Context, w http.ResponseWriter, clientID string, ch <-chan Envelope) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := WriteEvent(w, "connected", map[string]string{"client_id": clientID}); err != nil {
		return err
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			if err := WriteEvent(w, env.Event, env); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
