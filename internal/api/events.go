package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SSE event names on /v1/status/events.
const (
	EventProperties = "properties"
	EventStatus     = "status"
	EventDone       = "done"
)

func (s *Server) handleStatusEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the snapshot so no transition falls in between.
	ch, unsub := s.engine.Broker().Subscribe()
	defer unsub()

	props, err := s.engine.Properties(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	statusSubscribers.Inc()
	defer statusSubscribers.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	if err := writeSSEJSON(w, EventProperties, props); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case t, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, EventDone, "engine stopped")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEJSON(w, EventStatus, t); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, string(data))
}

// writeSSEData writes a data field. Multi-line strings are split so that
// each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
