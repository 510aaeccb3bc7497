package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/manager"
	"github.com/seantiz/longcall/internal/model"
)

// handleStreamEvents streams a job's progress as server-sent events until it
// completes, fails, or is cancelled or superseded. The manager is polled on
// the configured interval; job events wake the stream early.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	h, ok := s.jobHandle(w, r, key)
	if !ok {
		return
	}
	interval := parseDurationQuery(r, "interval_ms", s.pollInterval)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	events, unsub := s.manager.Events().Subscribe(key)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	flush()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *model.Progress
	for {
		done, err := s.streamPoll(w, r, key, h, &last)
		if err != nil {
			s.logger.Error("stream job events", "key", key, "job_id", h.ID, "error", err)
			_ = writeSSEEvent(w, "error", "poll failed")
			flush()
			return
		}
		if done {
			_ = writeSSEEvent(w, "done", "stream complete")
			flush()
			return
		}
		flush()

		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.JobID != h.ID {
				continue
			}
			switch ev.Kind {
			case manager.EventCancelled, manager.EventSuperseded, manager.EventRetired:
				_ = writeSSEEvent(w, ev.Kind, ev.JobID)
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
		case <-ticker.C:
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// streamPoll runs one poll round and writes the resulting event, if any. It
// reports whether the stream is finished.
func (s *Server) streamPoll(w http.ResponseWriter, r *http.Request, key string, h backend.Handle, last **model.Progress) (bool, error) {
	status, resp, err := s.poll(r, key, h)
	if err != nil {
		return false, err
	}

	switch status {
	case http.StatusOK:
		return true, writeSSEJSON(w, "result", resp)
	case http.StatusGone:
		return true, writeSSEJSON(w, statusFailed, resp)
	}

	p := resp.Progress
	if p == nil || (*last != nil && p.Seq == (*last).Seq && p.Current == (*last).Current) {
		return false, nil
	}
	*last = p
	return false, writeSSEJSON(w, "progress", p)
}

func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, string(data))
}

// writeSSEData writes an SSE data event. Multi-line strings are split so
// that each segment gets its own "data:" prefix, per the SSE spec.
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
