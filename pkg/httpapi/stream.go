package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"voicebridge-server/pkg/events"
)

// handleEventStream serves the aggregated event feed over server-sent
// events. A comment line goes out as keepalive whenever no event arrives
// within the configured interval.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	topic := events.GlobalTopic
	callID := r.URL.Query().Get("call_id")
	if callID != "" {
		topic = callID
	}

	ch, cancel := s.broadcaster.Subscribe(topic)
	defer cancel()

	s.startSSE(w)
	flusher.Flush()

	s.streamEvents(w, r, flusher, ch, callID)
}

// handleTranscriptStream serves one call's transcript feed: accumulated
// history first, then live events until the call is removed
func (s *Server) handleTranscriptStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	callID := r.PathValue("id")
	ch, cancel := s.broadcaster.Subscribe(callID)
	defer cancel()

	s.startSSE(w)

	// Replay what the caller missed before switching to live events
	for _, entry := range s.service.Transcripts(callID) {
		s.writeSSE(w, events.Event{
			Type:      events.TypeTranscript,
			CallID:    callID,
			Timestamp: entry.Timestamp,
			Payload: map[string]interface{}{
				"role": entry.Role,
				"text": entry.Text,
			},
		})
	}
	flusher.Flush()

	s.streamEvents(w, r, flusher, ch, callID)
}

// streamEvents pumps events to the client with keepalives. A non-empty
// callID marks the stream as call-scoped: it ends with an explicit
// end-of-stream event when the call's topic closes, and every keepalive
// tick re-checks that the call still exists so that subscribing to an
// already-removed call does not keep an idle stream alive forever.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, ch <-chan events.Event, callID string) {
	keepalive := s.cfg.Events.KeepaliveInterval
	if keepalive == 0 {
		keepalive = 30 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-ch:
			if !ok {
				if callID != "" {
					s.endStream(w, flusher)
				}
				return
			}
			s.writeSSE(w, ev)
			flusher.Flush()

		case <-ticker.C:
			if callID != "" && !s.service.HasCall(callID) {
				s.endStream(w, flusher)
				return
			}
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// endStream emits the end-of-stream event for a call-scoped stream
func (s *Server) endStream(w http.ResponseWriter, flusher http.Flusher) {
	s.writeSSE(w, events.Event{
		Type:      events.TypeCallEnded,
		Timestamp: time.Now().UTC(),
	})
	flusher.Flush()
}

func (s *Server) startSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeSSE(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Debug("Failed to encode stream event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
