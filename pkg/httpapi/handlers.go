package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":       "ok",
		"uptime":       time.Since(s.startTime).String(),
		"active_calls": len(s.service.ActiveCalls()),
	}
	if s.pool != nil {
		resp["pool"] = s.pool.Status()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports ready once the pool has at least one warm session
// or pooling is disabled; callers can route traffic accordingly
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.pool != nil {
		status := s.pool.Status()
		ready = status.TargetSize == 0 || status.Size > 0
	}
	if !ready {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "warming"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	calls := s.service.ActiveCalls()
	resp := map[string]interface{}{
		"uptime":       time.Since(s.startTime).String(),
		"active_calls": len(calls),
		"bound_media":  len(s.mediaBridge.BoundCalls()),
	}
	if s.pool != nil {
		resp["pool"] = s.pool.Status()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleConfig reports the running configuration; secret fields are excluded
// by their marshalling tags
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg)
}

func (s *Server) handleGetInboundAgenda(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"agenda": s.service.GetInboundAgenda(),
	})
}

func (s *Server) handleSetInboundAgenda(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agenda string `json:"agenda"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.service.SetInboundAgenda(req.Agenda)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"agenda": s.service.GetInboundAgenda(),
	})
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls": s.service.ActiveCalls(),
	})
}

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetNumber string `json:"target_number"`
		SourceNumber string `json:"source_number"`
		Agenda       string `json:"agenda"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetNumber == "" {
		s.writeError(w, http.StatusBadRequest, "target_number is required")
		return
	}

	callID, err := s.service.CreateOutboundCall(r.Context(), req.TargetNumber, req.SourceNumber, req.Agenda)
	if err != nil {
		s.logger.WithError(err).Error("Outbound call failed")
		s.writeError(w, http.StatusBadGateway, "failed to place call")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"call_id": callID})
}

// handleInboundWebhook receives incoming-call notifications, including the
// subscription validation handshake
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	result, err := s.service.HandleInboundNotification(r.Context(), body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid notification")
		return
	}

	if result.ValidationCode != "" {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"validationResponse": result.ValidationCode,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"answered": result.AnsweredCalls,
	})
}

func (s *Server) handleLifecycleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := s.service.HandleLifecycleEvents(r.Context(), body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid notification")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if err := s.service.Hangup(r.Context(), callID); err != nil {
		s.writeError(w, http.StatusNotFound, "unknown call")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "ended"})
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"call_id":     callID,
		"transcripts": s.service.Transcripts(callID),
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}
