package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"go.uber.org/zap"
)

func (s *Server) HandleExternalEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.ExternalEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	defer r.Body.Close()
	if ev.ExecutionId == "" || ev.NodeId == "" {
		respondWithError(w, http.StatusBadRequest, "executionId and nodeId are required")
		return
	}
	if err := s.executionService.HandleExternalEvent(r.Context(), ev); err != nil {
		logger.Error("error consuming event", zap.String("executionId", ev.ExecutionId),
			zap.String("nodeId", ev.NodeId), zap.String("event", ev.Name), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	executionId, ok := executionVar(w, r)
	if !ok {
		return
	}
	events, err := s.executionService.ListEvents(r.Context(), executionId)
	if err != nil {
		logger.Error("error listing events", zap.String("executionId", executionId), zap.Error(err))
		respondWithError(w, statusFor(err), "error listing events")
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

// HandleStreamExecution serves the execution's transition events over SSE.
// The stream closes after a terminal execution event or when the client
// disconnects.
func (s *Server) HandleStreamExecution(w http.ResponseWriter, r *http.Request) {
	executionId, ok := executionVar(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.stream.Subscribe(executionId)
	defer cancel()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Error("error encoding stream event", zap.String("executionId", executionId), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
			if terminalEvent(ev.Type) {
				return
			}
		}
	}
}

func terminalEvent(t model.EventType) bool {
	switch t {
	case model.EVENT_EXECUTION_COMPLETED, model.EVENT_EXECUTION_FAILED, model.EVENT_EXECUTION_CANCELLED:
		return true
	}
	return false
}
