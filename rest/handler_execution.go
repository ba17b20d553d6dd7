package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req model.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid execution request")
		return
	}
	defer r.Body.Close()
	if req.WorkflowName == "" {
		respondWithError(w, http.StatusBadRequest, "workflowName is required")
		return
	}
	executionId, err := s.executionService.StartExecution(r.Context(), req)
	if err != nil {
		logger.Error("error starting execution", zap.String("workflow", req.WorkflowName), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{"executionId": executionId})
}

func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionId, ok := executionVar(w, r)
	if !ok {
		return
	}
	if err := s.executionService.CancelExecution(r.Context(), executionId); err != nil {
		logger.Error("error cancelling execution", zap.String("executionId", executionId), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionId, ok := executionVar(w, r)
	if !ok {
		return
	}
	detail, err := s.executionService.GetExecutionDetail(r.Context(), executionId)
	if err != nil {
		logger.Info("execution not found", zap.String("executionId", executionId))
		respondWithError(w, statusFor(err), "execution not found")
		return
	}
	respondWithJSON(w, http.StatusOK, detail)
}

func (s *Server) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 100
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	executions, err := s.executionService.ListExecutions(r.Context(),
		query.Get("workflow"), model.ExecutionStatus(query.Get("status")), limit)
	if err != nil {
		logger.Error("error listing executions", zap.Error(err))
		respondWithError(w, statusFor(err), "error listing executions")
		return
	}
	respondWithJSON(w, http.StatusOK, executions)
}

func (s *Server) HandleArchiveExecution(w http.ResponseWriter, r *http.Request) {
	executionId, ok := executionVar(w, r)
	if !ok {
		return
	}
	if err := s.executionService.ArchiveExecution(r.Context(), executionId); err != nil {
		logger.Error("error archiving execution", zap.String("executionId", executionId), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleApproval(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executionId, ok := vars["id"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing execution id")
		return
	}
	nodeId, ok := vars["nodeId"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing node id")
		return
	}
	var decision model.ApprovalDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid approval payload")
		return
	}
	defer r.Body.Close()
	if err := s.executionService.Approve(r.Context(), executionId, nodeId, decision); err != nil {
		logger.Error("error applying approval", zap.String("executionId", executionId),
			zap.String("nodeId", nodeId), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"approved": decision.Approved})
}

func executionVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	vars := mux.Vars(r)
	executionId, ok := vars["id"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing execution id")
		return "", false
	}
	return executionId, true
}
