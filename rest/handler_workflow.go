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

func (s *Server) HandleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid workflow payload")
		return
	}
	defer r.Body.Close()
	summary, err := s.metadataService.SaveWorkflow(r.Context(), wf)
	if err != nil {
		logger.Error("error saving workflow", zap.String("name", wf.Name), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, summary)
}

func (s *Server) HandlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	name, version, ok := workflowVersionVars(w, r)
	if !ok {
		return
	}
	wf, err := s.metadataService.PublishWorkflow(r.Context(), name, version)
	if err != nil {
		logger.Error("error publishing workflow", zap.String("name", name), zap.Int("version", version), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"name": wf.Name, "version": wf.Version, "published": wf.Published})
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, ok := vars["name"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing workflow name")
		return
	}
	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "version must be an integer")
			return
		}
		version = parsed
	}
	wf, err := s.metadataService.GetWorkflow(r.Context(), name, version)
	if err != nil {
		logger.Info("workflow does not exist", zap.String("name", name), zap.Int("version", version))
		respondWithError(w, statusFor(err), "workflow does not exist")
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.metadataService.ListWorkflows(r.Context())
	if err != nil {
		logger.Error("error listing workflows", zap.Error(err))
		respondWithError(w, statusFor(err), "error listing workflows")
		return
	}
	respondWithJSON(w, http.StatusOK, summaries)
}

func (s *Server) HandleListWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, ok := vars["name"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing workflow name")
		return
	}
	summaries, err := s.metadataService.ListWorkflowVersions(r.Context(), name)
	if err != nil {
		logger.Error("error listing workflow versions", zap.String("name", name), zap.Error(err))
		respondWithError(w, statusFor(err), "error listing workflow versions")
		return
	}
	respondWithJSON(w, http.StatusOK, summaries)
}

func (s *Server) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	name, version, ok := workflowVersionVars(w, r)
	if !ok {
		return
	}
	if err := s.metadataService.DeleteWorkflow(r.Context(), name, version); err != nil {
		logger.Error("error deleting workflow", zap.String("name", name), zap.Int("version", version), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOKWithoutBody(w)
}

func workflowVersionVars(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	vars := mux.Vars(r)
	name, ok := vars["name"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing workflow name")
		return "", 0, false
	}
	raw, ok := vars["version"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing workflow version")
		return "", 0, false
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "version must be an integer")
		return "", 0, false
	}
	return name, version, true
}
