package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/conveyorhq/conveyor/event"
	"github.com/conveyorhq/conveyor/graph"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/metadata"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/service"
	"github.com/gorilla/mux"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port             int
	metadataService  metadata.MetadataService
	executionService *service.ExecutionService
	stream           *event.StreamBroker
}

func NewServer(httpPort int, metadataService metadata.MetadataService, executionService *service.ExecutionService, stream *event.StreamBroker) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		metadataService:  metadataService,
		executionService: executionService,
		stream:           stream,
		Port:             httpPort,
	}

	trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	if err := view.Register(ochttp.DefaultServerViews...); err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/workflows", s.HandleSaveWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/workflows", s.HandleListWorkflows).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/workflows/{name}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/workflows/{name}/versions", s.HandleListWorkflowVersions).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/workflows/{name}/versions/{version}", s.HandleDeleteWorkflow).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/workflows/{name}/versions/{version}/publish", s.HandlePublishWorkflow).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/executions", s.HandleStartExecution).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/executions", s.HandleListExecutions).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/executions/{id}", s.HandleGetExecution).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/executions/{id}/cancel", s.HandleCancelExecution).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/executions/{id}/archive", s.HandleArchiveExecution).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/executions/{id}/steps/{nodeId}/approval", s.HandleApproval).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/executions/{id}/events", s.HandleListEvents).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/executions/{id}/stream", s.HandleStreamExecution).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/events", s.HandleExternalEvent).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	s.Handler = &ochttp.Handler{Handler: router}
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP statuses. Anything unrecognized is
// a server error.
func statusFor(err error) int {
	var notFound persistence.NotFoundError
	var conflict persistence.StateConflictError
	var compilation *graph.CompilationError
	var detail model.ErrorDetail
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &compilation):
		return http.StatusBadRequest
	case errors.As(err, &detail) && detail.Code == model.ERROR_CODE_VALIDATION:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
