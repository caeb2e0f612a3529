package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rastion/playground-runtime/playgroundd/logstream"
	"github.com/rastion/playground-runtime/playgroundd/manager"
	"github.com/rastion/playground-runtime/playgroundd/registry"
	"github.com/rastion/playground-runtime/playgroundd/ws"
)

// APIHandler exposes the daemon to the web layer. Authentication and
// session handling live with the caller; this surface trusts owner ids.
type APIHandler struct {
	logger   *slog.Logger
	manager  *manager.Manager
	registry *registry.Registry
	pipeline *logstream.Pipeline
	hub      *ws.Hub
}

func NewAPIHandler(logger *slog.Logger, mgr *manager.Manager, reg *registry.Registry, pipeline *logstream.Pipeline, hub *ws.Hub) *APIHandler {
	return &APIHandler{
		logger:   logger,
		manager:  mgr,
		registry: reg,
		pipeline: pipeline,
		hub:      hub,
	}
}

// Register wires every route onto the router.
func (h *APIHandler) Register(router *mux.Router) {
	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/health", HealthCheckHandler).Methods("GET")

	api.HandleFunc("/environments", h.CreateEnvironmentHandler).Methods("POST")
	api.HandleFunc("/environments", h.ListEnvironmentsHandler).Methods("GET")
	api.HandleFunc("/environments/current", h.GetCurrentEnvironmentHandler).Methods("GET")
	api.HandleFunc("/environments/{environmentID}", h.GetEnvironmentHandler).Methods("GET")
	api.HandleFunc("/environments/{environmentID}", h.DeleteEnvironmentHandler).Methods("DELETE")
	api.HandleFunc("/environments/{environmentID}/execute", h.ExecuteHandler).Methods("POST")

	api.HandleFunc("/executions/{executionID}/logs", h.IngestLogsHandler).Methods("POST")
	api.HandleFunc("/executions/{executionID}", h.GetExecutionHandler).Methods("GET")
	api.HandleFunc("/executions/{executionID}", h.DisposeExecutionHandler).Methods("DELETE")

	router.HandleFunc("/v1/environments/{environmentID}/stream", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(h.hub, h.manager, w, r, h.logger)
	})
}

// ErrorResponse is the JSON error shape.
type ErrorResponse struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// WriteError writes an error response in JSON format.
func WriteError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Message: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

// CreateEnvironmentRequest is the body for provisioning a new environment.
type CreateEnvironmentRequest struct {
	OwnerID string `json:"owner_id"`
	manager.JobSpec
}

// CreateEnvironmentHandler provisions a sandbox and waits for readiness.
// The call blocks for up to the readiness timeout; a provisioning failure
// leaves a failed record queryable through the GET endpoints.
func (h *APIHandler) CreateEnvironmentHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.OwnerID == "" {
		WriteError(w, "Missing 'owner_id' in request body", http.StatusBadRequest)
		return
	}

	sb, err := h.manager.CreateSandbox(r.Context(), req.OwnerID, req.JobSpec)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyActive):
			WriteError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, registry.ErrCapacityExceeded):
			WriteError(w, err.Error(), http.StatusTooManyRequests)
		default:
			h.logger.Error("Failed to create environment", "ownerID", req.OwnerID, "error", err)
			WriteError(w, "Failed to create environment: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, sb)
}

func (h *APIHandler) ListEnvironmentsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// GetCurrentEnvironmentHandler resolves an owner's live environment, if
// any.
func (h *APIHandler) GetCurrentEnvironmentHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner")
	if ownerID == "" {
		WriteError(w, "Missing 'owner' query parameter", http.StatusBadRequest)
		return
	}
	sb, ok := h.registry.GetByOwner(ownerID)
	if !ok {
		WriteError(w, fmt.Sprintf("No environment for owner %s", ownerID), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (h *APIHandler) GetEnvironmentHandler(w http.ResponseWriter, r *http.Request) {
	environmentID := mux.Vars(r)["environmentID"]
	sb, ok := h.registry.Get(environmentID)
	if !ok {
		WriteError(w, fmt.Sprintf("Environment %s not found", environmentID), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (h *APIHandler) DeleteEnvironmentHandler(w http.ResponseWriter, r *http.Request) {
	environmentID := mux.Vars(r)["environmentID"]
	if !h.manager.DeleteSandbox(r.Context(), environmentID) {
		WriteError(w, fmt.Sprintf("Environment %s not found", environmentID), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteHandler runs one optimization against the environment's pod. The
// response is always the canonical result shape; failures come back with
// success=false rather than an error status, except an unknown environment
// which also gets a 404.
func (h *APIHandler) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	environmentID := mux.Vars(r)["environmentID"]

	var req manager.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	result := h.manager.Execute(r.Context(), environmentID, req)
	status := http.StatusOK
	if result.ErrorType == "not_found" {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

// IngestLogsRequest carries one chunk of raw pod output.
type IngestLogsRequest struct {
	EnvironmentID string `json:"environment_id"`
	Output        string `json:"output"`
}

// IngestLogsHandler feeds raw output into the log pipeline and broadcasts
// the refreshed snapshot to the environment's subscribers. The response is
// the same update subscribers receive.
func (h *APIHandler) IngestLogsHandler(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]

	var req IngestLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.EnvironmentID == "" {
		WriteError(w, "Missing 'environment_id' in request body", http.StatusBadRequest)
		return
	}

	update := h.manager.StreamExecution(req.EnvironmentID, executionID, req.Output)
	writeJSON(w, http.StatusOK, update)
}

func (h *APIHandler) GetExecutionHandler(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	snap, ok := h.pipeline.Snapshot(executionID)
	if !ok {
		WriteError(w, fmt.Sprintf("Execution %s not found", executionID), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// DisposeExecutionHandler drops all pipeline state for an execution once
// the caller has durably recorded its result.
func (h *APIHandler) DisposeExecutionHandler(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	h.pipeline.Dispose(executionID)
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheckHandler responds with a simple OK status.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
