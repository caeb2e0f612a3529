package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/rastion/playground-runtime/playgroundd/logstream"
)

// ExecuteRequest is one synchronous optimization run against a ready
// environment's in-pod API.
type ExecuteRequest struct {
	ExecutionID       string         `json:"execution_id,omitempty"`
	ProblemName       string         `json:"problem_name"`
	ProblemUsername   string         `json:"problem_username"`
	OptimizerName     string         `json:"optimizer_name"`
	OptimizerUsername string         `json:"optimizer_username"`
	ProblemParams     map[string]any `json:"problem_params,omitempty"`
	OptimizerParams   map[string]any `json:"optimizer_params,omitempty"`
}

// Result is the canonical execution outcome. Every failure mode comes back
// in this shape with Success=false; nothing is thrown past the gateway.
type Result struct {
	Success           bool           `json:"success"`
	ExecutionID       string         `json:"execution_id,omitempty"`
	ProblemName       string         `json:"problem_name"`
	OptimizerName     string         `json:"optimizer_name"`
	ProblemUsername   string         `json:"problem_username,omitempty"`
	OptimizerUsername string         `json:"optimizer_username,omitempty"`
	ExecutionTime     float64        `json:"execution_time"`
	RuntimeSeconds    float64        `json:"runtime_seconds,omitempty"`
	BestSolution      any            `json:"best_solution"`
	BestValue         any            `json:"best_value"`
	Iterations        any            `json:"iterations"`
	TerminationReason string         `json:"termination_reason,omitempty"`
	History           []any          `json:"history"`
	Metadata          map[string]any `json:"metadata"`
	Timestamp         float64        `json:"timestamp,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ErrorType         string         `json:"error_type,omitempty"`
}

// agentRequest is the body the in-pod qubots API expects. The timeout is in
// milliseconds and sits below the gateway's own HTTP timeout.
type agentRequest struct {
	ProblemName       string         `json:"problem_name"`
	ProblemUsername   string         `json:"problem_username"`
	OptimizerName     string         `json:"optimizer_name"`
	OptimizerUsername string         `json:"optimizer_username"`
	ProblemParams     map[string]any `json:"problem_params"`
	OptimizerParams   map[string]any `json:"optimizer_params"`
	Timeout           int            `json:"timeout"`
}

// Execute looks the environment up, refreshes its activity, and issues one
// bounded-timeout call into the pod's /execute endpoint. Existence is the
// only gate: calling against a non-ready environment is the caller's error
// and surfaces as an api_error result.
func (m *Manager) Execute(ctx context.Context, environmentID string, req ExecuteRequest) *Result {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}

	sb, ok := m.registry.Get(environmentID)
	if !ok {
		return errorResult(req, "not_found", fmt.Sprintf("environment %s not found", environmentID))
	}
	m.registry.Touch(environmentID)

	if sb.AgentURL == "" {
		return errorResult(req, "api_error", fmt.Sprintf("environment %s has no reachable pod", environmentID))
	}

	body, err := json.Marshal(agentRequest{
		ProblemName:       req.ProblemName,
		ProblemUsername:   req.ProblemUsername,
		OptimizerName:     req.OptimizerName,
		OptimizerUsername: req.OptimizerUsername,
		ProblemParams:     orEmpty(req.ProblemParams),
		OptimizerParams:   orEmpty(req.OptimizerParams),
		Timeout:           m.cfg.AgentTimeoutMS,
	})
	if err != nil {
		return errorResult(req, "api_error", fmt.Sprintf("encoding request: %v", err))
	}

	// The gateway enforces its own timeout independent of the caller's
	// context, bounding worst-case blocking.
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecuteTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, sb.AgentURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return errorResult(req, "api_error", fmt.Sprintf("building request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		m.logger.Error("Execution request failed", "environmentID", environmentID, "executionID", req.ExecutionID, "error", err)
		return errorResult(req, "api_error", fmt.Sprintf("executing against pod: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResult(req, "api_error", fmt.Sprintf("reading pod response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Warn("Pod returned error status", "environmentID", environmentID, "executionID", req.ExecutionID, "status", resp.StatusCode)
		return errorResult(req, "api_error", fmt.Sprintf("pod returned status %d: %s", resp.StatusCode, string(raw)))
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return errorResult(req, "api_error", fmt.Sprintf("decoding pod response: %v", err))
	}
	result.ExecutionID = req.ExecutionID
	normalizeResult(&result, req)

	m.logger.Info("Execution finished", "environmentID", environmentID, "executionID", req.ExecutionID,
		"success", result.Success, "executionTime", result.ExecutionTime)
	return &result
}

// ExecutionUpdate is the payload broadcast to an environment's subscribers
// after each ingest of raw output.
type ExecutionUpdate struct {
	Type string `json:"type"`
	logstream.Snapshot
	Result map[string]any `json:"result,omitempty"`
}

// StreamExecution pushes a chunk of raw pod output through the log
// pipeline, refreshes the environment's activity, and broadcasts the
// resulting snapshot. If the chunk carries the sentinel-delimited final
// result block, the parsed result rides along in the update.
func (m *Manager) StreamExecution(environmentID, executionID, rawText string) ExecutionUpdate {
	m.registry.Touch(environmentID)
	m.pipeline.Ingest(executionID, rawText)
	snap, _ := m.pipeline.Snapshot(executionID)

	update := ExecutionUpdate{Type: "execution_update", Snapshot: snap}
	if result, ok := logstream.ExtractResult(rawText); ok {
		update.Result = result
	}

	if payload, err := json.Marshal(update); err == nil {
		m.hub.SubmitBroadcast(environmentID, payload)
	} else {
		m.logger.Error("Failed to marshal execution update", "executionID", executionID, "error", err)
	}
	return update
}

func errorResult(req ExecuteRequest, errorType, message string) *Result {
	r := &Result{
		Success:           false,
		ExecutionID:       req.ExecutionID,
		ProblemName:       req.ProblemName,
		OptimizerName:     req.OptimizerName,
		ProblemUsername:   req.ProblemUsername,
		OptimizerUsername: req.OptimizerUsername,
		ErrorType:         errorType,
		ErrorMessage:      message,
	}
	normalizeResult(r, req)
	return r
}

// normalizeResult fills the canonical shape: unknown or missing fields
// default to empty rather than failing the call.
func normalizeResult(r *Result, req ExecuteRequest) {
	if r.ProblemName == "" {
		r.ProblemName = req.ProblemName
	}
	if r.OptimizerName == "" {
		r.OptimizerName = req.OptimizerName
	}
	if r.History == nil {
		r.History = []any{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
