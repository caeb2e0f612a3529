package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rastion/playground-runtime/playgroundd/cluster"
	"github.com/rastion/playground-runtime/playgroundd/config"
	"github.com/rastion/playground-runtime/playgroundd/logstream"
	"github.com/rastion/playground-runtime/playgroundd/manager"
	"github.com/rastion/playground-runtime/playgroundd/registry"
	"github.com/rastion/playground-runtime/playgroundd/ws"
)

// readyCluster answers every readiness poll with a running pod.
type readyCluster struct{}

func (readyCluster) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	return nil
}

func (readyCluster) CreatePod(ctx context.Context, namespace string, spec cluster.PodSpec) (string, error) {
	return spec.Name, nil
}

func (readyCluster) CreateService(ctx context.Context, namespace string, spec cluster.ServiceSpec) (string, error) {
	return spec.Name, nil
}

func (readyCluster) GetPod(ctx context.Context, namespace, name string) (cluster.PodStatus, error) {
	return cluster.PodStatus{Phase: cluster.PodRunning, Ready: true, PodIP: "10.1.2.3"}, nil
}

func (readyCluster) DeleteNamespace(ctx context.Context, name string) error {
	return nil
}

type testAPI struct {
	router   *mux.Router
	registry *registry.Registry
	pipeline *logstream.Pipeline
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		MaxEnvironments: 2,
		SessionTimeout:  time.Hour,
		SweepInterval:   time.Minute,
		PollInterval:    2 * time.Millisecond,
		ReadyTimeout:    150 * time.Millisecond,
		ExecuteTimeout:  time.Second,
		AgentTimeoutMS:  500,
		AgentPort:       8000,
		SnapshotWindow:  100,
		Image:           "rastion/playground:test",
		NamespacePrefix: "playground",
		GiteaURL:        "https://rastion.com",
	}
	reg := registry.New(cfg.MaxEnvironments, cfg.NamespacePrefix, cfg.BaseDomain, logger)
	hub := ws.NewHub(logger)
	pipeline := logstream.NewPipeline(cfg.SnapshotWindow, logger)
	mgr := manager.New(cfg, reg, readyCluster{}, hub, pipeline, logger)

	router := mux.NewRouter()
	NewAPIHandler(logger, mgr, reg, pipeline, hub).Register(router)
	return &testAPI{router: router, registry: reg, pipeline: pipeline}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func createBody(owner string) map[string]any {
	return map[string]any{
		"owner_id":       owner,
		"problem_name":   "tsp-berlin52",
		"optimizer_name": "simulated-annealing",
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateEnvironment(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/environments", createBody("alice"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var sb registry.Sandbox
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sb))
	assert.Equal(t, registry.StatusReady, sb.Status)
	assert.Equal(t, "alice", sb.OwnerID)
	assert.NotEmpty(t, sb.ID)
	assert.Equal(t, "10.1.2.3", sb.PodIP)
}

func TestCreateEnvironmentRequiresOwner(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/v1/environments", map[string]any{"problem_name": "tsp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateEnvironmentConflict(t *testing.T) {
	api := newTestAPI(t)

	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/v1/environments", createBody("alice")).Code)
	rec := api.do(t, http.MethodPost, "/v1/environments", createBody("alice"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Contains(t, errResp.Message, "active environment")
}

func TestCreateEnvironmentCapacity(t *testing.T) {
	api := newTestAPI(t)

	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/v1/environments", createBody("alice")).Code)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/v1/environments", createBody("bob")).Code)

	rec := api.do(t, http.MethodPost, "/v1/environments", createBody("carol"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetCurrentEnvironment(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/v1/environments", createBody("alice")).Code)

	rec := api.do(t, http.MethodGet, "/v1/environments/current?owner=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sb registry.Sandbox
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sb))
	assert.Equal(t, "alice", sb.OwnerID)

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/v1/environments/current?owner=bob", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/v1/environments/current", nil).Code)
}

func TestGetAndDeleteEnvironment(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/v1/environments", createBody("alice"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var sb registry.Sandbox
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sb))

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/environments/"+sb.ID, nil).Code)
	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/v1/environments/"+sb.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/v1/environments/"+sb.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodDelete, "/v1/environments/"+sb.ID, nil).Code)
}

func TestListEnvironments(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/v1/environments", createBody("alice")).Code)

	rec := api.do(t, http.MethodGet, "/v1/environments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []registry.Sandbox
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestExecuteAgainstPod(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":        true,
			"problem_name":   "tsp-berlin52",
			"optimizer_name": "simulated-annealing",
			"best_value":     7542.0,
		})
	}))
	defer agent.Close()

	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/v1/environments", createBody("alice"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var sb registry.Sandbox
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sb))

	// Point the environment at the test pod.
	require.NoError(t, api.registry.SetEndpoint(sb.ID, "127.0.0.1", agent.URL))

	rec = api.do(t, http.MethodPost, fmt.Sprintf("/v1/environments/%s/execute", sb.ID), map[string]any{
		"problem_name":   "tsp-berlin52",
		"optimizer_name": "simulated-annealing",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result manager.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 7542.0, result.BestValue)
}

func TestExecuteUnknownEnvironmentStillReturnsResult(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/environments/ghost/execute", map[string]any{"problem_name": "tsp"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var result manager.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, "not_found", result.ErrorType)
}

func TestIngestLogsAndReadExecution(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/v1/environments", createBody("alice"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var sb registry.Sandbox
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sb))

	rec = api.do(t, http.MethodPost, "/v1/executions/exec-1/logs", map[string]any{
		"environment_id": sb.ID,
		"output":         "STEP_PROGRESS: {\"step\": \"dataset\", \"progress\": 100, \"message\": \"loaded\"}\n",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var update manager.ExecutionUpdate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &update))
	assert.Equal(t, "execution_update", update.Type)
	assert.Equal(t, logstream.StepCompleted, update.StepStates["dataset"].Status)

	rec = api.do(t, http.MethodGet, "/v1/executions/exec-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/v1/executions/exec-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/v1/executions/exec-1", nil).Code)
}

func TestIngestLogsRequiresEnvironment(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/v1/executions/exec-1/logs", map[string]any{"output": "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
