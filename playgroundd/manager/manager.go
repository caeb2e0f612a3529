// Package manager is the sandbox lifecycle controller: it provisions
// cluster resources for new environments, polls them to readiness, deletes
// them on request or when idle, and gateways execution requests into the
// in-pod API.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rastion/playground-runtime/playgroundd/cluster"
	"github.com/rastion/playground-runtime/playgroundd/config"
	"github.com/rastion/playground-runtime/playgroundd/logstream"
	"github.com/rastion/playground-runtime/playgroundd/registry"
)

const (
	podName     = "playground"
	serviceName = "playground"
	appLabel    = "rastion-playground"
)

// ErrNotReady reports a readiness poll that ended without the pod coming
// up. The failed record stays queryable in the registry.
var ErrNotReady = errors.New("environment did not become ready")

// Broadcaster is the slice of the fan-out hub the manager uses.
type Broadcaster interface {
	SubmitBroadcast(environmentID string, message []byte)
	CloseAll(environmentID string)
}

// JobSpec carries the user-supplied coordinates of one optimization run:
// which problem and optimizer repositories the playground pod should load.
type JobSpec struct {
	ProblemName       string         `json:"problem_name"`
	ProblemUsername   string         `json:"problem_username"`
	OptimizerName     string         `json:"optimizer_name"`
	OptimizerUsername string         `json:"optimizer_username"`
	ProblemParams     map[string]any `json:"problem_params,omitempty"`
	OptimizerParams   map[string]any `json:"optimizer_params,omitempty"`
	Image             string         `json:"image,omitempty"`
}

// Manager orchestrates sandbox lifecycle against the cluster.
type Manager struct {
	cfg        *config.Config
	registry   *registry.Registry
	cluster    cluster.Interface
	hub        Broadcaster
	pipeline   *logstream.Pipeline
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg *config.Config, reg *registry.Registry, cl cluster.Interface, hub Broadcaster, pipeline *logstream.Pipeline, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		registry:   reg,
		cluster:    cl,
		hub:        hub,
		pipeline:   pipeline,
		httpClient: &http.Client{Timeout: cfg.ExecuteTimeout},
		logger:     logger.With("component", "sandbox-manager"),
	}
}

// EnvironmentExists implements ws.EnvironmentChecker.
func (m *Manager) EnvironmentExists(ctx context.Context, environmentID string) (bool, error) {
	_, ok := m.registry.Get(environmentID)
	return ok, nil
}

// CreateSandbox admits, provisions and waits for readiness. Admission
// errors surface unchanged. Provisioning and readiness failures mark the
// record failed but keep it queryable; resources recorded up to the failure
// point are released through normal deletion, not here.
func (m *Manager) CreateSandbox(ctx context.Context, ownerID string, job JobSpec) (*registry.Sandbox, error) {
	sb, err := m.registry.Create(ownerID)
	if err != nil {
		return nil, err
	}
	id := sb.ID
	m.logger.Info("Creating environment", "environmentID", id, "ownerID", ownerID,
		"problem", job.ProblemName, "optimizer", job.OptimizerName)

	labels := map[string]string{
		"app":                appLabel,
		"playground/id":      id,
		"playground/owner":   registrySafeLabel(ownerID),
		"playground/managed": "true",
	}

	if err := m.cluster.CreateNamespace(ctx, sb.Namespace, labels); err != nil && !errors.Is(err, cluster.ErrAlreadyExists) {
		return nil, m.failProvisioning(id, fmt.Errorf("creating namespace: %w", err))
	}

	created, err := m.cluster.CreatePod(ctx, sb.Namespace, m.podSpec(id, job))
	if err != nil {
		return nil, m.failProvisioning(id, fmt.Errorf("creating pod: %w", err))
	}
	m.registry.SetClusterRefs(id, created, "")

	svc, err := m.cluster.CreateService(ctx, sb.Namespace, cluster.ServiceSpec{
		Name:       serviceName,
		Selector:   map[string]string{"playground/id": id},
		Port:       int32(m.cfg.AgentPort),
		TargetPort: int32(m.cfg.AgentPort),
	})
	if err != nil {
		return nil, m.failProvisioning(id, fmt.Errorf("creating service: %w", err))
	}
	m.registry.SetClusterRefs(id, "", svc)

	if err := m.waitReady(ctx, sb.Namespace, created, id); err != nil {
		return nil, m.failProvisioning(id, err)
	}

	m.registry.SetStatus(id, registry.StatusReady)
	ready, _ := m.registry.Get(id)
	m.logger.Info("Environment ready", "environmentID", id, "podIP", ready.PodIP)
	return ready, nil
}

func (m *Manager) podSpec(id string, job JobSpec) cluster.PodSpec {
	image := job.Image
	if image == "" {
		image = m.cfg.Image
	}
	env := map[string]string{
		"SANDBOX_ID":         id,
		"GITEA_URL":          m.cfg.GiteaURL,
		"PORT":               fmt.Sprintf("%d", m.cfg.AgentPort),
		"PROBLEM_REPO":       job.ProblemName,
		"PROBLEM_USERNAME":   job.ProblemUsername,
		"OPTIMIZER_REPO":     job.OptimizerName,
		"OPTIMIZER_USERNAME": job.OptimizerUsername,
	}
	if len(job.ProblemParams) > 0 {
		if raw, err := json.Marshal(job.ProblemParams); err == nil {
			env["PROBLEM_PARAMS"] = string(raw)
		}
	}
	if len(job.OptimizerParams) > 0 {
		if raw, err := json.Marshal(job.OptimizerParams); err == nil {
			env["OPTIMIZER_PARAMS"] = string(raw)
		}
	}
	return cluster.PodSpec{
		Name:          podName,
		Image:         image,
		Port:          int32(m.cfg.AgentPort),
		Env:           env,
		Labels:        map[string]string{"app": appLabel, "playground/id": id},
		CPULimit:      m.cfg.CPULimit,
		MemoryLimit:   m.cfg.MemoryLimit,
		CPURequest:    m.cfg.CPURequest,
		MemoryRequest: m.cfg.MemoryRequest,
	}
}

// waitReady polls the pod on a fixed interval until it is running with all
// containers ready, the pod fails, or the overall timeout elapses.
func (m *Manager) waitReady(ctx context.Context, namespace, pod, id string) error {
	deadline := time.NewTimer(m.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: timed out after %s", ErrNotReady, m.cfg.ReadyTimeout)
		case <-ticker.C:
			status, err := m.cluster.GetPod(ctx, namespace, pod)
			if err != nil {
				m.logger.Debug("Pod status poll failed (will retry)", "environmentID", id, "error", err)
				continue
			}
			switch {
			case status.Phase == cluster.PodFailed:
				return fmt.Errorf("%w: pod entered Failed phase", ErrNotReady)
			case status.Phase == cluster.PodRunning && status.Ready && status.PodIP != "":
				agentURL := fmt.Sprintf("http://%s:%d", status.PodIP, m.cfg.AgentPort)
				m.registry.SetEndpoint(id, status.PodIP, agentURL)
				return nil
			}
		}
	}
}

// failProvisioning marks the record failed and returns the error. The
// record and any cluster resources it references intentionally survive for
// inspection; the reclamation sweep or an explicit delete cleans them up.
func (m *Manager) failProvisioning(id string, err error) error {
	m.registry.SetStatus(id, registry.StatusFailed)
	m.logger.Error("Environment provisioning failed", "environmentID", id, "error", err)
	return err
}

// DeleteSandbox tears an environment down: subscribers first, then a
// best-effort release of cluster resources, then the registry record.
// Returns false for an unknown id, making concurrent deletes and the sweep
// safe to race.
func (m *Manager) DeleteSandbox(ctx context.Context, id string) bool {
	sb, ok := m.registry.Get(id)
	if !ok {
		return false
	}

	m.hub.CloseAll(id)

	if sb.Namespace != "" {
		if err := m.cluster.DeleteNamespace(ctx, sb.Namespace); err != nil {
			// Release failures are logged, not retried; in-memory cleanup
			// must still complete.
			m.logger.Error("Failed to release cluster resources", "environmentID", id, "namespace", sb.Namespace, "error", err)
		}
	}

	m.registry.Remove(id)
	m.logger.Info("Environment deleted", "environmentID", id, "ownerID", sb.OwnerID)
	return true
}

// Reclaim runs the periodic sweep, deleting environments idle past the
// session timeout, until ctx is cancelled.
func (m *Manager) Reclaim(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	m.logger.Info("Reclamation sweep started", "interval", m.cfg.SweepInterval, "sessionTimeout", m.cfg.SessionTimeout)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Reclamation sweep stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()
	for _, sb := range m.registry.List() {
		if now.Sub(sb.LastActivity) <= m.cfg.SessionTimeout {
			continue
		}
		m.logger.Info("Reclaiming idle environment", "environmentID", sb.ID, "ownerID", sb.OwnerID, "idle", now.Sub(sb.LastActivity))
		m.DeleteSandbox(ctx, sb.ID)
	}
}

// registrySafeLabel maps an owner id onto the charset Kubernetes accepts
// for label values.
func registrySafeLabel(v string) string {
	out := make([]byte, 0, len(v))
	for _, c := range v {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, byte(c))
		default:
			out = append(out, '-')
		}
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return string(out)
}
