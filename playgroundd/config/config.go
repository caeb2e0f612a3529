package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds every runtime knob the daemon recognizes. All values come
// from the environment with sane defaults, so a bare `playgroundd` starts
// against an in-cluster apiserver.
type Config struct {
	Host     string `env:"PLAYGROUND_HOST, default=0.0.0.0"`
	Port     int    `env:"PLAYGROUND_PORT, default=8081"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	// Admission and reclamation policy.
	MaxEnvironments int           `env:"MAX_ENVIRONMENTS, default=10"`
	SessionTimeout  time.Duration `env:"SESSION_TIMEOUT, default=30m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL, default=60s"`

	// Pod readiness polling.
	PollInterval time.Duration `env:"POD_POLL_INTERVAL, default=2s"`
	ReadyTimeout time.Duration `env:"POD_READY_TIMEOUT, default=120s"`

	// Execution gateway. ExecuteTimeout must sit above the in-pod execution
	// timeout so the pod gets a chance to answer with its own error shape.
	ExecuteTimeout time.Duration `env:"EXECUTE_TIMEOUT, default=35s"`
	AgentTimeoutMS int           `env:"AGENT_TIMEOUT_MS, default=30000"`
	AgentPort      int           `env:"AGENT_PORT, default=8000"`

	// Log pipeline.
	SnapshotWindow int `env:"SNAPSHOT_WINDOW, default=100"`

	// Cluster workload parameters.
	Image           string `env:"PLAYGROUND_IMAGE, default=rastion/playground:latest"`
	NamespacePrefix string `env:"NAMESPACE_PREFIX, default=playground"`
	BaseDomain      string `env:"PLAYGROUND_BASE_DOMAIN, default=playground.rastion.com"`
	GiteaURL        string `env:"GITEA_URL, default=https://rastion.com"`
	Kubeconfig      string `env:"KUBECONFIG"`

	CPULimit      string `env:"SANDBOX_CPU_LIMIT, default=1"`
	MemoryLimit   string `env:"SANDBOX_MEMORY_LIMIT, default=2Gi"`
	CPURequest    string `env:"SANDBOX_CPU_REQUEST, default=250m"`
	MemoryRequest string `env:"SANDBOX_MEMORY_REQUEST, default=512Mi"`
}

// Load processes the environment into a Config and validates it.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxEnvironments < 1 {
		return fmt.Errorf("MAX_ENVIRONMENTS must be at least 1, got %d", c.MaxEnvironments)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POD_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.ReadyTimeout < c.PollInterval {
		return fmt.Errorf("POD_READY_TIMEOUT (%s) must not be shorter than POD_POLL_INTERVAL (%s)", c.ReadyTimeout, c.PollInterval)
	}
	if c.ExecuteTimeout <= time.Duration(c.AgentTimeoutMS)*time.Millisecond {
		return fmt.Errorf("EXECUTE_TIMEOUT (%s) must exceed AGENT_TIMEOUT_MS (%dms)", c.ExecuteTimeout, c.AgentTimeoutMS)
	}
	if c.SnapshotWindow < 1 {
		return fmt.Errorf("SNAPSHOT_WINDOW must be at least 1, got %d", c.SnapshotWindow)
	}
	return nil
}
