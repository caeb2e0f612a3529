// Package cluster wraps the slice of the Kubernetes API the playground
// runtime depends on. The daemon never reaches for the clientset directly;
// everything goes through Interface so tests can substitute a fake.
package cluster

import (
	"context"
	"errors"
)

// ErrAlreadyExists is returned by CreateNamespace when the namespace is
// already present. Callers treat it as success: namespace creation is
// idempotent.
var ErrAlreadyExists = errors.New("resource already exists")

// PodSpec describes the single playground container a sandbox runs.
type PodSpec struct {
	Name   string
	Image  string
	Port   int32
	Env    map[string]string
	Labels map[string]string

	CPULimit      string
	MemoryLimit   string
	CPURequest    string
	MemoryRequest string
}

// ServiceSpec describes the cluster-internal route to a sandbox pod.
type ServiceSpec struct {
	Name       string
	Selector   map[string]string
	Port       int32
	TargetPort int32
}

// PodStatus is the readiness view the lifecycle controller polls on.
type PodStatus struct {
	Phase string
	PodIP string
	Ready bool
}

// Pod phases the controller distinguishes. Anything else is treated as
// "still starting".
const (
	PodRunning = "Running"
	PodFailed  = "Failed"
)

// Interface is the consumed control-plane capability. Namespace deletion
// cascades to the pod and service inside it.
type Interface interface {
	CreateNamespace(ctx context.Context, name string, labels map[string]string) error
	CreatePod(ctx context.Context, namespace string, spec PodSpec) (string, error)
	CreateService(ctx context.Context, namespace string, spec ServiceSpec) (string, error)
	GetPod(ctx context.Context, namespace, name string) (PodStatus, error)
	DeleteNamespace(ctx context.Context, name string) error
}
