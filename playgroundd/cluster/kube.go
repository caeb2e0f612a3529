package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const containerName = "playground"

// KubeClient implements Interface against a real apiserver.
type KubeClient struct {
	clientset kubernetes.Interface
	logger    *slog.Logger
}

// NewKubeClient resolves cluster credentials in-cluster first, then from the
// given kubeconfig path (or $HOME/.kube/config when empty).
func NewKubeClient(kubeconfig string, logger *slog.Logger) (*KubeClient, error) {
	restCfg, err := buildRESTConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("resolving kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	return &KubeClient{
		clientset: clientset,
		logger:    logger.With("component", "cluster-client"),
	}, nil
}

// NewKubeClientForClientset wraps an existing clientset. Used by tests with
// a fake clientset.
func NewKubeClientForClientset(clientset kubernetes.Interface, logger *slog.Logger) *KubeClient {
	return &KubeClient{
		clientset: clientset,
		logger:    logger.With("component", "cluster-client"),
	}
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("not in cluster and no kubeconfig available: %w", err)
		}
		kubeconfig = home + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (k *KubeClient) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
	}
	_, err := k.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("namespace %s: %w", name, ErrAlreadyExists)
		}
		return fmt.Errorf("creating namespace %s: %w", name, err)
	}
	k.logger.Debug("Namespace created", "namespace", name)
	return nil
}

func (k *KubeClient) CreatePod(ctx context.Context, namespace string, spec PodSpec) (string, error) {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for name, value := range spec.Env {
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}

	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}
	if spec.CPULimit != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(spec.MemoryLimit)
	}
	if spec.CPURequest != "" {
		requests[corev1.ResourceCPU] = resource.MustParse(spec.CPURequest)
	}
	if spec.MemoryRequest != "" {
		requests[corev1.ResourceMemory] = resource.MustParse(spec.MemoryRequest)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  containerName,
				Image: spec.Image,
				Ports: []corev1.ContainerPort{{ContainerPort: spec.Port}},
				Env:   env,
				Resources: corev1.ResourceRequirements{
					Limits:   limits,
					Requests: requests,
				},
			}},
		},
	}

	created, err := k.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("creating pod %s/%s: %w", namespace, spec.Name, err)
	}
	k.logger.Debug("Pod created", "namespace", namespace, "pod", created.Name)
	return created.Name, nil
}

func (k *KubeClient) CreateService(ctx context.Context, namespace string, spec ServiceSpec) (string, error) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
		},
		Spec: corev1.ServiceSpec{
			Selector: spec.Selector,
			Ports: []corev1.ServicePort{{
				Port:       spec.Port,
				TargetPort: intstr.FromInt32(spec.TargetPort),
			}},
		},
	}
	created, err := k.clientset.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("creating service %s/%s: %w", namespace, spec.Name, err)
	}
	k.logger.Debug("Service created", "namespace", namespace, "service", created.Name)
	return created.Name, nil
}

func (k *KubeClient) GetPod(ctx context.Context, namespace, name string) (PodStatus, error) {
	pod, err := k.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return PodStatus{}, fmt.Errorf("reading pod %s/%s: %w", namespace, name, err)
	}
	status := PodStatus{
		Phase: string(pod.Status.Phase),
		PodIP: pod.Status.PodIP,
		Ready: len(pod.Status.ContainerStatuses) > 0,
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			status.Ready = false
			break
		}
	}
	return status, nil
}

func (k *KubeClient) DeleteNamespace(ctx context.Context, name string) error {
	err := k.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	k.logger.Debug("Namespace deleted", "namespace", name)
	return nil
}
