package config

import (
	"context"
	"os"
	"strings"
)

// K8sProvider reads secrets that Kubernetes mounts into the pod as files
type K8sProvider struct {
	fileProvider *FileProvider
	namespace    string
}

// NewK8sProvider creates a provider over secretsPath (default /var/secrets).
// An empty namespace is read from the pod's service account.
func NewK8sProvider(secretsPath, namespace string) *K8sProvider {
	if secretsPath == "" {
		// Default Kubernetes secret mount path
		secretsPath = "/var/secrets"
	}
	if namespace == "" {
		// Try to detect namespace from pod
		if ns, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			namespace = strings.TrimSpace(string(ns))
		} else {
			namespace = "default"
		}
	}

	return &K8sProvider{
		fileProvider: NewFileProvider(secretsPath),
		namespace:    namespace,
	}
}

// GetSecret reads the mounted secret file for key
func (k *K8sProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return k.fileProvider.GetSecret(ctx, key)
}

// Name returns the provider name
func (k *K8sProvider) Name() string {
	return "kubernetes"
}

// IsAvailable checks if running in a Kubernetes environment
func (k *K8sProvider) IsAvailable(ctx context.Context) bool {
	// Check if we're running in Kubernetes by looking for service account token
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount/token"); err == nil {
		// Also check if secrets directory exists
		return k.fileProvider.IsAvailable(ctx)
	}
	return false
}

// GetNamespace returns the current Kubernetes namespace
func (k *K8sProvider) GetNamespace() string {
	return k.namespace
}
