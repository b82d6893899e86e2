// Package client builds Kubernetes clients from the credential sources a CI
// job typically supplies.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// New returns a clientset together with the rest config it was built from.
// The rest config is needed later for the SPDY exec transport.
func New(kubeconfig string) (kubernetes.Interface, *rest.Config, error) {
	cfg, err := buildConfig(kubeconfig)
	if err != nil {
		return nil, nil, err
	}

	// The runner follows one pod; default client throttling just slows
	// down log streaming for no benefit.
	cfg.QPS = 50
	cfg.Burst = 100

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return cs, cfg, nil
}

// buildConfig resolves credentials in the order a CLI user expects:
// explicit flag, KUBECONFIG env, the recommended home file, and only then
// in-cluster config for runs scheduled inside the target cluster itself.
func buildConfig(kubeconfig string) (*rest.Config, error) {
	if path := resolveKubeconfigPath(kubeconfig); path != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig %s: %w", path, err)
		}
		return cfg, nil
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("no kubeconfig found and not running in-cluster: %w", err)
	}
	return cfg, nil
}

// resolveKubeconfigPath picks the kubeconfig file to use, or "" when none
// of the file-based sources exist.
func resolveKubeconfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); env != "" {
		return env
	}
	if _, err := os.Stat(clientcmd.RecommendedHomeFile); err == nil {
		return clientcmd.RecommendedHomeFile
	}
	return ""
}

// WaitForAPI probes the apiserver version with exponential backoff. Fresh
// clusters in CI are routinely mid-bootstrap when the conformance job
// starts, so transient connection errors are retried for up to a minute.
// Cancelling the context stops the retry loop between attempts.
func WaitForAPI(ctx context.Context, client kubernetes.Interface, log *slog.Logger) (*version.Info, error) {
	var info *version.Info

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		var err error
		info, err = client.Discovery().ServerVersion()
		if err != nil {
			log.Debug("apiserver not ready, retrying", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("reaching apiserver: %w", err)
	}
	return info, nil
}
