package client

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/version"
	fakediscovery "k8s.io/client-go/discovery/fake"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/clientcmd"
)

func TestResolveKubeconfigPath(t *testing.T) {
	t.Run("explicit path wins", func(t *testing.T) {
		t.Setenv(clientcmd.RecommendedConfigPathEnvVar, "/env/kubeconfig")
		assert.Equal(t, "/flag/kubeconfig", resolveKubeconfigPath("/flag/kubeconfig"))
	})

	t.Run("KUBECONFIG env is second", func(t *testing.T) {
		t.Setenv(clientcmd.RecommendedConfigPathEnvVar, "/env/kubeconfig")
		assert.Equal(t, "/env/kubeconfig", resolveKubeconfigPath(""))
	})
}

func TestNewRejectsBrokenKubeconfig(t *testing.T) {
	t.Setenv(clientcmd.RecommendedConfigPathEnvVar, "/does/not/exist")

	_, _, err := New("")
	assert.Error(t, err)
}

func TestWaitForAPIReturnsServerVersion(t *testing.T) {
	cs := fake.NewSimpleClientset()
	cs.Discovery().(*fakediscovery.FakeDiscovery).FakedServerVersion = &version.Info{
		Major: "1", Minor: "32", GitVersion: "v1.32.2",
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	info, err := WaitForAPI(context.Background(), cs, log)
	require.NoError(t, err)
	assert.Equal(t, "v1.32.2", info.GitVersion)
}
