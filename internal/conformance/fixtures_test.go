package conformance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/conformium/hydrophone/internal/config"
)

func TestEnsureFixturesCreatesEverything(t *testing.T) {
	fakeClient := fake.NewSimpleClientset()
	r := newTestRunner(fakeClient, &config.Settings{Namespace: "conformance"})

	ctx := context.Background()
	require.NoError(t, r.ensureFixtures(ctx))

	ns, err := fakeClient.CoreV1().Namespaces().Get(ctx, "conformance", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, ManagedByValue, ns.Labels[LabelManagedBy])
	assert.Equal(t, r.runID, ns.Labels[LabelRunID])

	_, err = fakeClient.CoreV1().ServiceAccounts("conformance").Get(ctx, serviceAccountName, metav1.GetOptions{})
	assert.NoError(t, err)

	role, err := fakeClient.RbacV1().ClusterRoles().Get(ctx, clusterRoleName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, role.Rules[0].Verbs)

	binding, err := fakeClient.RbacV1().ClusterRoleBindings().Get(ctx, clusterRoleName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, serviceAccountName, binding.Subjects[0].Name)
}

func TestEnsureFixturesIsIdempotent(t *testing.T) {
	fakeClient := fake.NewSimpleClientset()
	r := newTestRunner(fakeClient, &config.Settings{Namespace: "conformance"})

	ctx := context.Background()
	require.NoError(t, r.ensureFixtures(ctx))
	require.NoError(t, r.ensureFixtures(ctx))
}

func TestEnsureFixturesRefusesForeignNamespace(t *testing.T) {
	existing := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "conformance"},
	}
	fakeClient := fake.NewSimpleClientset(existing)
	r := newTestRunner(fakeClient, &config.Settings{Namespace: "conformance"})

	err := r.ensureFixtures(context.Background())
	assert.ErrorIs(t, err, ErrNamespaceNotManaged)
}

func TestEnsureFixturesCreatesRepoListConfigMap(t *testing.T) {
	fakeClient := fake.NewSimpleClientset()
	r := newTestRunner(fakeClient, &config.Settings{Namespace: "conformance"})
	r.repoListData = []byte("promoterE2eRegistry: mirror.example.com\n")

	ctx := context.Background()
	require.NoError(t, r.ensureFixtures(ctx))

	cm, err := fakeClient.CoreV1().ConfigMaps("conformance").Get(ctx, repoListConfigMap, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Contains(t, cm.Data[repoListKey], "mirror.example.com")
}

func TestCleanupRemovesManagedFixtures(t *testing.T) {
	fakeClient := fake.NewSimpleClientset()
	r := newTestRunner(fakeClient, &config.Settings{Namespace: "conformance"})

	ctx := context.Background()
	require.NoError(t, r.ensureFixtures(ctx))
	require.NoError(t, r.createPod(ctx, r.conformancePod()))

	require.NoError(t, r.Cleanup(ctx))

	_, err := fakeClient.CoreV1().Namespaces().Get(ctx, "conformance", metav1.GetOptions{})
	assert.Error(t, err)
	_, err = fakeClient.RbacV1().ClusterRoles().Get(ctx, clusterRoleName, metav1.GetOptions{})
	assert.Error(t, err)
	_, err = fakeClient.RbacV1().ClusterRoleBindings().Get(ctx, clusterRoleName, metav1.GetOptions{})
	assert.Error(t, err)
}

func TestCleanupRefusesForeignNamespace(t *testing.T) {
	existing := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "conformance"},
	}
	fakeClient := fake.NewSimpleClientset(existing)
	r := newTestRunner(fakeClient, &config.Settings{Namespace: "conformance"})

	err := r.Cleanup(context.Background())
	assert.ErrorIs(t, err, ErrNamespaceNotManaged)

	_, getErr := fakeClient.CoreV1().Namespaces().Get(context.Background(), "conformance", metav1.GetOptions{})
	assert.NoError(t, getErr, "foreign namespace must survive cleanup")
}

func TestCleanupIsNoopWhenNothingExists(t *testing.T) {
	fakeClient := fake.NewSimpleClientset()
	r := newTestRunner(fakeClient, &config.Settings{Namespace: "conformance"})

	assert.NoError(t, r.Cleanup(context.Background()))
}
