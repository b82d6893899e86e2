package conformance

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrNamespaceNotManaged means the target namespace exists but was not
// created by hydrophone. Adopting foreign namespaces risks deleting user
// workloads on cleanup, so the runner refuses.
var ErrNamespaceNotManaged = errors.New("namespace exists but is not managed by hydrophone")

func (r *Runner) labels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     r.runID,
	}
}

// ensureFixtures provisions the namespace, the service account, and the
// cluster-scoped RBAC the e2e suite needs. Each step tolerates
// AlreadyExists so interrupted runs can be resumed.
func (r *Runner) ensureFixtures(ctx context.Context) error {
	if err := r.ensureNamespace(ctx); err != nil {
		return err
	}

	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceAccountName,
			Namespace: r.settings.Namespace,
			Labels:    r.labels(),
		},
	}
	if _, err := r.client.CoreV1().ServiceAccounts(r.settings.Namespace).Create(ctx, sa, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating service account: %w", err)
	}

	// The e2e suite exercises the whole API surface; conformance runs
	// have always required cluster-admin-ish access.
	role := &rbacv1.ClusterRole{
		ObjectMeta: metav1.ObjectMeta{
			Name:   clusterRoleName,
			Labels: r.labels(),
		},
		Rules: []rbacv1.PolicyRule{
			{
				APIGroups: []string{"*"},
				Resources: []string{"*"},
				Verbs:     []string{"*"},
			},
			{
				NonResourceURLs: []string{"/metrics", "/logs", "/logs/*", "/healthz", "/readyz", "/livez"},
				Verbs:           []string{"get"},
			},
		},
	}
	if _, err := r.client.RbacV1().ClusterRoles().Create(ctx, role, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating cluster role: %w", err)
	}

	binding := &rbacv1.ClusterRoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:   clusterRoleName,
			Labels: r.labels(),
		},
		Subjects: []rbacv1.Subject{
			{
				Kind:      rbacv1.ServiceAccountKind,
				Name:      serviceAccountName,
				Namespace: r.settings.Namespace,
			},
		},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "ClusterRole",
			Name:     clusterRoleName,
		},
	}
	if _, err := r.client.RbacV1().ClusterRoleBindings().Create(ctx, binding, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating cluster role binding: %w", err)
	}

	if r.repoListData != nil {
		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      repoListConfigMap,
				Namespace: r.settings.Namespace,
				Labels:    r.labels(),
			},
			Data: map[string]string{repoListKey: string(r.repoListData)},
		}
		if _, err := r.client.CoreV1().ConfigMaps(r.settings.Namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("creating repo list configmap: %w", err)
		}
	}

	return nil
}

func (r *Runner) ensureNamespace(ctx context.Context) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   r.settings.Namespace,
			Labels: r.labels(),
		},
	}

	_, err := r.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating namespace %s: %w", r.settings.Namespace, err)
	}

	existing, err := r.client.CoreV1().Namespaces().Get(ctx, r.settings.Namespace, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("inspecting existing namespace: %w", err)
	}
	if existing.Labels[LabelManagedBy] != ManagedByValue {
		return fmt.Errorf("%w: %s", ErrNamespaceNotManaged, r.settings.Namespace)
	}

	// A managed namespace left over from a prior run. If it is mid
	// termination, wait it out and recreate; otherwise reuse it.
	if existing.Status.Phase == corev1.NamespaceTerminating {
		r.log.Info("waiting for leftover namespace to terminate", "namespace", r.settings.Namespace)
		if err := r.waitForNamespaceGone(ctx); err != nil {
			return err
		}
		if _, err := r.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("recreating namespace %s: %w", r.settings.Namespace, err)
		}
	}
	return nil
}

// Cleanup removes everything a run created, newest dependency first, and
// waits for the namespace to finish terminating. Objects that are already
// gone are fine; objects we do not own are left alone.
func (r *Runner) Cleanup(ctx context.Context) error {
	pods := r.client.CoreV1().Pods(r.settings.Namespace)
	if err := pods.Delete(ctx, PodName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting conformance pod: %w", err)
	}

	if err := r.client.RbacV1().ClusterRoleBindings().Delete(ctx, clusterRoleName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting cluster role binding: %w", err)
	}
	if err := r.client.RbacV1().ClusterRoles().Delete(ctx, clusterRoleName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting cluster role: %w", err)
	}

	existing, err := r.client.CoreV1().Namespaces().Get(ctx, r.settings.Namespace, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting namespace before delete: %w", err)
	}
	if existing.Labels[LabelManagedBy] != ManagedByValue {
		return fmt.Errorf("%w: refusing to delete %s", ErrNamespaceNotManaged, r.settings.Namespace)
	}

	if err := r.client.CoreV1().Namespaces().Delete(ctx, r.settings.Namespace, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting namespace: %w", err)
	}
	return r.waitForNamespaceGone(ctx)
}

func (r *Runner) waitForNamespaceGone(ctx context.Context) error {
	err := wait.PollUntilContextTimeout(ctx, 2*time.Second, 2*time.Minute, true,
		func(ctx context.Context) (bool, error) {
			_, err := r.client.CoreV1().Namespaces().Get(ctx, r.settings.Namespace, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			return false, nil
		})
	if err != nil {
		return fmt.Errorf("waiting for namespace %s to terminate: %w", r.settings.Namespace, err)
	}
	return nil
}
