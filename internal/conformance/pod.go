package conformance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// conformancePod builds the two-container pod that runs the suite. The
// conformance container exits when the suite does; the output sidecar keeps
// the shared results volume alive so artifacts can be copied out afterwards.
func (r *Runner) conformancePod() *corev1.Pod {
	env := []corev1.EnvVar{
		{Name: "E2E_FOCUS", Value: r.settings.Focus},
		{Name: "E2E_SKIP", Value: r.settings.Skip},
		{Name: "E2E_PROVIDER", Value: "skeleton"},
		{Name: "E2E_PARALLEL", Value: strconv.Itoa(r.settings.Parallel)},
		{Name: "E2E_VERBOSITY", Value: strconv.Itoa(r.settings.Verbosity)},
		{Name: "E2E_USE_GO_RUNNER", Value: "true"},
	}
	if r.settings.TestRepo != "" {
		env = append(env, corev1.EnvVar{Name: "KUBE_TEST_REPO", Value: r.settings.TestRepo})
	}
	if len(r.settings.ExtraArgs) > 0 {
		env = append(env, corev1.EnvVar{Name: "E2E_EXTRA_ARGS", Value: strings.Join(r.settings.ExtraArgs, " ")})
	}
	if len(r.settings.ExtraGinkgoArgs) > 0 {
		env = append(env, corev1.EnvVar{Name: "E2E_EXTRA_GINKGO_ARGS", Value: strings.Join(r.settings.ExtraGinkgoArgs, " ")})
	}

	conformance := corev1.Container{
		Name:  ConformanceContainer,
		Image: r.settings.ConformanceImage,
		Env:   env,
		VolumeMounts: []corev1.VolumeMount{
			{Name: resultsVolume, MountPath: resultsDir},
		},
		ImagePullPolicy: corev1.PullIfNotPresent,
	}

	volumes := []corev1.Volume{
		{
			Name: resultsVolume,
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{},
			},
		},
	}

	if r.repoListData != nil {
		conformance.Env = append(conformance.Env, corev1.EnvVar{
			Name:  "KUBE_TEST_REPO_LIST",
			Value: repoListMountPath + "/" + repoListKey,
		})
		conformance.VolumeMounts = append(conformance.VolumeMounts, corev1.VolumeMount{
			Name:      "repo-list",
			MountPath: repoListMountPath,
			ReadOnly:  true,
		})
		volumes = append(volumes, corev1.Volume{
			Name: "repo-list",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: repoListConfigMap},
				},
			},
		})
	}

	output := corev1.Container{
		Name:    OutputContainer,
		Image:   r.settings.BusyboxImage,
		Command: []string{"/bin/sh", "-c", "while true; do sleep 1; done"},
		VolumeMounts: []corev1.VolumeMount{
			{Name: resultsVolume, MountPath: resultsDir, ReadOnly: true},
		},
		ImagePullPolicy: corev1.PullIfNotPresent,
	}

	return &corev1.Pod{
		TypeMeta: metav1.TypeMeta{Kind: "Pod", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName,
			Namespace: r.settings.Namespace,
			Labels:    r.labels(),
		},
		Spec: corev1.PodSpec{
			ServiceAccountName: serviceAccountName,
			RestartPolicy:      corev1.RestartPolicyNever,
			Containers:         []corev1.Container{conformance, output},
			Volumes:            volumes,
		},
	}
}

// listImagesPod runs the e2e binary's image listing directly; no sidecar,
// no service account, the suite never contacts the apiserver in this mode.
func (r *Runner) listImagesPod() *corev1.Pod {
	return &corev1.Pod{
		TypeMeta: metav1.TypeMeta{Kind: "Pod", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName,
			Namespace: r.settings.Namespace,
			Labels:    r.labels(),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:            ConformanceContainer,
					Image:           r.settings.ConformanceImage,
					Command:         []string{"/usr/local/bin/e2e.test", "--list-images"},
					ImagePullPolicy: corev1.PullIfNotPresent,
				},
			},
		},
	}
}

// DryRunManifest renders the conformance pod as YAML without touching the
// cluster.
func (r *Runner) DryRunManifest() ([]byte, error) {
	manifest, err := yaml.Marshal(r.conformancePod())
	if err != nil {
		return nil, fmt.Errorf("marshaling pod manifest: %w", err)
	}
	return manifest, nil
}

func (r *Runner) createPod(ctx context.Context, pod *corev1.Pod) error {
	if _, err := r.client.CoreV1().Pods(r.settings.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("pod %s already exists in namespace %s, run --cleanup to remove leftovers from a previous run: %w",
				pod.Name, r.settings.Namespace, err)
		}
		return fmt.Errorf("creating conformance pod: %w", err)
	}
	r.log.Info("created conformance pod", "pod", pod.Name, "image", r.settings.ConformanceImage)
	return nil
}
