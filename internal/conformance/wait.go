package conformance

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
)

// Container waiting reasons that will never resolve on their own. Failing
// fast here beats burning the whole startup timeout on a typoed image.
var fatalWaitingReasons = map[string]struct{}{
	"ErrImagePull":               {},
	"ImagePullBackOff":           {},
	"InvalidImageName":           {},
	"CreateContainerConfigError": {},
	"CrashLoopBackOff":           {},
}

// waitForPodStart blocks until the conformance pod reaches Running (or has
// already finished), bounded by the configured startup timeout. A closed
// watch channel is re-established; the apiserver drops watches routinely.
func (r *Runner) waitForPodStart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.settings.StartupTimeout)
	defer cancel()

	for {
		pod, err := r.client.CoreV1().Pods(r.settings.Namespace).Get(ctx, PodName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("getting conformance pod: %w", err)
		}
		if started, err := podStarted(pod); started || err != nil {
			return err
		}

		w, err := r.client.CoreV1().Pods(r.settings.Namespace).Watch(ctx, metav1.ListOptions{
			FieldSelector:   fields.OneTermEqualSelector("metadata.name", PodName).String(),
			ResourceVersion: pod.ResourceVersion,
		})
		if err != nil {
			return fmt.Errorf("watching conformance pod: %w", err)
		}

		done, err := r.consumePodEvents(ctx, w)
		w.Stop()
		if done || err != nil {
			return err
		}
		// Watch expired; loop re-syncs from a fresh Get.
	}
}

func (r *Runner) consumePodEvents(ctx context.Context, w watch.Interface) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return true, fmt.Errorf("conformance pod did not start within %s: %w",
				r.settings.StartupTimeout, ctx.Err())
		case ev, ok := <-w.ResultChan():
			if !ok {
				return false, nil
			}
			if ev.Type == watch.Deleted {
				return true, fmt.Errorf("conformance pod was deleted while waiting for startup")
			}
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if started, err := podStarted(pod); started || err != nil {
				return true, err
			}
		}
	}
}

// podStarted reports whether the pod is past startup, or a terminal error
// explaining why it never will be.
func podStarted(pod *corev1.Pod) (bool, error) {
	switch pod.Status.Phase {
	case corev1.PodRunning, corev1.PodSucceeded:
		return true, nil
	case corev1.PodFailed:
		return false, fmt.Errorf("conformance pod failed during startup: %s", pod.Status.Reason)
	}

	for _, cs := range append(pod.Status.InitContainerStatuses, pod.Status.ContainerStatuses...) {
		if cs.State.Waiting == nil {
			continue
		}
		if _, fatal := fatalWaitingReasons[cs.State.Waiting.Reason]; fatal {
			return false, fmt.Errorf("container %s cannot start: %s: %s",
				cs.Name, cs.State.Waiting.Reason, cs.State.Waiting.Message)
		}
	}
	return false, nil
}

// waitForCompletion polls until the pod reaches a terminal phase. There is
// no upper bound beyond the caller's context; full conformance runs take
// hours and how many is the cluster's business.
func (r *Runner) waitForCompletion(ctx context.Context) (corev1.PodPhase, error) {
	var phase corev1.PodPhase

	err := wait.PollUntilContextCancel(ctx, 5*time.Second, true,
		func(ctx context.Context) (bool, error) {
			pod, err := r.client.CoreV1().Pods(r.settings.Namespace).Get(ctx, PodName, metav1.GetOptions{})
			if err != nil {
				// Transient apiserver errors should not kill a run
				// that has been going for an hour.
				r.log.Debug("polling conformance pod", "error", err)
				return false, nil
			}

			// The suite is done when its container terminated, even
			// though the sidecar keeps the pod phase at Running.
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Name == ConformanceContainer && cs.State.Terminated != nil {
					phase = corev1.PodSucceeded
					if cs.State.Terminated.ExitCode != 0 {
						phase = corev1.PodFailed
					}
					return true, nil
				}
			}
			if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
				phase = pod.Status.Phase
				return true, nil
			}
			return false, nil
		})
	if err != nil {
		return "", fmt.Errorf("waiting for conformance pod to finish: %w", err)
	}
	return phase, nil
}
