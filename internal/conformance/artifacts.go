package conformance

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// execStreamer runs a command in a pod container and streams its output.
// It exists as an interface so artifact retrieval is testable without a
// SPDY transport.
type execStreamer interface {
	stream(ctx context.Context, container string, cmd []string, stdout, stderr io.Writer) error
}

type spdyExec struct {
	client    kubernetes.Interface
	cfg       *rest.Config
	namespace string
	pod       string
}

func (e *spdyExec) stream(ctx context.Context, container string, cmd []string, stdout, stderr io.Writer) error {
	req := e.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(e.pod).
		Namespace(e.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.cfg, http.MethodPost, req.URL())
	if err != nil {
		return fmt.Errorf("creating exec transport: %w", err)
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
}

// retrieveArtifacts copies the results directory out of the output sidecar
// as a tar stream. The whole transfer is retried as a unit; a partial
// transfer never leaves truncated files behind because each file lands via
// a temp name and rename.
func (r *Runner) retrieveArtifacts(ctx context.Context, destDir string) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute

	operation := func() error {
		return r.copyResults(ctx, destDir)
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("retrieving artifacts: %w", err)
	}
	r.log.Info("retrieved artifacts", "dir", destDir)
	return nil
}

func (r *Runner) copyResults(ctx context.Context, destDir string) error {
	pr, pw := io.Pipe()
	defer pr.Close() // unblocks the exec goroutine if untar bails early
	var stderr bytes.Buffer

	go func() {
		err := r.exec.stream(ctx, OutputContainer,
			[]string{"tar", "cf", "-", "-C", resultsDir, "."}, pw, &stderr)
		pw.CloseWithError(err)
	}()

	if err := untar(tar.NewReader(pr), destDir); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w (remote tar: %s)", err, msg)
		}
		return err
	}
	return nil
}

func untar(tr *tar.Reader, destDir string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("tar entry %q escapes the destination", hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFileAtomic(target, tr); err != nil {
				return err
			}
		default:
			// Symlinks and devices have no business in a results dir.
			continue
		}
	}
}

func writeFileAtomic(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", target, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".hydrophone-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", target, err)
	}
	// CreateTemp defaults to 0600; artifacts are meant to be read by CI
	// archiving steps running as other users.
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("setting mode on %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
