// Package conformance drives a Kubernetes conformance run: fixture
// provisioning, the conformance pod lifecycle, e2e log streaming, artifact
// retrieval, and teardown.
package conformance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/conformium/hydrophone/internal/client"
	"github.com/conformium/hydrophone/internal/config"
	"github.com/conformium/hydrophone/internal/report"
)

// Names shared between the pod spec, the log streamer, and the artifact
// retriever. The pod name is fixed so a crashed run can be found and cleaned
// up by a later invocation.
const (
	PodName              = "e2e-conformance-test"
	ConformanceContainer = "conformance-container"
	OutputContainer      = "output-container"

	serviceAccountName = "conformance-serviceaccount"
	clusterRoleName    = "conformance-serviceaccount"
	repoListConfigMap  = "conformance-repo-list"
	repoListKey        = "repo-list.yaml"
	repoListMountPath  = "/etc/hydrophone"

	resultsVolume = "output-volume"
	resultsDir    = "/tmp/results"

	// LogFile and JUnitFile are the artifact names the e2e suite writes
	// under the results dir.
	LogFile   = "e2e.log"
	JUnitFile = "junit_01.xml"
)

// Labels stamped on every object the runner creates. Cleanup refuses to
// touch anything that does not carry the managed-by label.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	ManagedByValue = "hydrophone"
	LabelRunID     = "hydrophone.io/run-id"
)

// ErrTestsFailed reports a completed run whose JUnit verdict contains
// failures. The caller maps it to exit code 1.
var ErrTestsFailed = errors.New("conformance tests failed")

// Runner executes one conformance run against a target cluster.
type Runner struct {
	client   kubernetes.Interface
	restCfg  *rest.Config
	settings *config.Settings
	log      *slog.Logger
	out      io.Writer

	runID   string
	tracer  trace.Tracer
	metrics *runMetrics
	exec    execStreamer

	repoListData []byte
}

// NewRunner wires a Runner for the given cluster and settings.
func NewRunner(cs kubernetes.Interface, restCfg *rest.Config, settings *config.Settings, log *slog.Logger) *Runner {
	r := &Runner{
		client:   cs,
		restCfg:  restCfg,
		settings: settings,
		log:      log,
		out:      os.Stdout,
		runID:    uuid.NewString(),
		tracer:   otel.Tracer("hydrophone/conformance"),
		metrics:  newRunMetrics(),
	}
	r.exec = &spdyExec{client: cs, cfg: restCfg, namespace: settings.Namespace, pod: PodName}
	return r
}

// RunResult carries everything the CLI needs to report the outcome.
type RunResult struct {
	Summary       *report.Summary
	ServerVersion string
	Image         string

	LogPath    string
	JUnitPath  string
	ReportPath string
}

// Run executes the full conformance flow. It returns ErrTestsFailed
// (wrapped in the result's summary) only through the summary; any error
// returned here means the run itself could not complete.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "conformance.run",
		trace.WithAttributes(attribute.String("run.id", r.runID)))
	defer span.End()

	started := time.Now()

	info, err := client.WaitForAPI(ctx, r.client, r.log)
	if err != nil {
		return nil, err
	}
	explicitImage := r.settings.ConformanceImage != ""
	r.settings.ResolveConformanceImage(info.GitVersion)
	minor := strings.TrimRight(info.Minor, "+")
	if explicitImage && minor != "" && !strings.Contains(r.settings.ConformanceImage, info.Major+"."+minor) {
		r.log.Warn("conformance image does not match the server minor version",
			"image", r.settings.ConformanceImage, "server_version", info.GitVersion)
	}
	r.log.Info("connected to cluster",
		"server_version", info.GitVersion,
		"conformance_image", r.settings.ConformanceImage,
		"run_id", r.runID)

	if r.settings.TestRepoList != "" {
		_, raw, err := config.LoadRepoList(r.settings.TestRepoList)
		if err != nil {
			return nil, err
		}
		r.repoListData = raw
	}

	if r.settings.DryRun {
		manifest, err := r.DryRunManifest()
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(r.out, string(manifest))
		return &RunResult{ServerVersion: info.GitVersion, Image: r.settings.ConformanceImage}, nil
	}

	if err := os.MkdirAll(r.settings.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	if err := r.ensureFixtures(ctx); err != nil {
		return nil, err
	}
	if !r.settings.SkipCleanup {
		defer func() {
			// Cleanup still runs after cancellation, on its own clock.
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := r.Cleanup(cleanupCtx); err != nil {
				r.log.Warn("cleanup incomplete", "error", err)
			}
		}()
	}

	if err := r.createPod(ctx, r.conformancePod()); err != nil {
		return nil, err
	}

	if err := r.waitForPodStart(ctx); err != nil {
		return nil, err
	}

	logPath := filepath.Join(r.settings.OutputDir, LogFile)
	progress, err := r.streamLogs(ctx, logPath)
	if err != nil {
		return nil, err
	}

	phase, err := r.waitForCompletion(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Info("conformance pod finished", "phase", string(phase), "ran", progress.Ran, "failed", progress.Failed)

	if err := r.retrieveArtifacts(ctx, r.settings.OutputDir); err != nil {
		return nil, err
	}

	junitPath := filepath.Join(r.settings.OutputDir, JUnitFile)
	summary, err := r.summarize(junitPath, phase)
	if err != nil {
		return nil, err
	}
	summary.Duration = time.Since(started)

	result := &RunResult{
		Summary:       summary,
		ServerVersion: info.GitVersion,
		Image:         r.settings.ConformanceImage,
		LogPath:       logPath,
		JUnitPath:     junitPath,
		ReportPath:    r.settings.ReportPath,
	}

	if err := r.writeReport(result, started); err != nil {
		return nil, err
	}

	r.metrics.record(ctx, summary)
	return result, nil
}

// summarize parses the JUnit artifact into a Summary. The pod phase only
// breaks ties: a Succeeded pod with failing cases is still a failed run.
func (r *Runner) summarize(junitPath string, phase corev1.PodPhase) (*report.Summary, error) {
	f, err := os.Open(junitPath)
	if err != nil {
		return nil, fmt.Errorf("opening junit results (e2e log preserved at %s): %w",
			filepath.Join(r.settings.OutputDir, LogFile), err)
	}
	defer f.Close()

	suites, err := report.ParseJUnit(f)
	if err != nil {
		return nil, fmt.Errorf("parsing junit results: %w", err)
	}

	summary := report.Summarize(suites)
	if summary.Total == 0 && phase == corev1.PodFailed {
		return nil, fmt.Errorf("conformance pod failed before producing results")
	}
	return summary, nil
}

func (r *Runner) writeReport(result *RunResult, started time.Time) error {
	meta := report.RunMeta{
		RunID:         r.runID,
		ServerVersion: result.ServerVersion,
		Image:         result.Image,
		Focus:         r.settings.Focus,
		Skip:          r.settings.Skip,
		StartedAt:     started,
		GeneratedAt:   time.Now(),
	}

	// Render fully before touching the target so a template failure never
	// truncates a report from an earlier run.
	var buf bytes.Buffer
	if err := report.RenderHTML(&buf, result.Summary, meta); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	if err := writeFileAtomic(result.ReportPath, &buf); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	r.log.Info("wrote conformance report", "path", result.ReportPath)
	return nil
}

// ListImages launches the conformance image with the e2e binary's
// --list-images flag, relays its output, and tears the pod down again. No
// RBAC fixtures are needed since the suite never talks to the apiserver.
func (r *Runner) ListImages(ctx context.Context) error {
	info, err := client.WaitForAPI(ctx, r.client, r.log)
	if err != nil {
		return err
	}
	r.settings.ResolveConformanceImage(info.GitVersion)

	if err := r.ensureNamespace(ctx); err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := r.Cleanup(cleanupCtx); err != nil {
			r.log.Warn("cleanup incomplete", "error", err)
		}
	}()

	if err := r.createPod(ctx, r.listImagesPod()); err != nil {
		return err
	}
	if err := r.waitForPodStart(ctx); err != nil {
		return err
	}
	return r.relayLogsTo(ctx, r.out)
}
