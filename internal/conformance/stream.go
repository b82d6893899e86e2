package conformance

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
)

// Progress is what the streamer could glean from the ginkgo output so far.
type Progress struct {
	Ran    int
	Failed int
	Total  int

	// Verdict is "SUCCESS" or "FAIL" once the suite printed its summary
	// line, empty before that.
	Verdict string
}

var (
	// "Ran 402 of 7407 Specs in 5528.142 seconds"
	reRan = regexp.MustCompile(`^Ran (\d+) of (\d+) Specs? in [0-9.]+ seconds`)

	// "SUCCESS! -- 402 Passed | 0 Failed | 0 Pending | 7005 Skipped"
	reVerdict = regexp.MustCompile(`^(SUCCESS|FAIL)! -- (\d+) Passed \| (\d+) Failed \| (\d+) Pending \| (\d+) Skipped`)

	// Per-test failure markers, ginkgo v2 and v1 flavors.
	reFailMark = regexp.MustCompile(`^\s*(\[FAILED\]|• Failure)`)
)

type progressParser struct {
	p Progress
}

func (pp *progressParser) observe(line string) {
	if reFailMark.MatchString(line) {
		pp.p.Failed++
		return
	}
	if m := reRan.FindStringSubmatch(line); m != nil {
		pp.p.Ran, _ = strconv.Atoi(m[1])
		pp.p.Total, _ = strconv.Atoi(m[2])
		return
	}
	if m := reVerdict.FindStringSubmatch(line); m != nil {
		pp.p.Verdict = m[1]
		passed, _ := strconv.Atoi(m[2])
		failed, _ := strconv.Atoi(m[3])
		pp.p.Failed = failed
		if pp.p.Ran == 0 {
			pp.p.Ran = passed + failed
		}
	}
}

// streamLogs follows the conformance container's output into e2e.log and,
// unless quiet, onto stdout. Establishing the stream is retried because the
// kubelet can lag the pod's Running transition by a few seconds.
func (r *Runner) streamLogs(ctx context.Context, logPath string) (*Progress, error) {
	f, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating e2e log file: %w", err)
	}
	defer f.Close()

	dst := io.Writer(f)
	var progressOut io.Writer
	if r.settings.Quiet {
		// The handler level is raised in quiet mode, so progress goes
		// straight to stderr rather than through the logger.
		progressOut = os.Stderr
	} else {
		dst = io.MultiWriter(f, r.out)
	}

	rc, err := r.openLogStream(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	progress, err := relayLogs(ctx, rc, dst, progressOut)
	if err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing e2e log file: %w", err)
	}
	return progress, nil
}

func (r *Runner) openLogStream(ctx context.Context) (io.ReadCloser, error) {
	var rc io.ReadCloser

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		req := r.client.CoreV1().Pods(r.settings.Namespace).GetLogs(PodName, &corev1.PodLogOptions{
			Container: ConformanceContainer,
			Follow:    true,
		})
		var err error
		rc, err = req.Stream(ctx)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("opening log stream: %w", err)
	}
	return rc, nil
}

// relayLogs copies the stream line by line, feeding the progress parser.
// When progressOut is non-nil a rate-limited progress line goes there
// instead of the raw output.
func relayLogs(ctx context.Context, src io.Reader, dst io.Writer, progressOut io.Writer) (*Progress, error) {
	parser := &progressParser{}
	limiter := rate.NewLimiter(rate.Every(10*time.Second), 1)

	scanner := bufio.NewScanner(src)
	// Ginkgo failure dumps include full goroutine stacks on one line.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return &parser.p, err
		}
		line := scanner.Text()
		if _, err := fmt.Fprintln(dst, line); err != nil {
			return &parser.p, fmt.Errorf("writing e2e log: %w", err)
		}
		parser.observe(line)

		if progressOut != nil && parser.p.Total > 0 && limiter.Allow() {
			fmt.Fprintf(progressOut, "progress: %d of %d tests run, %d failed\n",
				parser.p.Ran, parser.p.Total, parser.p.Failed)
		}
	}
	if err := scanner.Err(); err != nil {
		return &parser.p, fmt.Errorf("reading e2e log stream: %w", err)
	}
	return &parser.p, nil
}

// relayLogsTo drains the conformance container's log to the given writer
// without progress accounting (used by --list-images).
func (r *Runner) relayLogsTo(ctx context.Context, w io.Writer) error {
	rc, err := r.openLogStream(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("copying log stream: %w", err)
	}
	return nil
}
