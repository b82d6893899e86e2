package conformance

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressParser(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  Progress
	}{
		{
			name: "success summary",
			lines: []string{
				"Ran 402 of 7407 Specs in 5528.142 seconds",
				"SUCCESS! -- 402 Passed | 0 Failed | 0 Pending | 7005 Skipped",
			},
			want: Progress{Ran: 402, Total: 7407, Failed: 0, Verdict: "SUCCESS"},
		},
		{
			name: "failure summary",
			lines: []string{
				"Ran 402 of 7407 Specs in 6100.001 seconds",
				"FAIL! -- 399 Passed | 3 Failed | 0 Pending | 7005 Skipped",
			},
			want: Progress{Ran: 402, Total: 7407, Failed: 3, Verdict: "FAIL"},
		},
		{
			name: "ginkgo v2 failure markers counted before summary",
			lines: []string{
				"  [FAILED] expected pod to be running",
				"  [FAILED] timed out waiting for endpoint",
			},
			want: Progress{Failed: 2},
		},
		{
			name: "summary overrides marker count",
			lines: []string{
				"  [FAILED] expected pod to be running",
				"Ran 10 of 20 Specs in 1.000 seconds",
				"FAIL! -- 9 Passed | 1 Failed | 0 Pending | 10 Skipped",
			},
			want: Progress{Ran: 10, Total: 20, Failed: 1, Verdict: "FAIL"},
		},
		{
			name:  "unrelated output ignored",
			lines: []string{"some chatter", "• [2.641 seconds]"},
			want:  Progress{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pp := &progressParser{}
			for _, line := range tt.lines {
				pp.observe(line)
			}
			assert.Equal(t, tt.want, pp.p)
		})
	}
}

func TestRelayLogsCopiesAndParses(t *testing.T) {
	src := strings.Join([]string{
		"Conformance suite starting",
		"Ran 5 of 10 Specs in 12.000 seconds",
		"SUCCESS! -- 5 Passed | 0 Failed | 0 Pending | 5 Skipped",
	}, "\n")

	var dst bytes.Buffer
	progress, err := relayLogs(context.Background(), strings.NewReader(src), &dst, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, progress.Ran)
	assert.Equal(t, 10, progress.Total)
	assert.Equal(t, "SUCCESS", progress.Verdict)
	assert.Contains(t, dst.String(), "Conformance suite starting")
	assert.Contains(t, dst.String(), "SUCCESS!")
}

func TestRelayLogsWritesProgressLines(t *testing.T) {
	src := strings.Join([]string{
		"Conformance suite starting",
		"Ran 5 of 10 Specs in 12.000 seconds",
		"SUCCESS! -- 5 Passed | 0 Failed | 0 Pending | 5 Skipped",
	}, "\n")

	var dst, progressOut bytes.Buffer
	_, err := relayLogs(context.Background(), strings.NewReader(src), &dst, &progressOut)
	require.NoError(t, err)

	assert.Contains(t, progressOut.String(), "5 of 10 tests run")
	assert.NotContains(t, dst.String(), "progress:")
}

func TestRelayLogsHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	_, err := relayLogs(ctx, strings.NewReader("line one\nline two\n"), &dst, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelayLogsLongLines(t *testing.T) {
	long := strings.Repeat("x", 512*1024)

	var dst bytes.Buffer
	_, err := relayLogs(context.Background(), strings.NewReader(long+"\n"), &dst, nil)
	require.NoError(t, err)
	assert.Equal(t, len(long)+1, dst.Len())
}
