package conformance

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/conformium/hydrophone/internal/report"
)

// runMetrics records run outcomes through the global meter provider. When
// telemetry is not configured these are no-ops.
type runMetrics struct {
	runs        metric.Int64Counter
	testsPassed metric.Int64Counter
	testsFailed metric.Int64Counter
}

func newRunMetrics() *runMetrics {
	meter := otel.Meter("hydrophone/conformance")

	runs, _ := meter.Int64Counter("hydrophone.runs",
		metric.WithDescription("Completed conformance runs"))
	passed, _ := meter.Int64Counter("hydrophone.tests.passed",
		metric.WithDescription("Conformance test cases passed"))
	failed, _ := meter.Int64Counter("hydrophone.tests.failed",
		metric.WithDescription("Conformance test cases failed"))

	return &runMetrics{runs: runs, testsPassed: passed, testsFailed: failed}
}

func (m *runMetrics) record(ctx context.Context, s *report.Summary) {
	m.runs.Add(ctx, 1)
	m.testsPassed.Add(ctx, int64(s.Passed))
	m.testsFailed.Add(ctx, int64(s.Failed))
}
