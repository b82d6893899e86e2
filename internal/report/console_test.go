package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintSummary(t *testing.T) {
	s := &Summary{
		Total:   10,
		Passed:  8,
		Failed:  1,
		Skipped: 1,
		Failures: []CaseFailure{
			{Name: "[sig-network] breaks"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, PrintSummary(&buf, s))

	out := buf.String()
	assert.Contains(t, out, "Passed")
	assert.Contains(t, out, "[sig-network] breaks")
	assert.Contains(t, out, "FAILURE: 1 of 10 tests failed")
}

func TestPrintVerdict(t *testing.T) {
	var buf bytes.Buffer
	PrintVerdict(&buf, &Summary{Total: 5, Passed: 3, Skipped: 2})
	assert.Contains(t, buf.String(), "SUCCESS: 3 passed, 2 skipped")
}
