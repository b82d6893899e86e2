package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	grey  = color.New(color.FgHiBlack).SprintFunc()
)

// PrintSummary renders the run outcome as a table plus a verdict line.
func PrintSummary(w io.Writer, s *Summary) error {
	table := tablewriter.NewTable(w)
	table.Header("Result", "Count")

	data := [][]any{
		{green("Passed"), strconv.Itoa(s.Passed)},
		{red("Failed"), strconv.Itoa(s.Failed)},
		{grey("Skipped"), strconv.Itoa(s.Skipped)},
		{"Total", strconv.Itoa(s.Total)},
	}
	if err := table.Bulk(data); err != nil {
		return fmt.Errorf("building summary table: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering summary table: %w", err)
	}

	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s %s\n", red("✗"), f.Name)
	}

	fmt.Fprintln(w, verdictLine(s))
	return nil
}

// VerdictLine is the one line always printed, quiet mode included.
func verdictLine(s *Summary) string {
	if s.Success() {
		return green(fmt.Sprintf("SUCCESS: %d passed, %d skipped", s.Passed, s.Skipped))
	}
	return red(fmt.Sprintf("FAILURE: %d of %d tests failed", s.Failed, s.Total))
}

// PrintVerdict writes only the verdict line.
func PrintVerdict(w io.Writer, s *Summary) {
	fmt.Fprintln(w, verdictLine(s))
}
