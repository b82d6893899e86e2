package report

import (
	"time"
)

// CaseFailure is one failed test case with its diagnostic output.
type CaseFailure struct {
	Name    string
	Message string
	Output  string
}

// Summary aggregates a JUnit document into the numbers the CLI and the
// HTML report care about.
type Summary struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int

	// SuiteTime is the duration reported by the suite itself; Duration is
	// wall clock for the whole run including pod scheduling.
	SuiteTime time.Duration
	Duration  time.Duration

	Failures []CaseFailure
}

// Summarize flattens all suites into a single Summary. Errors count as
// failures; the distinction matters to build systems, not to a conformance
// verdict.
func Summarize(ts *TestSuites) *Summary {
	s := &Summary{}
	for _, suite := range ts.Suites {
		s.SuiteTime += time.Duration(suite.Time * float64(time.Second))
		for _, c := range suite.Cases {
			s.Total++
			switch {
			case c.Skipped != nil:
				s.Skipped++
			case c.Failure != nil:
				s.Failed++
				s.Failures = append(s.Failures, CaseFailure{
					Name:    c.Name,
					Message: c.Failure.Message,
					Output:  c.Failure.Body,
				})
			case c.Error != nil:
				s.Failed++
				s.Failures = append(s.Failures, CaseFailure{
					Name:    c.Name,
					Message: c.Error.Message,
					Output:  c.Error.Body,
				})
			default:
				s.Passed++
			}
		}
	}
	return s
}

// Success reports whether the run passed: no failures, parse produced a
// document. An empty suite (focus matched nothing) counts as success.
func (s *Summary) Success() bool { return s.Failed == 0 }
