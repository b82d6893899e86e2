// Package report parses the e2e suite's JUnit output and renders the
// conformance report.
package report

import (
	"encoding/xml"
	"fmt"
	"io"
)

// TestSuites is the <testsuites> root. The e2e suite sometimes emits a
// bare <testsuite> root instead; ParseJUnit accepts both.
type TestSuites struct {
	XMLName xml.Name    `xml:"testsuites"`
	Suites  []TestSuite `xml:"testsuite"`
}

type TestSuite struct {
	XMLName  xml.Name   `xml:"testsuite"`
	Name     string     `xml:"name,attr"`
	Tests    int        `xml:"tests,attr"`
	Failures int        `xml:"failures,attr"`
	Errors   int        `xml:"errors,attr"`
	Skipped  int        `xml:"skipped,attr"`
	Time     float64    `xml:"time,attr"`
	Cases    []TestCase `xml:"testcase"`
}

type TestCase struct {
	Name      string  `xml:"name,attr"`
	ClassName string  `xml:"classname,attr"`
	Time      float64 `xml:"time,attr"`

	Failure *Result `xml:"failure"`
	Error   *Result `xml:"error"`
	Skipped *Result `xml:"skipped"`
}

// Result holds the body of a <failure>, <error>, or <skipped> element.
type Result struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

// ParseJUnit decodes a JUnit XML document with either a <testsuites> or a
// single <testsuite> root.
func ParseJUnit(r io.Reader) (*TestSuites, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading junit document: %w", err)
	}

	var suites TestSuites
	if err := xml.Unmarshal(raw, &suites); err == nil {
		return &suites, nil
	}

	var single TestSuite
	if err := xml.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decoding junit document: %w", err)
	}
	return &TestSuites{Suites: []TestSuite{single}}, nil
}
