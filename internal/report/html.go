package report

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"
)

//go:embed template/report.html.tmpl
var templateFS embed.FS

var reportTmpl = template.Must(template.New("report.html.tmpl").
	Funcs(template.FuncMap{
		"duration": func(d time.Duration) string { return d.Round(time.Second).String() },
	}).
	ParseFS(templateFS, "template/report.html.tmpl"))

// RunMeta is run-level context rendered into the report header.
type RunMeta struct {
	RunID         string
	ServerVersion string
	Image         string
	Focus         string
	Skip          string
	StartedAt     time.Time
	GeneratedAt   time.Time
}

type reportData struct {
	Meta    RunMeta
	Summary *Summary
}

// RenderHTML writes the conformance report for one finished run.
func RenderHTML(w io.Writer, s *Summary, meta RunMeta) error {
	if err := reportTmpl.Execute(w, reportData{Meta: meta, Summary: s}); err != nil {
		return fmt.Errorf("executing report template: %w", err)
	}
	return nil
}
