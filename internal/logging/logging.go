// Package logging configures the process-wide slog logger.
package logging

import (
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs a tinted console handler as the default slog logger.
// Quiet mode keeps warnings and errors only; the e2e test output is an
// artifact, not a log line, and is written elsewhere regardless.
func Setup(quiet bool) {
	level := slog.LevelInfo
	if quiet {
		level = slog.LevelWarn
	}

	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}),
	))

	// Redirect the standard log package so deep dependencies (client-go
	// among them) end up in the same stream.
	lw := &slogWriter{}
	log.Default().SetOutput(lw)
	log.SetOutput(lw)
}

type slogWriter struct{}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	slog.Debug(msg)
	return len(p), nil
}
