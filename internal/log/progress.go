// Package log wires structured logging (zerolog) and lightweight progress
// reporting for long-running multi-symbol runs.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New returns a console-writer zerolog.Logger at info level (debug level when
// debug is true), matching the
// structured-field style used throughout the engine's error/event records.
func New(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

// StepLogger reports coarse-grained phase progress ("ingest", "scan", ...)
// for a multi-symbol run without flooding stderr on every bar.
type StepLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	total  int
	done   int
	start  time.Time
}

// NewStepLogger begins tracking progress across total discrete steps
// (typically one per symbol).
func NewStepLogger(logger zerolog.Logger, total int) *StepLogger {
	return &StepLogger{logger: logger, total: total, start: time.Now()}
}

// Step records completion of one unit of work and logs a progress line.
func (s *StepLogger) Step(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
	elapsed := time.Since(s.start)
	s.logger.Info().
		Str("step", label).
		Int("done", s.done).
		Int("total", s.total).
		Dur("elapsed", elapsed).
		Msg(bar(s.done, s.total))
}

// bar renders a fixed-width textual progress bar sized to the terminal
// width when stderr is a TTY, falling back to a default width otherwise.
func bar(done, total int) string {
	width := 30
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 20 {
		width = w/3 + 10
		if width > 60 {
			width = 60
		}
	}
	if total <= 0 {
		return ""
	}
	filled := width * done / total
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %d/%d", strings.Repeat("=", filled), strings.Repeat(" ", width-filled), done, total)
}
