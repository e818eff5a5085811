package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New.
type Options struct {
	LogFile string // path to the structured log file; created/appended
	Level   slog.Level
	// Stderr mirrors records to stderr in addition to LogFile, so
	// interactive runs see output live while the file retains full
	// history.
	Stderr bool
}

// New opens (creating parent directories as needed) opts.LogFile and returns
// a *slog.Logger writing through the tab-separated handler, optionally
// duplicated to stderr via io.MultiWriter.
func New(opts Options) (*slog.Logger, func() error, error) {
	var writers []io.Writer
	closer := func() error { return nil }

	if opts.LogFile != "" {
		if err := os.MkdirAll(dirOf(opts.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", opts.LogFile, err)
		}
		writers = append(writers, f)
		closer = f.Close
	}
	if opts.Stderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = io.MultiWriter(writers...)
	}

	h := NewHandler(w, opts.Level)
	return slog.New(h), closer, nil
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "."
	}
	return path[:i]
}

// Heading writes a human-facing banner around a multi-phase section (e.g.
// "Sending X to Y"), surrounding it with a rule of "=" characters for
// operators tailing the log file by eye. It is never written to the
// transaction journal, which is structured-record-only.
func Heading(l *slog.Logger, title string) {
	rule := strings.Repeat("=", len(title)+4)
	l.Info(rule)
	l.Info("= " + title + " =")
	l.Info(rule)
}
