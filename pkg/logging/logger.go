// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for threadline components.
//
// Built on log/slog with two destinations: stderr for interactive use
// (text by default) and an optional per-day JSON log file for later
// inspection. The CLI uses the file so diagnostics survive the terminal
// session without cluttering streamed replies.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config configures Logger behavior. The zero value writes Info+
// messages to stderr as text.
type Config struct {
	// Level is the minimum severity that gets logged.
	Level Level

	// LogDir enables file logging. The file is named
	// "{Service}_{YYYY-MM-DD}.log" and always contains JSON.
	// A leading ~ expands to the home directory.
	LogDir string

	// Service is attached to every entry as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON. File output is JSON
	// regardless.
	JSON bool

	// Quiet disables stderr output entirely. Useful when only the
	// file matters, as in the CLI where stderr belongs to the user.
	Quiet bool
}

// Logger wraps slog.Logger with optional file output.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger from cfg. File logging failures degrade to
// stderr-only with a warning rather than failing construction: a
// broken log directory should never take the tool down.
func New(cfg Config) *Logger {
	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	var file *os.File
	if cfg.LogDir != "" {
		f, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
		} else {
			file = f
		}
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}

	var handler slog.Handler
	switch {
	case file != nil && len(writers) > 0 && !cfg.JSON:
		// Mixed formats need separate handlers over separate writers.
		handler = newFanoutHandler(
			slog.NewTextHandler(io.MultiWriter(writers...), opts),
			slog.NewJSONHandler(file, opts),
		)
	case file != nil:
		writers = append(writers, file)
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), opts)
	case len(writers) == 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case cfg.JSON:
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), opts)
	default:
		handler = slog.NewTextHandler(io.MultiWriter(writers...), opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}

	return &Logger{Logger: logger, file: file}
}

// Default returns a stderr-only Logger at Info level.
func Default() *Logger {
	return New(Config{})
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func openLogFile(dir, service string) (*os.File, error) {
	dir, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}

	name := service
	if name == "" {
		name = "threadline"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02")))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
