package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level orders log severities
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

// ParseLevel accepts debug, info, warning/warn and error
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger provides leveled logging to stdout/stderr and optional files.
type Logger struct {
	debugLog   *log.Logger
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	level      Level
	files      []*os.File
	mu         sync.Mutex
}

const flags = log.Ldate | log.Ltime | log.Lmicroseconds

// New logs info and below to out and warnings and errors to errOut.
func New(out, errOut io.Writer, level Level) *Logger {
	return &Logger{
		debugLog:   log.New(out, "DEBUG   ", flags),
		infoLog:    log.New(out, "INFO    ", flags),
		warningLog: log.New(errOut, "WARNING ", flags),
		errorLog:   log.New(errOut, "ERROR   ", flags),
		level:      level,
	}
}

// NewStd logs to the process stdout and stderr.
func NewStd(level Level) *Logger {
	return New(os.Stdout, os.Stderr, level)
}

// NewWithDir also appends every level to <dir>/<level>.log.
func NewWithDir(dir string, level Level) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &Logger{level: level}
	open := func(name string) (*os.File, error) {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", name, err)
		}
		l.files = append(l.files, f)
		return f, nil
	}

	info, err := open("info.log")
	if err != nil {
		return nil, err
	}
	warning, err := open("warning.log")
	if err != nil {
		l.Close()
		return nil, err
	}
	errFile, err := open("error.log")
	if err != nil {
		l.Close()
		return nil, err
	}

	l.debugLog = log.New(io.MultiWriter(os.Stdout, info), "DEBUG   ", flags)
	l.infoLog = log.New(io.MultiWriter(os.Stdout, info), "INFO    ", flags)
	l.warningLog = log.New(io.MultiWriter(os.Stderr, warning), "WARNING ", flags)
	l.errorLog = log.New(io.MultiWriter(os.Stderr, errFile), "ERROR   ", flags)
	return l, nil
}

// Discard drops everything.
func Discard() *Logger {
	return New(io.Discard, io.Discard, LevelError+1)
}

// Close releases any log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

func (l *Logger) output(level Level, target *log.Logger, format string, v ...interface{}) {
	if l == nil || level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	target.Printf(format, v...)
}

// Debug writes a formatted debug-level log entry.
func (l *Logger) Debug(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.output(LevelDebug, l.debugLog, format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.output(LevelInfo, l.infoLog, format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.output(LevelWarning, l.warningLog, format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.output(LevelError, l.errorLog, format, v...)
}
