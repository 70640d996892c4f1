// Package buildcachelog provides the process-wide logger used by every
// other package, generalizing the teacher's internal/common.LoggerWrapper
// (one logger per binary) into a single logger shared by wrapper mode and
// CLI mode within the one buildcache binary.
package buildcachelog

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Logger writes timestamped lines to a file (or stderr) and optionally
// mirrors ERROR lines to stderr even when logging to a file.
type Logger struct {
	mu                sync.Mutex
	impl              *log.Logger
	fileName          string
	verbosity         int
	duplicateToStderr bool
}

var (
	defaultMu     sync.Mutex
	defaultLogger = &Logger{verbosity: 0}
)

// Init (re)configures the package-wide default logger. Mirrors
// common.MakeLogger: verbosity -1 disables INFO entirely, 0-2 are
// increasingly chatty, errors always print.
func Init(logFile string, verbosity int, duplicateToStderr bool) error {
	l, err := New(logFile, verbosity, duplicateToStderr)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return nil
}

// New builds a standalone Logger (used by tests that don't want to touch
// the package-wide default).
func New(logFile string, verbosity int, duplicateToStderr bool) (*Logger, error) {
	if verbosity < -1 || verbosity > 2 {
		return nil, fmt.Errorf("incorrect verbosity passed: %d", verbosity)
	}

	var impl *log.Logger
	if logFile != "" && logFile != "stderr" {
		out, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return nil, err
		}
		impl = log.New(out, "", 0)
	} else {
		impl = log.New(os.Stderr, "", 0)
	}

	return &Logger{
		impl:              impl,
		fileName:          logFile,
		verbosity:         verbosity,
		duplicateToStderr: duplicateToStderr,
	}, nil
}

func formatLine(prefix string, v ...interface{}) string {
	return fmt.Sprintf("%s %s %s", time.Now().Format("2006-01-02 15:04:05"), prefix, fmt.Sprintln(v...))
}

// Info logs at the given verbosity threshold (0 = always, higher = more chatty).
func (l *Logger) Info(verbosity int, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.verbosity >= verbosity && l.impl != nil {
		_ = l.impl.Output(0, formatLine("INFO", v...))
	}
}

// Error logs unconditionally and, if configured, duplicates to stderr.
func (l *Logger) Error(v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.impl != nil {
		_ = l.impl.Output(0, formatLine("ERROR", v...))
	}
	if l.duplicateToStderr {
		_, _ = fmt.Fprint(os.Stderr, formatLine("[buildcache]", v...))
	}
}

// Debug logs unconditionally to the log destination, never to stderr.
func (l *Logger) Debug(v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.impl != nil {
		_ = l.impl.Output(0, formatLine("DEBUG", v...))
	}
}

// RotateLogFile reopens the log file, e.g. after external log rotation (SIGHUP).
func (l *Logger) RotateLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileName == "" {
		return nil
	}
	out, err := os.OpenFile(l.fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	l.impl = log.New(out, "", 0)
	return nil
}

// Default returns the package-wide logger, usable before Init is ever called
// (it then defaults to a verbosity-0 stderr logger in Go's zero-value state,
// same as a fresh log.Logger would).
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger.impl == nil {
		defaultLogger.impl = log.New(os.Stderr, "", 0)
	}
	return defaultLogger
}

func Info(verbosity int, v ...interface{}) { Default().Info(verbosity, v...) }
func Error(v ...interface{})               { Default().Error(v...) }
func Debug(v ...interface{})               { Default().Debug(v...) }
