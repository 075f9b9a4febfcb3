package logger

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// base is the shared logrus instance; every SmartLogger is a named view of it.
var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel sets the global logging level ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// SetOutput redirects all logging output.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// SmartLogger deduplicates repeated status lines and auto-enables verbose
// status logging after repeated errors. It never blocks and never surfaces
// formatting problems to the caller.
type SmartLogger struct {
	entry *logrus.Entry

	mu            sync.Mutex
	errorCount    int
	lastErrorTime time.Time
	errorWindow   time.Duration
	verboseMode   bool
	lastStatus    map[string]string

	now func() time.Time
}

// New creates a named SmartLogger.
func New(component string) *SmartLogger {
	return &SmartLogger{
		entry:       base.WithField("component", component),
		errorWindow: 5 * time.Minute,
		lastStatus:  make(map[string]string),
		now:         time.Now,
	}
}

// shouldLogVerbose resets the error state once the rolling window has passed
// without errors, then reports whether verbose status logging is active.
// Caller holds mu.
func (l *SmartLogger) shouldLogVerbose() bool {
	if l.now().Sub(l.lastErrorTime) > l.errorWindow {
		l.errorCount = 0
		l.verboseMode = false
	}
	return l.verboseMode || l.errorCount >= 3
}

// Error logs an error and advances the verbose-mode error tracking.
func (l *SmartLogger) Error(format string, args ...interface{}) {
	l.mu.Lock()
	l.errorCount++
	l.lastErrorTime = l.now()
	if l.errorCount >= 3 {
		l.verboseMode = true
	}
	l.mu.Unlock()
	l.entry.Errorf(format, args...)
}

// Exception logs an error for a failure carried in err.
func (l *SmartLogger) Exception(err error, format string, args ...interface{}) {
	l.mu.Lock()
	l.errorCount++
	l.lastErrorTime = l.now()
	if l.errorCount >= 3 {
		l.verboseMode = true
	}
	l.mu.Unlock()
	l.entry.WithError(err).Errorf(format, args...)
}

// Warning logs a warning.
func (l *SmartLogger) Warning(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Info logs an informational message.
func (l *SmartLogger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Debug logs a debug message unconditionally.
func (l *SmartLogger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// StatusUpdate logs a debug status line, deduplicated against the last
// emitted arguments for the same format string. In verbose mode (after
// repeated errors) every status line passes through.
func (l *SmartLogger) StatusUpdate(format string, args ...interface{}) {
	l.mu.Lock()
	if l.shouldLogVerbose() {
		l.mu.Unlock()
		l.entry.Debugf(format, args...)
		return
	}
	cur := statusArgs(args)
	if prev, ok := l.lastStatus[format]; ok && prev == cur {
		l.mu.Unlock()
		return
	}
	l.lastStatus[format] = cur
	l.mu.Unlock()
	l.entry.Debugf(format, args...)
}

// Verbose reports whether verbose status logging is currently active.
func (l *SmartLogger) Verbose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shouldLogVerbose()
}

func statusArgs(args []interface{}) (s string) {
	if len(args) == 0 {
		return ""
	}
	// A panicking Stringer in the arguments must not crash the caller.
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return fmt.Sprint(args...)
}
