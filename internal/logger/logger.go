// Package logger provides the structured, log-and-swallow sink used
// throughout the coordinator: cleanup actions, the watchdog and the
// detach-finalize worker never propagate errors, they log them here.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx carries structured fields for a single log entry, mirroring the
// logger.Ctx{"err": err} call convention used at every log site.
type Ctx map[string]any

var (
	mu  sync.Mutex
	log = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return l
}

// SetOutput redirects the package logger, mainly for tests.
func SetOutput(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// SetLevel adjusts the package logger's verbosity, e.g. to logrus.DebugLevel
// under a --debug flag.
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	log.SetLevel(level)
}

func entry(ctx Ctx) *logrus.Entry {
	mu.Lock()
	l := log
	mu.Unlock()

	return l.WithFields(logrus.Fields(ctx))
}

// Debug logs at debug level with structured context.
func Debug(msg string, ctx Ctx) { entry(ctx).Debug(msg) }

// Info logs at info level with structured context.
func Info(msg string, ctx Ctx) { entry(ctx).Info(msg) }

// Warn logs at warning level with structured context.
func Warn(msg string, ctx Ctx) { entry(ctx).Warn(msg) }

// Error logs at error level with structured context.
func Error(msg string, ctx Ctx) { entry(ctx).Error(msg) }
