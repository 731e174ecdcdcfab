package core

import "github.com/go-logr/logr"

// Verbosity levels used by the engines
const (
	LogDebug = 1 // construction, release, bus-level failures
	LogTrace = 2 // per-transfer summaries
)

var (
	// logger is the package-wide sink; discarded by default so nothing is
	// formatted inside timing-critical loops unless a platform asks for it.
	logger = logr.Discard()
)

// SetLogger sets the platform-specific log sink.
// This allows platforms to redirect engine diagnostics to stderr, UART, etc.
func SetLogger(l logr.Logger) {
	logger = l.WithName("bitbang")
}

// Logger returns the current package logger
func Logger() logr.Logger {
	return logger
}
