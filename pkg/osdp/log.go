package osdp

import "log/slog"

// defaultLogger is the process-wide sink every CP/PD context logs
// through unless overridden. Matches the spec's "log level and log
// sink are process-wide; everything else is per-context" rule.
var defaultLogger = slog.Default()

// SetLogger replaces the package-wide logging sink. Pass nil to
// restore slog.Default(). This is the only module-level mutable state
// the core keeps.
func SetLogger(l *slog.Logger) {
	if l == nil {
		defaultLogger = slog.Default()
		return
	}
	defaultLogger = l
}

func logger() *slog.Logger {
	return defaultLogger
}
