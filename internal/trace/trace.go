// Package trace is a thin, leveled wrapper over the standard library's log
// package, in the same spirit as cmd/controller's direct use of log: no
// external logging dependency, just a level gate so hot paths (timer and
// work-item tracing) can be silenced without removing the call sites.
package trace

import "log"

// Level selects which calls to Debugf/Infof actually reach the log package.
type Level int

const (
	LevelSilent Level = iota
	LevelInfo
	LevelDebug
)

var current = LevelInfo

// SetLevel changes the global trace level. Firmware builds default to
// LevelInfo; a shell command can raise it to LevelDebug for diagnosis.
func SetLevel(l Level) { current = l }

// Debugf logs at LevelDebug, the verbosity used for per-timer and
// per-work-item tracing.
func Debugf(format string, args ...any) {
	if current >= LevelDebug {
		log.Printf(format, args...)
	}
}

// Infof logs at LevelInfo, the verbosity used for state transitions
// (timeslot session states, GATT re-init, radio faults).
func Infof(format string, args ...any) {
	if current >= LevelInfo {
		log.Printf(format, args...)
	}
}

// Fatalf always logs, then invokes fn (the registered fatal hook) instead
// of calling os.Exit directly, so callers keep control over reset policy.
func Fatalf(fn func(), format string, args ...any) {
	log.Printf("FATAL: "+format, args...)
	if fn != nil {
		fn()
	}
}
