// Package logging provides the leveled logging sink zigcat's core
// treats as an abstract "typed sink with verbosity levels" (spec.md
// section 1's explicit collaborator interface), adapted from the
// teacher's single DebugEnabled/Debug() helper into four levels.
package logging

import "log"

// Level selects the minimum severity that reaches the underlying
// *log.Logger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// current is the process-wide verbosity threshold, set once at
// startup from the -verbose / configuration flag and read by every
// call site, mirroring the teacher's package-level DebugEnabled.
var current = LevelInfo

// SetLevel adjusts the verbosity threshold.
func SetLevel(l Level) { current = l }

// SetVerbose is a convenience matching the config surface's "verbose"
// boolean: true lowers the threshold to LevelDebug.
func SetVerbose(verbose bool) {
	if verbose {
		current = LevelDebug
	} else {
		current = LevelInfo
	}
}

func logAt(l Level, prefix, format string, args ...any) {
	if l < current {
		return
	}
	log.Printf(prefix+format, args...)
}

func Debugf(format string, args ...any) { logAt(LevelDebug, "DEBUG: ", format, args...) }
func Infof(format string, args ...any)  { logAt(LevelInfo, "INFO: ", format, args...) }
func Warnf(format string, args ...any)  { logAt(LevelWarn, "WARN: ", format, args...) }
func Errorf(format string, args ...any) { logAt(LevelError, "ERROR: ", format, args...) }
