// Package monitoring holds the process-wide diagnostic logger, the runtime
// fault counters and the Prometheus collectors exported on /metrics.
package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger so tests can capture or mute component output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetLogWriter routes Logf to w using the standard flags plus microseconds.
// A nil writer mutes the logger.
func SetLogWriter(w io.Writer) {
	if w == nil {
		SetLogger(nil)
		return
	}
	l := log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	SetLogger(l.Printf)
}
