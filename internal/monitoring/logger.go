// Package monitoring holds the process-wide diagnostic logger shared by the
// ingestion goroutines and the consumer tick.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc is the signature of the package logger.
type LogFunc func(format string, v ...interface{})

var logger atomic.Pointer[LogFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes a diagnostic line through the current logger. It defaults to
// log.Printf and may be swapped with SetLogger while reader goroutines run.
func Logf(format string, v ...interface{}) {
	(*logger.Load())(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	logger.Store(&f)
}
