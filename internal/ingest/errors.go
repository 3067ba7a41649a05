package ingest

import "errors"

var (
	// ErrTooManyFramingErrors stops a reader whose stream keeps failing
	// sync checks. The session is marked failed.
	ErrTooManyFramingErrors = errors.New("too many consecutive framing errors")
	// ErrRetryBudgetExceeded ends a session whose transport could not be
	// reopened within the configured number of attempts.
	ErrRetryBudgetExceeded = errors.New("reconnect retry budget exceeded")
	ErrNotStarted          = errors.New("session not started")
	ErrAlreadyStarted      = errors.New("session already started")
	ErrWriterNotReady      = errors.New("writer not ready")
	ErrNotDuplex           = errors.New("transport does not support writes")
)

var (
	errStopped   = errors.New("reader stopped")
	errShortRead = errors.New("short read")
)
