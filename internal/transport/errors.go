package transport

import (
	"errors"
	"fmt"
)

// ErrConfig marks failures caused by configuration (missing device, bad
// address, invalid options) that retrying cannot fix.
var ErrConfig = errors.New("transport configuration error")

// ErrReplayDone is returned by a non-looping replay dialer once its capture
// has been fully consumed.
var ErrReplayDone = fmt.Errorf("%w: replay finished", ErrConfig)

type configError struct {
	msg   string
	cause error
}

func (e *configError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *configError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.cause}
}

// configErrorf wraps cause as a configuration error.
func configErrorf(cause error, format string, args ...interface{}) error {
	return &configError{msg: fmt.Sprintf(format, args...), cause: cause}
}

// IsConfigError reports whether err will not be cured by retrying.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}
