package channels

import (
	"errors"
	"fmt"
)

// ErrNoAddress is returned when the recipient has no address for the channel.
var ErrNoAddress = errors.New("recipient has no address for channel")

// TransientError marks a failure worth retrying.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry (bad address, rejected payload).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was classified permanent. The outermost
// classification wins, so Transient(Permanent(x)) is transient.
func IsPermanent(err error) bool {
	for err != nil {
		switch err.(type) {
		case *PermanentError:
			return true
		case *TransientError:
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}
