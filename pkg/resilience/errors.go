// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package resilience

// PermanentError is an error that should not be retried regardless of its
// classification.
type PermanentError struct {
	Err error
}

// Permanent wraps err so Execute gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Error returns the error message.
func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}
