// Package util provides small helpers shared across packages.
package util

import (
	"fmt"
	"strings"
)

// MultiError accumulates errors from teardown paths that must keep going
// after a step fails, such as stopping every tunnel on shutdown.
type MultiError struct {
	errs []error
}

// NewMultiError returns an empty collector.
func NewMultiError() *MultiError {
	return &MultiError{}
}

// Add records err. Nil errors are ignored so callers can add results
// unconditionally.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.errs = append(m.errs, err)
	}
}

// Len reports how many errors have been recorded.
func (m *MultiError) Len() int {
	return len(m.errs)
}

// Err returns nil when nothing was recorded, the error itself when exactly
// one was, and the collector otherwise.
func (m *MultiError) Err() error {
	switch len(m.errs) {
	case 0:
		return nil
	case 1:
		return m.errs[0]
	}
	return m
}

func (m *MultiError) Error() string {
	msgs := make([]string, len(m.errs))
	for i, err := range m.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(m.errs), strings.Join(msgs, "; "))
}

// Unwrap exposes the recorded errors to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.errs
}
