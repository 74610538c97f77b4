// Package errors provides the structured error types used across devloop and
// a collector for errors gathered during a single restart cycle.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// CollectedError is an error recorded by an ErrorCollector.
type CollectedError struct {
	Err       error
	Timestamp time.Time
}

// ErrorCollector collects errors that must not abort the operation that
// produced them, such as plugin hook failures within one restart cycle.
type ErrorCollector struct {
	errors []CollectedError
	mutex  sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors: make([]CollectedError, 0),
	}
}

// AddError adds an error to the collector. Nil errors are ignored.
func (ec *ErrorCollector) AddError(err error) {
	if err == nil {
		return
	}
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.errors = append(ec.errors, CollectedError{Err: err, Timestamp: time.Now()})
}

// GetAllErrors returns all collected errors
func (ec *ErrorCollector) GetAllErrors() []error {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	all := make([]error, 0, len(ec.errors))
	for _, ce := range ec.errors {
		all = append(all, ce.Err)
	}

	return all
}

// GetErrorsByPlugin returns the hook errors raised by a specific plugin
func (ec *ErrorCollector) GetErrorsByPlugin(plugin string) []error {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	var pluginErrors []error
	for _, ce := range ec.errors {
		var de *DevloopError
		if errors.As(ce.Err, &de) && de.Plugin == plugin {
			pluginErrors = append(pluginErrors, ce.Err)
		}
	}

	return pluginErrors
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.errors) > 0
}

// Len returns the number of collected errors.
func (ec *ErrorCollector) Len() int {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.errors)
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.errors = ec.errors[:0]
}

// Summary renders the collected errors on a single line, or "" when empty.
func (ec *ErrorCollector) Summary() string {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	if len(ec.errors) == 0 {
		return ""
	}

	msgs := make([]string, 0, len(ec.errors))
	for _, ce := range ec.errors {
		msgs = append(msgs, ce.Err.Error())
	}

	return fmt.Sprintf("%d error(s): %s", len(msgs), strings.Join(msgs, "; "))
}

// Join combines the collected errors with errors.Join, or returns nil.
func (ec *ErrorCollector) Join() error {
	return errors.Join(ec.GetAllErrors()...)
}
