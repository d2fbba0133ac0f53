// Package splittererrors contains the generic errors returned by the experiment engine and its stores.
// The HTTP layer looks for the error types defined in this file and sets the response status accordingly.
//
// If multiple problems occur in some function (e.g., an experiment definition with several invalid
// fields), that function should collect them in a multierror.Error from package
// github.com/hashicorp/go-multierror and return it wrapped in the relevant error type.
package splittererrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrNoAssignment is the expected, non-error outcome of resolving a variant for a caller that is not
// eligible: the experiment is not running, targeting did not match, or there is no subject to bucket.
// Callers compare against it with errors.Is.
var ErrNoAssignment = errors.New("no assignment")

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "experiment"
	Value   string // Resource name, e.g., "checkout-button-color"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "value"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidExperiment is returned when an experiment definition is structurally invalid,
// e.g., it has no variants or its weights don't sum to a positive number.
// Definitions are rejected when they are loaded, never per assignment.
type ErrInvalidExperiment struct {
	Name string // Name of the experiment
	// The underlying problems; usually a *multierror.Error listing every invalid field.
	Cause error
}

func (err *ErrInvalidExperiment) Error() string {
	if err.Cause == nil {
		return fmt.Sprintf("experiment %q is invalid", err.Name)
	}
	return fmt.Sprintf("experiment %q is invalid: %s", err.Name, err.Cause)
}

func (err *ErrInvalidExperiment) Unwrap() error {
	return err.Cause
}

// ErrStoreUnavailable indicates a transient backend failure, including timeouts.
type ErrStoreUnavailable struct {
	Store     string // e.g., "postgres" or "redis"
	Operation string // e.g., "append result"
	Cause     error
}

func (err *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable during %s: %s", err.Store, err.Operation, err.Cause)
}

func (err *ErrStoreUnavailable) Unwrap() error {
	return err.Cause
}

// IsNotFound returns true if the chain of errors contains an *ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsInvalidExperiment returns true if the chain of errors contains an *ErrInvalidExperiment.
func IsInvalidExperiment(err error) bool {
	var e *ErrInvalidExperiment
	return errors.As(err, &e)
}

// HTTPStatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	// ErrInvalidExperiment usually wraps ErrInvalidArgument values, so it is checked first.
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrInvalidExperiment
		if errors.As(err, &e) {
			return http.StatusUnprocessableEntity
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrStoreUnavailable
		if errors.As(err, &e) {
			return http.StatusServiceUnavailable
		}
	}

	return http.StatusInternalServerError
}
