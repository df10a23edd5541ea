package cloud

import (
	"errors"
	"fmt"
)

// Sentinel errors for the processing core. Typed errors below unwrap to one of
// these so callers can match with errors.Is.
var (
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrEmptyIndex            = errors.New("spatial index is empty")
	ErrInsufficientPoints    = errors.New("insufficient points")
	ErrInsufficientNeighbors = errors.New("insufficient neighbors")
	ErrInvalidQuery          = errors.New("invalid query")
)

// ParameterError reports an out-of-range numeric argument.
type ParameterError struct {
	Op     string
	Name   string
	Value  any
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("%s: invalid parameter %s=%v: %s", e.Op, e.Name, e.Value, e.Reason)
}

func (e *ParameterError) Unwrap() error { return ErrInvalidParameter }

func paramError(op, name string, value any, reason string) error {
	return &ParameterError{Op: op, Name: name, Value: value, Reason: reason}
}

// InsufficientPointsError reports an input cloud below an operation's minimum size.
type InsufficientPointsError struct {
	Op   string
	Have int
	Need int
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("%s: insufficient points: have %d, need at least %d", e.Op, e.Have, e.Need)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// InsufficientNeighborsError identifies the point whose neighborhood was too
// small to fit a plane.
type InsufficientNeighborsError struct {
	Index int
	Have  int
	Need  int
}

func (e *InsufficientNeighborsError) Error() string {
	return fmt.Sprintf("point %d: insufficient neighbors: have %d, need %d", e.Index, e.Have, e.Need)
}

func (e *InsufficientNeighborsError) Unwrap() error { return ErrInsufficientNeighbors }

// QueryError reports a malformed search request.
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}

func (e *QueryError) Unwrap() error { return ErrInvalidQuery }
