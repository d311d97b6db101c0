package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData indicates the dataset is too small for an analysis.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrModelFit indicates the outlier model could not be fitted.
	ErrModelFit = errors.New("model fit failed")

	// ErrRuleEvaluation indicates a custom rule failed at evaluation time.
	ErrRuleEvaluation = errors.New("rule evaluation failed")
)

// InsufficientDataError reports how much data an operation needed.
type InsufficientDataError struct {
	Op   string
	Need int
	Have int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: insufficient data: need at least %d records, have %d", e.Op, e.Need, e.Have)
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// ModelFitError wraps a failure to fit the outlier model.
type ModelFitError struct {
	Reason string
	Err    error
}

func (e *ModelFitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model fit: %s: %v", e.Reason, e.Err)
	}
	return "model fit: " + e.Reason
}

// Unwrap allows errors.Is to match both ErrModelFit and the underlying cause.
func (e *ModelFitError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrModelFit, e.Err}
	}
	return []error{ErrModelFit}
}
