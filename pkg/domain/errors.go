package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrBufferIntegrity  = errors.New("buffer integrity violation")
	ErrSimulatedFailure = errors.New("simulated failure")
	ErrDeliveryFailure  = errors.New("telemetry delivery failed")
	ErrEmptyBuffer      = errors.New("buffer is empty")
	ErrUnknownFeature   = errors.New("unknown feature")
	ErrUnknownScenario  = errors.New("unknown scenario")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// Error kinds reported through Failure.Kind and ErrorResponse.Code.
const (
	KindBufferIntegrityViolation = "BufferIntegrityViolation"
	KindSimulatedFailure         = "SimulatedFailure"
	KindDeliveryFailure          = "DeliveryFailure"
)

// Buffer integrity rules.
const (
	RuleSizeLimitExceeded          = "SizeLimitExceeded"
	RuleForbiddenSignatureDetected = "ForbiddenSignatureDetected"
)

// Failure is implemented by every error that is surfaced to the caller of the engine.
type Failure interface {
	error
	Kind() string
	Correlation() string
	Diagnostics() map[string]string
}

// BufferIntegrityViolation reports that an input buffer broke a size or signature rule.
type BufferIntegrityViolation struct {
	Rule          string
	Limit         int
	Actual        int
	CorrelationID string
}

func (e *BufferIntegrityViolation) Error() string {
	switch e.Rule {
	case RuleForbiddenSignatureDetected:
		return fmt.Sprintf("unsafe buffer: forbidden signature detected at buffer boundary (limit %d bytes, actual %d bytes)", e.Limit, e.Actual)
	default:
		return fmt.Sprintf("unsafe buffer size: limit %d bytes, actual %d bytes", e.Limit, e.Actual)
	}
}

func (e *BufferIntegrityViolation) Unwrap() error { return ErrBufferIntegrity }

// Kind implements Failure.
func (e *BufferIntegrityViolation) Kind() string { return KindBufferIntegrityViolation }

// Correlation implements Failure.
func (e *BufferIntegrityViolation) Correlation() string { return e.CorrelationID }

// Diagnostics implements Failure.
func (e *BufferIntegrityViolation) Diagnostics() map[string]string {
	d := map[string]string{
		"rule":   e.Rule,
		"limit":  fmt.Sprintf("%d", e.Limit),
		"actual": fmt.Sprintf("%d", e.Actual),
	}
	if e.CorrelationID != "" {
		d["correlationId"] = e.CorrelationID
	}
	return d
}

// SimulatedFailure is the production incident a caller asked the engine to fabricate.
type SimulatedFailure struct {
	Name          string
	Message       string
	Scenario      string
	Severity      Severity
	CorrelationID string
	Properties    Properties
}

func (e *SimulatedFailure) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *SimulatedFailure) Unwrap() error { return ErrSimulatedFailure }

// Kind implements Failure.
func (e *SimulatedFailure) Kind() string { return KindSimulatedFailure }

// Correlation implements Failure.
func (e *SimulatedFailure) Correlation() string { return e.CorrelationID }

// Diagnostics implements Failure.
func (e *SimulatedFailure) Diagnostics() map[string]string { return e.Properties.Map() }

// DeliveryFailure wraps a backend error for one delivery attempt. It is logged and
// counted but never returned to the caller of the engine.
type DeliveryFailure struct {
	Kind    RecordKind
	Attempt int
	Err     error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver %s record (attempt %d): %v", e.Kind, e.Attempt, e.Err)
}

// Is reports ErrDeliveryFailure so callers can classify without unwrapping the cause.
func (e *DeliveryFailure) Is(target error) bool { return target == ErrDeliveryFailure }

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// ErrorResponse defines the standard JSON error model returned to callers.
// It never carries a stack trace; CorrelationID joins the response to the emitted telemetry.
type ErrorResponse struct {
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// NewErrorResponse converts err into the caller-facing error model.
func NewErrorResponse(err error) ErrorResponse {
	var failure Failure
	if errors.As(err, &failure) {
		return ErrorResponse{
			Code:          failure.Kind(),
			Message:       failure.Error(),
			CorrelationID: failure.Correlation(),
			Properties:    failure.Diagnostics(),
		}
	}

	code := "INTERNAL"
	switch {
	case errors.Is(err, ErrEmptyBuffer):
		code = "EMPTY_BUFFER"
	case errors.Is(err, ErrUnknownFeature):
		code = "UNKNOWN_FEATURE"
	case errors.Is(err, ErrUnknownScenario):
		code = "UNKNOWN_SCENARIO"
	}
	return ErrorResponse{Code: code, Message: err.Error()}
}
