// Package apperrors defines the runtime's error taxonomy and the ack/nak
// decision each kind maps to when a driver loop finishes handling a bus
// message.
package apperrors

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorType categorizes a failure for logging, Sentry reporting, and
// ack/nak routing.
type ErrorType string

const (
	// Validation covers malformed or semantically invalid input: a
	// schema_version mismatch, an expression referencing an undeclared
	// variable, a template with no conditions. Never retried.
	ErrorTypeValidation ErrorType = "validation"
	// NotFound covers references to instances, templates, or datasources
	// that no longer exist. Never retried.
	ErrorTypeNotFound ErrorType = "not_found"
	// TransientIO covers a failed call to the store, the bus, or the
	// columnar read service that is expected to succeed on retry.
	ErrorTypeTransientIO ErrorType = "transient_io"
	// LimitsExceeded covers a request that breaches a configured bound:
	// too many candidate targets, an expression tree too deep, a frame
	// too large. Never retried as-is; may be retried after sharding.
	ErrorTypeLimitsExceeded ErrorType = "limits_exceeded"
	// ContractMismatch covers a wire record whose schema_version this
	// binary does not understand, or whose shape violates its own
	// declared version. Never retried.
	ErrorTypeContractMismatch ErrorType = "contract_mismatch"
	// Render covers a notification template that fails to interpolate
	// against the match context (missing field, bad template syntax).
	// Never retried.
	ErrorTypeRender ErrorType = "render"
	// Internal covers anything else: a programming error or an
	// unclassified panic recovery.
	ErrorTypeInternal ErrorType = "internal"
)

// AckDecision is what a driver loop should do with the in-flight message
// once handling finishes with an error of a given ErrorType.
type AckDecision string

const (
	// AckDrop acknowledges the message without retry: the error is
	// permanent and redelivery would not help.
	AckDrop AckDecision = "ack_drop"
	// NakRedeliver negatively acknowledges the message so the bus
	// redelivers it, honoring the consumer's backoff policy.
	NakRedeliver AckDecision = "nak_redeliver"
)

// AppError is a structured application error carrying enough context for
// both operator-facing logs and machine-driven ack/nak routing.
type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) ToJSON() ([]byte, error) { return json.Marshal(e) }

// New creates a new AppError of the given type.
func New(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Wrap creates a new AppError of the given type around an underlying cause.
func Wrap(errorType ErrorType, code, message string, cause error) *AppError {
	err := New(errorType, code, message)
	err.Cause = cause
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

func (e *AppError) WithCorrelationID(id string) *AppError {
	e.CorrelationID = id
	return e
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Constructors matching the six taxonomy kinds from the component design.

func NewValidation(field, message string) *AppError {
	return New(ErrorTypeValidation, "VALIDATION_ERROR", message).WithMetadata("field", field)
}

func NewNotFound(resource string) *AppError {
	return New(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithMetadata("resource", resource)
}

func NewTransientIO(operation string, cause error) *AppError {
	return Wrap(ErrorTypeTransientIO, "TRANSIENT_IO", fmt.Sprintf("transient failure: %s", operation), cause).
		WithMetadata("operation", operation)
}

func NewLimitsExceeded(limit string, observed, max int) *AppError {
	return New(ErrorTypeLimitsExceeded, "LIMITS_EXCEEDED", fmt.Sprintf("%s exceeded", limit)).
		WithMetadata("limit", limit).
		WithMetadata("observed", observed).
		WithMetadata("max", max)
}

func NewContractMismatch(schemaVersion string, cause error) *AppError {
	return Wrap(ErrorTypeContractMismatch, "CONTRACT_MISMATCH",
		fmt.Sprintf("unrecognized schema_version %q", schemaVersion), cause).
		WithMetadata("schema_version", schemaVersion)
}

func NewRender(templateName string, cause error) *AppError {
	return Wrap(ErrorTypeRender, "RENDER_ERROR",
		fmt.Sprintf("failed to render %s", templateName), cause).
		WithMetadata("template", templateName)
}

func NewInternal(message string, cause error) *AppError {
	return Wrap(ErrorTypeInternal, "INTERNAL_ERROR", message, cause)
}

// Decision maps err to the ack/nak action its handling driver loop should
// take. A nil error (the handler succeeded) is acknowledged; any error that
// is not an *AppError is treated as an unexpected internal failure and
// redelivered.
func Decision(err error) AckDecision {
	if err == nil {
		return AckDrop
	}
	appErr, ok := err.(*AppError)
	if !ok {
		return NakRedeliver
	}
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeContractMismatch, ErrorTypeRender:
		return AckDrop
	case ErrorTypeTransientIO, ErrorTypeInternal:
		return NakRedeliver
	case ErrorTypeLimitsExceeded:
		// The caller is expected to have already reshaped (sharded) the
		// request before this point; seeing it here means reshaping
		// failed or was skipped, so dropping avoids a redelivery loop.
		return AckDrop
	default:
		return NakRedeliver
	}
}

// Is reports whether err is an *AppError of the given type.
func Is(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}
