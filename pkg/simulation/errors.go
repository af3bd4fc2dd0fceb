package simulation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the machine-readable failure taxonomy carried by user-visible errors.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindQuotaExceeded       Kind = "QUOTA_EXCEEDED"
	KindDispatch            Kind = "DISPATCH_ERROR"
	KindTransientMonitor    Kind = "TRANSIENT_MONITORING_ERROR"
	KindResultsIndexing     Kind = "RESULTS_INDEXING_ERROR"
	KindCancellationPartial Kind = "CANCELLATION_PARTIAL_FAILURE"
	KindComputeFailed       Kind = "COMPUTE_JOB_FAILED"
	KindTimeout             Kind = "TIMEOUT"
	KindConflict            Kind = "CONFLICT"
	KindAlreadyExists       Kind = "ALREADY_EXISTS"
	KindNotFound            Kind = "NOT_FOUND"
	KindInternal            Kind = "INTERNAL"
)

// Sentinel errors, one per kind, so callers can use errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrDispatch            = errors.New("dispatch failed")
	ErrTransientMonitoring = errors.New("transient monitoring failure")
	ErrResultsIndexing     = errors.New("results indexing failed")
	ErrCancellationPartial = errors.New("cancellation partially failed")
	ErrComputeFailed       = errors.New("compute job failed")
	ErrTimeout             = errors.New("wall-clock timeout exceeded")
	ErrConflict            = errors.New("conflict")
	ErrAlreadyExists       = errors.New("simulation already exists")
	ErrNotFound            = errors.New("simulation not found")
	ErrInternal            = errors.New("internal error")
)

var kindSentinels = map[Kind]error{
	KindValidation:          ErrValidation,
	KindQuotaExceeded:       ErrQuotaExceeded,
	KindDispatch:            ErrDispatch,
	KindTransientMonitor:    ErrTransientMonitoring,
	KindResultsIndexing:     ErrResultsIndexing,
	KindCancellationPartial: ErrCancellationPartial,
	KindComputeFailed:       ErrComputeFailed,
	KindTimeout:             ErrTimeout,
	KindConflict:            ErrConflict,
	KindAlreadyExists:       ErrAlreadyExists,
	KindNotFound:            ErrNotFound,
	KindInternal:            ErrInternal,
}

// Error carries a taxonomy kind, a human-readable detail and optional
// field-level context.
type Error struct {
	// Kind is the taxonomy kind.
	Kind Kind

	// Op is the operation that failed (e.g., "Dispatch", "Cancel").
	Op string

	// Detail is the human-readable description.
	Detail string

	// Fields holds field-level detail (validation errors, current status).
	Fields map[string]string

	// Err is the underlying error, if any.
	Err error
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Fields[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel so errors.Is(err, ErrConflict) works without
// the caller knowing the concrete wrapper.
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// WithField returns e with an extra field set.
func (e *Error) WithField(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

// KindOf returns the taxonomy kind of err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindInternal
}

// Conflict returns a conflict error naming the current status.
func Conflict(op string, current Status) *Error {
	return NewError(KindConflict, op, fmt.Sprintf("simulation is %s", current), nil).
		WithField("current_status", string(current))
}

// IsConflict returns true if the error is a conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the simulation does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the simulation id is already taken.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsQuotaExceeded returns true if the user is at the active-job quota.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsValidation returns true if the submission is structurally invalid.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
