package api

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/buildplane/buildspec"
	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/quota"
	"github.com/c360studio/buildplane/registry"
	"github.com/c360studio/buildplane/tenant"
)

// Kind classifies service errors for the transport layer.
type Kind string

const (
	// KindInvalidInput marks caller errors (missing or malformed fields).
	KindInvalidInput Kind = "invalid_input"

	// KindNotFound marks tenant-scoped absence. It never distinguishes
	// "absent" from "forbidden".
	KindNotFound Kind = "not_found"

	// KindInvalidSpec marks a spec that could not be compiled into a plan.
	KindInvalidSpec Kind = "invalid_spec"

	// KindQuotaExceeded marks an admission denial. Dimension, Current, and
	// Limit carry the denial detail.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindConflict marks an idempotency collision with differing fields.
	KindConflict Kind = "conflict"

	// KindTerminal marks an operation that is not valid for a build in a
	// terminal state.
	KindTerminal Kind = "terminal"

	// KindNotTerminal marks an operation that requires a terminal build.
	KindNotTerminal Kind = "not_terminal"

	// KindNotPending marks a gate decision on an already-decided gate.
	KindNotPending Kind = "not_pending"

	// KindInternal marks unexpected failures. The message carries a
	// correlation id, never internal details.
	KindInternal Kind = "internal"

	// KindDeadlineExceeded marks an elapsed per-request budget.
	KindDeadlineExceeded Kind = "deadline_exceeded"
)

// Error is the service error envelope.
type Error struct {
	// Kind classifies the error.
	Kind Kind `json:"kind"`

	// Message is the caller-visible description.
	Message string `json:"message"`

	// CorrelationID is set for internal errors so operators can locate the
	// server-side log line.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Dimension names the denied quota axis, for quota errors.
	Dimension string `json:"dimension,omitempty"`

	// Current is the usage counter at denial time, for quota errors.
	Current float64 `json:"current,omitempty"`

	// Limit is the configured limit, for quota errors.
	Limit float64 `json:"limit,omitempty"`

	// DenialCode is the admission denial code (rate_limit_exceeded or
	// payment_required), for quota errors.
	DenialCode string `json:"denial_code,omitempty"`

	err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, when one exists.
func (e *Error) Unwrap() error {
	return e.err
}

// newError creates a service error with a formatted message.
func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError creates a service error carrying its cause.
func wrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), err: err}
}

// internalError hides the cause behind a correlation id.
func internalError(err error) *Error {
	id := uuid.New().String()
	return &Error{
		Kind:          KindInternal,
		Message:       "internal error, correlation id " + id,
		CorrelationID: id,
		err:           err,
	}
}

// quotaDenied converts an admission denial into a service error.
func quotaDenied(d quota.Decision) *Error {
	return &Error{
		Kind:       KindQuotaExceeded,
		Message:    fmt.Sprintf("%s quota exceeded: %g of %g", d.Dimension, d.Current, d.Limit),
		Dimension:  string(d.Dimension),
		Current:    d.Current,
		Limit:      d.Limit,
		DenialCode: d.Code,
	}
}

// mapErr translates store and registry sentinels into service errors.
// Unknown errors become internal with a correlation id.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var svcErr *Error
	if errors.As(err, &svcErr) {
		return err
	}

	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, buildspec.ErrSpecNotFound),
		errors.Is(err, plan.ErrPlanNotFound):
		return wrapError(KindNotFound, err)
	case errors.Is(err, registry.ErrTerminal):
		return wrapError(KindTerminal, err)
	case errors.Is(err, registry.ErrGateNotPending):
		return wrapError(KindNotPending, err)
	case errors.Is(err, tenant.ErrEmptyTenant),
		errors.Is(err, tenant.ErrInvalidTenant),
		errors.Is(err, buildspec.ErrTitleRequired),
		errors.Is(err, buildspec.ErrInvalidMode),
		errors.Is(err, buildspec.ErrSpecFrozen),
		errors.Is(err, plan.ErrSpecRequired),
		errors.Is(err, plan.ErrEmptyGraph):
		return wrapError(KindInvalidInput, err)
	default:
		return internalError(err)
	}
}
