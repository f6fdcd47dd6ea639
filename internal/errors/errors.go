// Package errors provides the typed error taxonomy shared by every engine in
// the savings layer. Callers branch on Kind and Code, never on Message.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that need to branch on it.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindResource      Kind = "resource"
	KindGovernance    Kind = "governance"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// Code is a stable machine-readable reason within a Kind.
type Code string

const (
	CodeInvalidAmount        Code = "InvalidAmount"
	CodeInvalidOwner         Code = "InvalidOwner"
	CodeUnsupportedAsset     Code = "UnsupportedAsset"
	CodePenaltyTooHigh       Code = "PenaltyTooHigh"
	CodeInvalidMaxExecutions Code = "InvalidMaxExecutions"
	CodeInvalidFrequency     Code = "InvalidFrequency"
	CodeInvalidDuration      Code = "InvalidDuration"
	CodeInvalidRiskScore     Code = "InvalidRiskScore"
	CodeInvalidPool          Code = "InvalidPool"
	CodePoolExists           Code = "PoolExists"
	CodeInvalidRole          Code = "InvalidRole"

	CodeNotOwner        Code = "NotOwner"
	CodeNotAdmin        Code = "NotAdmin"
	CodeNotSigner       Code = "NotSigner"
	CodeAlreadyApproved Code = "AlreadyApproved"

	CodeInvalidTransition Code = "InvalidTransition"
	CodeNotEligible       Code = "NotEligible"
	CodeNotUnlockable     Code = "NotUnlockable"

	CodeInsufficientAllowance Code = "InsufficientAllowance"
	CodeInsufficientBalance   Code = "InsufficientBalance"
	CodeInsufficientCapacity  Code = "InsufficientCapacity"
	CodeNoEligiblePool        Code = "NoEligiblePool"
	CodeInsufficientAvailable Code = "InsufficientAvailable"

	CodeRequestExpired  Code = "RequestExpired"
	CodeThresholdNotMet Code = "ThresholdNotMet"

	CodeNotFound Code = "NotFound"
	CodeInternal Code = "Internal"
)

// ServiceError is the concrete error returned by engine operations.
type ServiceError struct {
	Kind       Kind           `json:"kind"`
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Err        error          `json:"-"`
}

// Error implements error.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ServiceError with the same kind and code.
// This lets package-level sentinels be used with errors.Is.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithDetails returns a copy of the error carrying an extra detail entry.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newError(kind Kind, code Code, status int, message string) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: status}
}

// Validation reports malformed input.
func Validation(code Code, message string) *ServiceError {
	return newError(KindValidation, code, http.StatusBadRequest, message)
}

// Authorization reports a caller lacking ownership or a required role.
func Authorization(code Code, message string) *ServiceError {
	return newError(KindAuthorization, code, http.StatusForbidden, message)
}

// State reports an operation invalid for the entity's current status or time.
func State(code Code, message string) *ServiceError {
	return newError(KindState, code, http.StatusConflict, message)
}

// Resource reports insufficient balance, allowance, capacity or reserve.
func Resource(code Code, message string) *ServiceError {
	return newError(KindResource, code, http.StatusUnprocessableEntity, message)
}

// Governance reports a governance request that cannot be acted upon.
func Governance(code Code, message string) *ServiceError {
	return newError(KindGovernance, code, http.StatusConflict, message)
}

// NotFound reports a missing entity.
func NotFound(resource string, id any) *ServiceError {
	return newError(KindNotFound, CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s %v not found", resource, id)).
		WithDetails("resource", resource)
}

// Internal wraps an unexpected failure such as a storage error.
func Internal(message string, err error) *ServiceError {
	e := newError(KindInternal, CodeInternal, http.StatusInternalServerError, message)
	e.Err = err
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrInsufficientAllowance = Resource(CodeInsufficientAllowance, "insufficient allowance")
	ErrInsufficientBalance   = Resource(CodeInsufficientBalance, "insufficient balance")
	ErrAlreadyApproved       = Authorization(CodeAlreadyApproved, "signer already approved")
	ErrRequestExpired        = Governance(CodeRequestExpired, "governance request expired")
	ErrNotOwner              = Authorization(CodeNotOwner, "caller is not the owner")
	ErrNotAdmin              = Authorization(CodeNotAdmin, "caller is not an admin")
	ErrNotFound              = newError(KindNotFound, CodeNotFound, http.StatusNotFound, "not found")
)

// GetServiceError extracts a ServiceError from the chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// KindOf returns the kind of err, KindInternal for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if se := GetServiceError(err); se != nil {
		return se.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, CodeInternal for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}
