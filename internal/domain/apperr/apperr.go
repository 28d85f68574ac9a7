// Package apperr defines the error taxonomy shared by the engine packages and
// the mapping of each error class to a stable code and HTTP status.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
)

// Code is a stable, machine-readable error class.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidCoupon     Code = "INVALID_COUPON"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	CodeConflict          Code = "CONFLICT"
	CodeQuoteExpired      Code = "QUOTE_EXPIRED"
	CodeUnknownQuote      Code = "UNKNOWN_QUOTE"
	CodeRateUnavailable   Code = "RATE_UNAVAILABLE"
	CodeNoRates           Code = "NO_RATES_AVAILABLE"
	CodeStorage           Code = "STORAGE_ERROR"
	CodeDependency        Code = "DEPENDENCY_ERROR"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Metadata describes how an error class is surfaced to API callers.
type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
	// DetailsAllowed reports whether err.Error() may be returned to callers.
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:        {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", DetailsAllowed: true},
	CodeUnauthorized:      {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required"},
	CodeNotFound:          {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found", DetailsAllowed: true},
	CodeInvalidCoupon:     {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "coupon rejected", DetailsAllowed: true},
	CodeIllegalTransition: {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "state transition disallowed", DetailsAllowed: true},
	CodeConflict:          {HTTPStatus: http.StatusConflict, Retryable: true, PublicMessage: "conflict detected", DetailsAllowed: true},
	CodeQuoteExpired:      {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "shipping quote expired", DetailsAllowed: true},
	CodeUnknownQuote:      {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "shipping quote not recognized", DetailsAllowed: true},
	CodeRateUnavailable:   {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "carrier cannot service route", DetailsAllowed: true},
	CodeNoRates:           {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "no shipping rates available", DetailsAllowed: true},
	CodeStorage:           {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "storage unavailable"},
	CodeDependency:        {HTTPStatus: http.StatusBadGateway, Retryable: true, PublicMessage: "dependency failure"},
	CodeInternal:          {HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error"},
}

// Lookup returns the metadata for code, falling back to CodeInternal.
func Lookup(code Code) Metadata {
	if md, ok := metadataByCode[code]; ok {
		return md
	}
	return metadataByCode[CodeInternal]
}

// Coder is implemented by errors that carry a stable Code.
type Coder interface {
	ErrorCode() Code
}

// CodeOf returns the code of the first Coder in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeInternal
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
	// Err is an optional underlying sentinel, e.g. money.ErrCurrencyMismatch.
	Err error
}

// Invalid returns a *ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) ErrorCode() Code { return CodeValidation }

// ErrNotFound is matched by every NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// NotFound returns a *NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) ErrorCode() Code { return CodeNotFound }

// StorageError wraps a failure reported by the persistence collaborator.
// It is always surfaced to the caller and never retried by the engine.
type StorageError struct {
	Op  string
	Err error
}

// Storage wraps err in a *StorageError unless it is nil, already a storage
// error, or a domain error that carries its own code.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var c Coder
	if errors.As(err, &c) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) ErrorCode() Code { return CodeStorage }

// ErrConflict is returned by repositories when an optimistic version check
// fails because another writer committed first.
var ErrConflict error = &codedError{code: CodeConflict, msg: "version conflict"}

type codedError struct {
	code Code
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func (e *codedError) ErrorCode() Code { return e.code }
