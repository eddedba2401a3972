package shared

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Code is the machine readable error code returned to callers.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInsufficientStock    Code = "INSUFFICIENT_STOCK"
	CodeInsufficientReserved Code = "INSUFFICIENT_RESERVED"
	CodeImmutableField       Code = "IMMUTABLE_FIELD_VIOLATION"
	CodeInternal             Code = "INTERNAL"
)

var (
	// ErrValidation matches any VALIDATION_ERROR.
	ErrValidation = errors.New("validation error")
	// ErrNotFound matches any NOT_FOUND.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock matches any INSUFFICIENT_STOCK.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientReserved matches any INSUFFICIENT_RESERVED.
	ErrInsufficientReserved = errors.New("insufficient reserved stock")
	// ErrImmutableField matches any IMMUTABLE_FIELD_VIOLATION.
	ErrImmutableField = errors.New("immutable field violation")
	// ErrInternal matches any INTERNAL.
	ErrInternal = errors.New("internal error")
)

var sentinels = map[Code]error{
	CodeValidation:           ErrValidation,
	CodeNotFound:             ErrNotFound,
	CodeInsufficientStock:    ErrInsufficientStock,
	CodeInsufficientReserved: ErrInsufficientReserved,
	CodeImmutableField:       ErrImmutableField,
	CodeInternal:             ErrInternal,
}

// Error is the typed failure returned by the stock and order code services.
type Error struct {
	Code      Code      `json:"code"`
	VariantID uuid.UUID `json:"variant_id,omitempty"`
	SKU       string    `json:"sku,omitempty"`
	Message   string    `json:"message"`
	Requested int64     `json:"requested,omitempty"`
	Available int64     `json:"available,omitempty"`
	// Diagnostic carries the storage engine's code (SQLSTATE) for INTERNAL errors.
	Diagnostic string `json:"diagnostic,omitempty"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode reports the machine readable code.
func (e *Error) ErrorCode() Code { return e.Code }

// Is lets errors.Is match the per-code sentinels.
func (e *Error) Is(target error) bool {
	return sentinels[e.Code] == target
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected storage failure, keeping the SQLSTATE when the
// error came from Postgres.
func Internal(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	out := &Error{Code: CodeInternal, Message: "storage failure", Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		out.Diagnostic = pgErr.Code
	}
	return out
}

// CodeOf reports the code carried by err, INTERNAL when err is untyped.
func CodeOf(err error) Code {
	var coded interface{ ErrorCode() Code }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return CodeInternal
}
