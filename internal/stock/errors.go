package stock

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// ItemError describes why one line of a batch failed.
type ItemError = shared.Error

// BatchError is returned when a batch is rejected as a whole. Nothing in the
// batch was applied.
type BatchError struct {
	Code   shared.Code
	Errors []ItemError
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		parts = append(parts, item.Message)
	}
	return fmt.Sprintf("stock: batch rejected (%d errors): %s", len(e.Errors), strings.Join(parts, "; "))
}

// ErrorCode reports the code of the first failing line.
func (e *BatchError) ErrorCode() shared.Code { return e.Code }

// Is matches the sentinel of any contained error.
func (e *BatchError) Is(target error) bool {
	for i := range e.Errors {
		if e.Errors[i].Is(target) {
			return true
		}
	}
	return false
}

func newBatchError(errs []ItemError) *BatchError {
	return &BatchError{Code: errs[0].Code, Errors: errs}
}

func validationError(format string, args ...any) *shared.Error {
	return shared.Errorf(shared.CodeValidation, format, args...)
}

func notFound(variantID uuid.UUID) ItemError {
	return ItemError{
		Code:      shared.CodeNotFound,
		VariantID: variantID,
		Message:   fmt.Sprintf("variant %s not found", variantID),
	}
}

func insufficientStock(v Variant, requested int64) ItemError {
	return ItemError{
		Code:      shared.CodeInsufficientStock,
		VariantID: v.ID,
		SKU:       v.SKU,
		Message:   fmt.Sprintf("insufficient stock for %s: requested %d, available %d", v.SKU, requested, v.Available),
		Requested: requested,
		Available: v.Available,
	}
}

func insufficientReserved(v Variant, requested, reserved int64) ItemError {
	return ItemError{
		Code:      shared.CodeInsufficientReserved,
		VariantID: v.ID,
		SKU:       v.SKU,
		Message:   fmt.Sprintf("insufficient reserved stock for %s: requested %d, reserved %d", v.SKU, requested, reserved),
		Requested: requested,
		Available: reserved,
	}
}
