package ordercode

import (
	"strings"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// CheckUpdate decides whether an order's readable id may change from previous
// to next. An unchanged value is always allowed. An unassigned or legacy
// value may be replaced once by a well-formed code. Anything else is an
// immutability violation.
func CheckUpdate(previous, next string) error {
	previous, next = strings.TrimSpace(previous), strings.TrimSpace(next)
	if previous == next {
		return nil
	}
	if previous == "" || IsLegacy(previous) {
		if _, err := Parse(next); err != nil {
			return err
		}
		return nil
	}
	return shared.Errorf(shared.CodeImmutableField, "readable id %q is already assigned", previous)
}
