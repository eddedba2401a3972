// Package ordercode issues and guards human readable order identifiers of the
// form YY-MM-DD-SEQ.
package ordercode

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

const (
	// FirstSequence is the suffix of the first identifier issued on a day.
	FirstSequence int64 = 101
	// LegacyPrefix marks placeholders written before codes were issued.
	LegacyPrefix = "LEGACY-"

	prefixLayout = "06-01-02"
)

// Code is a parsed readable identifier.
type Code struct {
	Prefix   string
	Sequence int64
}

// String renders the identifier. The suffix is not padded, so 999 is
// followed by 1000.
func (c Code) String() string {
	return c.Prefix + "-" + strconv.FormatInt(c.Sequence, 10)
}

// PrefixFor formats the date prefix of t in loc.
func PrefixFor(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(prefixLayout)
}

// Parse validates s and splits it into prefix and sequence.
func Parse(s string) (Code, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(prefixLayout)+2 || s[len(prefixLayout)] != '-' {
		return Code{}, malformed(s)
	}
	prefix, suffix := s[:len(prefixLayout)], s[len(prefixLayout)+1:]
	if _, err := time.Parse(prefixLayout, prefix); err != nil {
		return Code{}, malformed(s)
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return Code{}, malformed(s)
		}
	}
	if suffix[0] == '0' {
		return Code{}, malformed(s)
	}
	seq, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || seq < FirstSequence {
		return Code{}, malformed(s)
	}
	return Code{Prefix: prefix, Sequence: seq}, nil
}

// IsLegacy reports whether s is a legacy placeholder.
func IsLegacy(s string) bool {
	return strings.HasPrefix(s, LegacyPrefix) && len(s) > len(LegacyPrefix)
}

func malformed(s string) *shared.Error {
	return shared.Errorf(shared.CodeValidation, "readable id %q must match YY-MM-DD-SEQ with SEQ >= %d", s, FirstSequence)
}

// ErrSequenceExhausted is returned when a day's counter cannot advance.
var ErrSequenceExhausted = errors.New("ordercode: sequence exhausted")
