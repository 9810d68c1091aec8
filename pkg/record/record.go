// Package record defines the canonical extracted record, the fixed output
// schema and the validation/normalization rules applied before a record is
// persisted.
package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingID indicates a record without an identifier.
	ErrMissingID = errors.New("record missing id")

	// ErrMissingText indicates a record where both text and full_text are empty.
	ErrMissingText = errors.New("record missing text content")
)

// Record is one extracted item keyed by output column name.
// Values are loosely typed until Normalize converts the record into a Row.
type Record map[string]any

// ID returns the record identifier as a string, or "" when absent.
func (r Record) ID() string {
	return stringValue(r[ColID])
}

// Timestamp returns the creation time of the record if it can be parsed.
func (r Record) Timestamp() (time.Time, bool) {
	v, ok := r[ColCreatedAt]
	if !ok || v == nil {
		return time.Time{}, false
	}
	t, err := ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Validate checks the persistence invariant: a non-empty identifier and at
// least one non-empty text field.
func Validate(r Record) error {
	id := r.ID()
	if id == "" {
		return ErrMissingID
	}
	if stringValue(r[ColText]) == "" && stringValue(r[ColFullText]) == "" {
		return fmt.Errorf("%w: %s", ErrMissingText, id)
	}
	return nil
}

// stringValue renders scalar values as strings. Identifiers frequently arrive
// as JSON numbers, so numbers are formatted without exponent.
func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
