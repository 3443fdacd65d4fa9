package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrCoercion indicates a raw value cannot be represented as the requested type.
var ErrCoercion = errors.New("value does not coerce to column type")

// TypeCalculator infers the type of individual raw values and converts raw
// values into typed values for a fixed column type.
type TypeCalculator interface {
	// Infer returns the narrowest type that can represent value. Callers never
	// pass empty values.
	Infer(value string) ColumnType

	// Coerce converts value to the representation written for columns of type t.
	// Empty values coerce to nil.
	Coerce(value string, t ColumnType) (any, error)
}

// Refine feeds one raw value into a running column estimate. Empty cells leave
// the estimate unchanged.
func Refine(calc TypeCalculator, current ColumnType, value string) ColumnType {
	if strings.TrimSpace(value) == "" {
		if current == "" {
			return TypeUnknown
		}

		return current
	}

	return Widen(current, calc.Infer(value))
}

var (
	// dateLayouts are the accepted date formats (no time component).
	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"02-Jan-2006",
	}

	// timestampLayouts are the accepted timestamp formats.
	timestampLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04",
		"01/02/2006 15:04:05",
		"01/02/2006 15:04",
	}
)

// DefaultTypeCalculator recognises integers, floats, booleans, dates and
// timestamps. Everything else is a string.
type DefaultTypeCalculator struct{}

var _ TypeCalculator = DefaultTypeCalculator{}

// Infer implements TypeCalculator.
func (DefaultTypeCalculator) Infer(value string) ColumnType {
	s := strings.TrimSpace(value)

	switch {
	case s == "":
		return TypeUnknown
	case isInt(s):
		return TypeInteger
	case isFloat(s):
		return TypeFloat
	case isBool(s):
		return TypeBoolean
	}

	if _, ok := parseLayouts(s, dateLayouts); ok {
		return TypeDate
	}

	if _, ok := parseLayouts(s, timestampLayouts); ok {
		return TypeTimestamp
	}

	return TypeString
}

// Coerce implements TypeCalculator.
func (DefaultTypeCalculator) Coerce(value string, t ColumnType) (any, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, nil
	}

	switch t {
	case TypeBoolean:
		b, ok := parseBool(s)
		if !ok {
			return nil, coercionError(value, t)
		}

		return b, nil
	case TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, coercionError(value, t)
		}

		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, coercionError(value, t)
		}

		return f, nil
	case TypeDate:
		d, ok := parseLayouts(s, dateLayouts)
		if !ok {
			return nil, coercionError(value, t)
		}

		return int32(d.Unix() / secondsPerDay), nil
	case TypeTimestamp:
		ts, ok := parseLayouts(s, timestampLayouts)
		if !ok {
			if ts, ok = parseLayouts(s, dateLayouts); !ok {
				return nil, coercionError(value, t)
			}
		}

		return ts.UnixMilli(), nil
	default:
		return value, nil
	}
}

const secondsPerDay = 24 * 60 * 60

func coercionError(value string, t ColumnType) error {
	return fmt.Errorf("%w: %q as %s", ErrCoercion, value, t)
}

// isInt requires a signed base-10 integer that fits in int64.
func isInt(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)

	return err == nil
}

// isFloat accepts decimal or scientific notation. NaN and Inf are strings.
func isFloat(s string) bool {
	lower := strings.ToLower(s)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") {
		return false
	}

	_, err := strconv.ParseFloat(s, 64)

	return err == nil
}

func isBool(s string) bool {
	_, ok := parseBool(s)

	return ok
}

// parseBool accepts word forms only; 0 and 1 are integers.
func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y":
		return true, true
	case "false", "f", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func parseLayouts(s string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}

	return time.Time{}, false
}
