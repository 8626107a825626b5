// Package coerce converts untyped source values into nullable typed
// column values. Every function is total: absent, null, empty or
// malformed input yields nil, never an error. Callers must not need
// defensive wrapping around any of these.
package coerce

import (
	"strconv"
	"strings"
	"time"

	"github.com/SirClappington/syncd/internal/mapping"
)

// String passes non-empty values through. Empty string and nil both
// yield nil; the destination column enforces length limits.
func String(v any) *string {
	if v == nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

// Number accepts numeric literals and numeric strings.
func Number(v any) *float64 {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return &t
	case float32:
		f := float64(t)
		return &f
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case string:
		if t == "" {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// Integer is Number truncated toward zero. Sources deliver integer
// fields as decimal strings ("2019.0") often enough that parsing via
// float first is the only tolerant reading.
func Integer(v any) *int64 {
	f := Number(v)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

// Boolean recognizes canonical booleans plus the textual variants the
// source emits: true/1/yes/on and false/0/no/off, case-insensitive.
func Boolean(v any) *bool {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return &t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "on":
			b := true
			return &b
		case "false", "0", "no", "off":
			b := false
			return &b
		}
		return nil
	case float64:
		b := t != 0
		return &b
	case int:
		b := t != 0
		return &b
	default:
		return nil
	}
}

// Timestamp accepts a millisecond epoch (number or numeric string) or
// an ISO-8601 string and returns a UTC instant.
func Timestamp(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		u := t.UTC()
		return &u
	case float64:
		return fromMillis(int64(t))
	case int:
		return fromMillis(int64(t))
	case int64:
		return fromMillis(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromMillis(ms)
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.000Z",
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if ts, err := time.Parse(layout, s); err == nil {
				u := ts.UTC()
				return &u
			}
		}
		return nil
	default:
		return nil
	}
}

// Date is Timestamp truncated to midnight UTC.
func Date(v any) *time.Time {
	ts := Timestamp(v)
	if ts == nil {
		return nil
	}
	d := ts.Truncate(24 * time.Hour)
	return &d
}

func fromMillis(ms int64) *time.Time {
	ts := time.UnixMilli(ms).UTC()
	return &ts
}

// Value coerces v according to the semantic type and returns a value
// suitable for a database driver parameter. The result is an untyped
// nil when the input cannot be read as the requested type.
func Value(t mapping.Type, v any) any {
	switch t {
	case mapping.TypeString:
		if p := String(v); p != nil {
			return *p
		}
	case mapping.TypeInteger:
		if p := Integer(v); p != nil {
			return *p
		}
	case mapping.TypeNumber:
		if p := Number(v); p != nil {
			return *p
		}
	case mapping.TypeBoolean:
		if p := Boolean(v); p != nil {
			return *p
		}
	case mapping.TypeTimestamp:
		if p := Timestamp(v); p != nil {
			return *p
		}
	case mapping.TypeDate:
		if p := Date(v); p != nil {
			return *p
		}
	}
	return nil
}
