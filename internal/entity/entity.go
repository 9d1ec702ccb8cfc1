// Package entity reads the handful of fields the archiver cares about out of
// untyped api records. The api is not consistent about types, ids show up as
// numbers or strings depending on the endpoint.
package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Entity = map[string]any

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// ID returns the numeric `id` of a record.
func ID(e Entity) (int64, bool) {
	return Int(e, "id")
}

// Int returns a non-zero numeric field.
func Int(e Entity, key string) (int64, bool) {
	if e == nil {
		return 0, false
	}
	n, ok := toInt64(e[key])
	if !ok || n == 0 {
		return 0, false
	}
	return n, true
}

// Key returns a stable string key for a record, records without an id yield "".
func Key(e Entity) string {
	id, ok := ID(e)
	if !ok {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// Str returns a field formatted as a string, missing and null fields are "".
func Str(e Entity, key string) string {
	if e == nil {
		return ""
	}
	switch v := e[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// VisualID is the human facing order number, it falls back to the id.
func VisualID(e Entity) string {
	if v := Str(e, "visual_id"); v != "" {
		return v
	}
	return Key(e)
}

func Object(e Entity, key string) Entity {
	if e == nil {
		return nil
	}
	obj, _ := e[key].(map[string]any)
	return obj
}

func List(e Entity, key string) []Entity {
	if e == nil {
		return nil
	}
	raw, _ := e[key].([]any)
	out := make([]Entity, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if ok {
			out = append(out, obj)
		}
	}
	return out
}

// Count returns the length of a list field regardless of its element type.
func Count(e Entity, key string) int {
	raw, _ := e[key].([]any)
	return len(raw)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02",
}

// Time parses a timestamp field, ok is false when it is missing or malformed.
func Time(e Entity, key string) (time.Time, bool) {
	raw := Str(e, key)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Date returns the YYYY-MM-DD prefix of a timestamp field.
func Date(e Entity, key string) string {
	raw := Str(e, key)
	if len(raw) >= 10 {
		return raw[:10]
	}
	return raw
}

// Customer returns the embedded customer of an order.
func Customer(order Entity) Entity {
	return Object(order, "customer")
}

// CustomerName prefers the company name and falls back to the person.
func CustomerName(customer Entity) string {
	if name := Str(customer, "company_name"); name != "" {
		return name
	}
	if name := Str(customer, "full_name"); name != "" {
		return name
	}
	first := Str(customer, "first_name")
	last := Str(customer, "last_name")
	return strings.TrimSpace(first + " " + last)
}
