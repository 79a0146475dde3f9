package persistence

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JSON is an opaque JSON column. The bytes are kept as stored and only
// decoded on demand.
type JSON []byte

// ToJSON marshals v into a JSON column value. A nil v yields a NULL column.
func ToJSON(v any) (JSON, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(JSON); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return JSON(b), nil
}

// MustJSON is ToJSON for values that are known to be encodable.
func MustJSON(v any) JSON {
	j, err := ToJSON(v)
	if err != nil {
		panic(err)
	}
	return j
}

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
	return nil
}

// Decode unmarshals the column into v. An empty column leaves v untouched.
func (j JSON) Decode(v any) error {
	if len(j) == 0 {
		return nil
	}
	return json.Unmarshal(j, v)
}

// Any returns the decoded value, or nil for an empty or malformed column.
func (j JSON) Any() any {
	if len(j) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(j, &v); err != nil {
		return nil
	}
	return v
}

func (j JSON) IsNull() bool {
	return len(j) == 0 || bytes.Equal(j, []byte("null"))
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(b []byte) error {
	*j = append((*j)[:0], b...)
	return nil
}

// StringList is a JSON array of strings. Older rows that stored a
// comma-separated string are split on read.
type StringList []string

// ParseStringList accepts a []string, []any or a comma-separated string.
func ParseStringList(v any) StringList {
	switch t := v.(type) {
	case nil:
		return nil
	case StringList:
		return t
	case []string:
		return StringList(t)
	case []any:
		out := make(StringList, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	case string:
		return splitCommaList(t)
	default:
		return StringList{fmt.Sprint(t)}
	}
}

func splitCommaList(s string) StringList {
	s = strings.TrimSpace(s)
	if s == "" {
		return StringList{}
	}
	parts := strings.Split(s, ",")
	out := make(StringList, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("scan string list: unsupported type %T", src)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			*l = out
			return nil
		}
	}
	*l = splitCommaList(raw)
	return nil
}

// Contains reports whether s is in the list.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Ext is the free-form extension mapping every entity carries.
type Ext map[string]any

func (e Ext) Get(key string) (any, bool) {
	if e == nil {
		return nil, false
	}
	v, ok := e[key]
	return v, ok
}

// GetString returns the value for key when it is a string.
func (e Ext) GetString(key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

// Set updates one key in place, allocating the map when needed.
func (e *Ext) Set(key string, value any) {
	if *e == nil {
		*e = Ext{}
	}
	(*e)[key] = value
}

func (e Ext) Remove(key string) {
	delete(e, key)
}

func (e Ext) Value() (driver.Value, error) {
	if len(e) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(e))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (e *Ext) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*e = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan ext: unsupported type %T", src)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		*e = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("scan ext: %w", err)
	}
	*e = m
	return nil
}

// Millis converts t to a millisecond epoch; the zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// NowMillis is the current time as a millisecond epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func millisOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func listOrEmpty(l StringList) []string {
	if l == nil {
		return []string{}
	}
	return []string(l)
}
