package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Value is a generated answer: either a single string or a list of strings.
type Value struct {
	items []string
	multi bool
}

// String builds a single-valued answer.
func String(s string) Value { return Value{items: []string{s}} }

// List builds a multi-valued answer.
func List(items ...string) Value {
	return Value{items: append([]string{}, items...), multi: true}
}

// IsList reports whether the value holds a list.
func (v Value) IsList() bool { return v.multi }

// Str returns the single value, or the items joined with ", " for lists.
func (v Value) Str() string {
	if v.multi {
		return strings.Join(v.items, ", ")
	}
	if len(v.items) == 0 {
		return ""
	}
	return v.items[0]
}

// Items returns every string held by the value.
func (v Value) Items() []string {
	if !v.multi && len(v.items) == 0 {
		return []string{""}
	}
	return append([]string{}, v.items...)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.multi {
		if v.items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	}
	return json.Marshal(v.Str())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = String(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("value must be a string or a list of strings: %w", err)
	}
	*v = List(list...)
	return nil
}

// Record maps "entry.<id>" keys to answers.
type Record map[string]Value

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
