package generator

import (
	"regexp"
	"strings"

	"filly/run-service/internal/model"
)

// Schema is the subset of JSON Schema the providers understand.
type Schema struct {
	Type                 string
	Description          string
	Properties           map[string]*Schema
	Required             []string
	Items                *Schema
	Enum                 []string
	AnyOf                []*Schema
	MinItems             *int
	MaxItems             *int
	MinLength            *int
	Pattern              string
	AdditionalProperties *bool
}

// Map renders s as a JSON Schema document.
func (s *Schema) Map() map[string]any {
	if s == nil {
		return nil
	}
	m := map[string]any{}
	if s.Type != "" {
		m["type"] = s.Type
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for k, p := range s.Properties {
			props[k] = p.Map()
		}
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if s.Items != nil {
		m["items"] = s.Items.Map()
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	if len(s.AnyOf) > 0 {
		anyOf := make([]any, 0, len(s.AnyOf))
		for _, a := range s.AnyOf {
			anyOf = append(anyOf, a.Map())
		}
		m["anyOf"] = anyOf
	}
	if s.MinItems != nil {
		m["minItems"] = *s.MinItems
	}
	if s.MaxItems != nil {
		m["maxItems"] = *s.MaxItems
	}
	if s.MinLength != nil {
		m["minLength"] = *s.MinLength
	}
	if s.Pattern != "" {
		m["pattern"] = s.Pattern
	}
	if s.AdditionalProperties != nil {
		m["additionalProperties"] = *s.AdditionalProperties
	}
	return m
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// EntryKey is the record key for a field.
func EntryKey(f model.FieldSpec) string { return f.Key() }

// uniqueOptions trims, drops blanks and removes duplicates, keeping order.
func uniqueOptions(opts []string) []string {
	seen := make(map[string]bool, len(opts))
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		o = strings.TrimSpace(o)
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}

// fieldPattern returns the operator pattern if it compiles.
func fieldPattern(f model.FieldSpec) string {
	if f.Config.Strategy != model.StrategyPattern || f.Config.Pattern == "" {
		return ""
	}
	if _, err := regexp.Compile(f.Config.Pattern); err != nil {
		return ""
	}
	return f.Config.Pattern
}

// FieldSchema constrains one answer.
func FieldSchema(f model.FieldSpec) *Schema {
	if opts := uniqueOptions(f.Options); len(opts) > 0 {
		choice := &Schema{Type: "string", Enum: opts}
		if !f.IsMulti() {
			return choice
		}
		list := &Schema{Type: "array", Items: &Schema{Type: "string", Enum: opts}}
		if f.Required {
			list.MinItems = intPtr(1)
		}
		return &Schema{AnyOf: []*Schema{choice, list}}
	}

	s := &Schema{Type: "string"}
	if f.Required {
		s.MinLength = intPtr(1)
	}
	s.Pattern = fieldPattern(f)
	return s
}

// BuildSchema describes {"samples": [record × count]} for the enabled fields.
func BuildSchema(fields []model.FieldSpec, count int) *Schema {
	fields = enabled(fields)
	record := &Schema{
		Type:                 "object",
		Properties:           make(map[string]*Schema, len(fields)),
		Required:             make([]string, 0, len(fields)),
		AdditionalProperties: boolPtr(false),
	}
	for _, f := range fields {
		key := EntryKey(f)
		record.Properties[key] = FieldSchema(f)
		record.Required = append(record.Required, key)
	}

	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"samples": {
				Type:     "array",
				Items:    record,
				MinItems: intPtr(count),
				MaxItems: intPtr(count),
			},
		},
		Required:             []string{"samples"},
		AdditionalProperties: boolPtr(false),
	}
}

func enabled(fields []model.FieldSpec) []model.FieldSpec {
	out := make([]model.FieldSpec, 0, len(fields))
	for _, f := range fields {
		if f.Config.Enabled {
			out = append(out, f)
		}
	}
	return out
}
