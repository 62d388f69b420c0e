package generator

import (
	"fmt"
	"strings"

	"filly/run-service/internal/model"
)

// BuildPrompt describes the enabled fields and asks for count samples.
func BuildPrompt(fields []model.FieldSpec, count int) string {
	fields = enabled(fields)

	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d distinct, realistic responses for the form fields below.\n\nFields:\n", count)
	for _, f := range fields {
		b.WriteString(fieldLine(f))
		b.WriteByte('\n')
	}

	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, EntryKey(f))
	}

	b.WriteString("\nGuidelines:\n")
	fmt.Fprintf(&b, "- Return a JSON object with a \"samples\" array containing exactly %d objects.\n", count)
	fmt.Fprintf(&b, "- Every object must contain exactly these keys: %s.\n", strings.Join(keys, ", "))
	b.WriteString("- For fields with options, answer only with listed options, copied verbatim.\n")
	b.WriteString("- For multi_choice fields, answer with an array of one or more options.\n")
	b.WriteString("- When a fixed value is given, use it exactly.\n")
	b.WriteString("- When a pattern is given, every answer must match it.\n")
	b.WriteString("- Dates use YYYY-MM-DD and times use HH:MM.\n")
	b.WriteString("- Vary answers across samples the way real respondents would.\n")
	return b.String()
}

func fieldLine(f model.FieldSpec) string {
	parts := []string{fmt.Sprintf("- %s: %s [%s]", EntryKey(f), f.Label, f.Type)}
	if opts := uniqueOptions(f.Options); len(opts) > 0 {
		parts = append(parts, "options: "+strings.Join(opts, " | "))
	}
	if f.Required {
		parts = append(parts, "required")
	}
	if f.Config.Strategy == model.StrategyFixed && f.Config.FixedValue != "" {
		parts = append(parts, "fixed value: "+f.Config.FixedValue)
	}
	if f.Config.Strategy == model.StrategyPattern && f.Config.Pattern != "" {
		parts = append(parts, "pattern: "+f.Config.Pattern)
	}
	if f.Validation != nil && f.Validation.Message != "" {
		parts = append(parts, "validation: "+f.Validation.Message)
	}
	if f.HelpText != "" {
		parts = append(parts, "help: "+f.HelpText)
	}
	if f.Config.Prompt != "" {
		parts = append(parts, "instruction: "+f.Config.Prompt)
	}
	return strings.Join(parts, ". ")
}
