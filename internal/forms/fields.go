package forms

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"filly/run-service/internal/model"
)

// typeCodes maps the payload's numeric question types.
var typeCodes = map[int64]model.FieldType{
	0:  model.FieldShortText,
	1:  model.FieldParagraph,
	2:  model.FieldSingle,
	3:  model.FieldDropdown,
	4:  model.FieldMulti,
	5:  model.FieldLinearScale,
	9:  model.FieldDate,
	10: model.FieldTime,
}

// FieldTypeFor maps a raw type code, treating unknown codes as unsupported.
func FieldTypeFor(code int64) model.FieldType {
	if t, ok := typeCodes[code]; ok {
		return t
	}
	return model.FieldUnsupported
}

const untitledField = "Untitled"

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// normalizeText decodes entities, strips markup and collapses whitespace.
func normalizeText(s string) string {
	s = html.UnescapeString(s)
	s = tagPattern.ReplaceAllString(s, " ")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// parseFields converts question descriptors to FieldSpecs. Descriptors
// without an entry id (section headers, images) are dropped.
func parseFields(items []any) []model.FieldSpec {
	fields := make([]model.FieldSpec, 0, len(items))
	for _, item := range items {
		f, ok := parseField(item)
		if !ok {
			continue
		}
		f.Position = len(fields)
		fields = append(fields, f)
	}
	return fields
}

func parseField(item any) (model.FieldSpec, bool) {
	widgets, ok := listAt(item, layout.itemWidgets...)
	if !ok {
		return model.FieldSpec{}, false
	}
	entryID, ok := idAt(widgets, layout.widgetEntryID...)
	if !ok {
		return model.FieldSpec{}, false
	}

	label, _ := strAt(item, layout.itemLabel...)
	label = normalizeText(label)
	if label == "" {
		label = untitledField
	}
	help, _ := strAt(item, layout.itemHelp...)

	f := model.FieldSpec{
		EntryID:  entryID,
		Label:    label,
		Type:     model.FieldUnsupported,
		HelpText: normalizeText(help),
		Required: truthyAt(widgets, layout.widgetRequired...),
		Config:   model.DefaultFieldConfig(),
	}
	if code, ok := intAt(item, layout.itemType...); ok {
		raw := int(code)
		f.RawType = &raw
		f.Type = FieldTypeFor(code)
	}

	choices, _ := at(widgets, layout.widgetChoices...)
	f.Options = extractOptions(choices)
	if len(f.Options) == 0 {
		f.Options = longestChoiceList(item, entryID)
	}

	if v, ok := at(widgets, layout.widgetValidation...); ok {
		f.Validation = parseValidation(v)
	}
	return f, true
}

// extractOptions tries, in order: a two-number inclusive range, a list of
// arrays whose first element is a string, a flat list of strings.
func extractOptions(choices any) []string {
	list, ok := choices.([]any)
	if !ok || len(list) == 0 {
		return nil
	}

	if len(list) == 2 {
		lo, okLo := asInt(list[0])
		hi, okHi := asInt(list[1])
		if okLo && okHi && lo <= hi && hi-lo < 1000 {
			out := make([]string, 0, hi-lo+1)
			for i := lo; i <= hi; i++ {
				out = append(out, strconv.FormatInt(i, 10))
			}
			return out
		}
	}

	if out := choiceLabels(list); len(out) > 0 {
		return out
	}

	var flat []string
	for _, el := range list {
		if s, ok := el.(string); ok {
			if s = normalizeText(s); s != "" {
				flat = append(flat, s)
			}
		}
	}
	return flat
}

// choiceLabels reads [[label, ...], ...] shaped lists.
func choiceLabels(list []any) []string {
	var out []string
	for _, el := range list {
		if s, ok := strAt(el, 0); ok {
			if s = normalizeText(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// longestChoiceList scans the whole descriptor for choice-shaped lists and
// keeps the longest one. Used when the expected position holds nothing.
// The widget list itself is skipped: its rows start with the entry id.
func longestChoiceList(item any, entryID string) []string {
	var best []string
	var walk func(v any)
	walk = func(v any) {
		arr, ok := v.([]any)
		if !ok {
			return
		}
		if !isWidgetList(arr, entryID) {
			if labels := choiceLabels(arr); len(arr) > 0 && len(labels) == len(arr) && len(labels) > len(best) {
				best = labels
			}
		}
		for _, el := range arr {
			walk(el)
		}
	}
	walk(item)
	return best
}

func isWidgetList(arr []any, entryID string) bool {
	for _, row := range arr {
		if id, ok := idAt(row, 0); ok && id == entryID {
			return true
		}
	}
	return false
}

// parseValidation keeps the raw descriptor. With two or more strings inside,
// the first is the pattern and the last the message; a lone string is the message.
func parseValidation(v any) *model.Validation {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var strs []string
	var walk func(n any)
	walk = func(n any) {
		switch x := n.(type) {
		case string:
			if x != "" {
				strs = append(strs, x)
			}
		case []any:
			for _, el := range x {
				walk(el)
			}
		}
	}
	walk(v)

	val := &model.Validation{Raw: raw}
	switch {
	case len(strs) >= 2:
		val.Pattern = strs[0]
		val.Message = strs[len(strs)-1]
	case len(strs) == 1:
		val.Message = strs[0]
	}
	return val
}
