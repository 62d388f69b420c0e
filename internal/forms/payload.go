package forms

import (
	"encoding/json"
	"strings"
)

const payloadMarker = "FB_PUBLIC_LOAD_DATA_"

// layout names every positional index used to read the embedded payload.
// The payload is an undocumented nested array; all reads go through here.
var layout = struct {
	itemID      []int
	itemLabel   []int
	itemHelp    []int
	itemType    []int
	itemWidgets []int

	// relative to an item's widgets list
	widgetEntryID    []int
	widgetChoices    []int
	widgetRequired   []int
	widgetValidation []int

	// relative to the payload root
	formTitle []int
	docName   []int
}{
	itemID:      []int{0},
	itemLabel:   []int{1},
	itemHelp:    []int{2},
	itemType:    []int{3},
	itemWidgets: []int{4},

	widgetEntryID:    []int{0, 0},
	widgetChoices:    []int{0, 1},
	widgetRequired:   []int{0, 2},
	widgetValidation: []int{0, 4},

	formTitle: []int{1, 8},
	docName:   []int{3},
}

// locatePayload finds the marker assignment in the page and decodes the
// single JSON value that follows it. Numbers are kept as json.Number.
func locatePayload(page string) ([]any, error) {
	idx := strings.Index(page, payloadMarker)
	if idx < 0 {
		return nil, parseErr(ErrMissingPayload, "marker %s absent", payloadMarker)
	}
	rest := strings.TrimLeft(page[idx+len(payloadMarker):], " \t\r\n")
	if !strings.HasPrefix(rest, "=") {
		return nil, parseErr(ErrMissingPayload, "marker is not an assignment")
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")

	dec := json.NewDecoder(strings.NewReader(rest))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, parseErr(ErrMissingPayload, "decode: %v", err)
	}
	root, ok := v.([]any)
	if !ok {
		return nil, parseErr(ErrMissingPayload, "payload is not an array")
	}
	return root, nil
}

// at walks path through nested arrays. Any out-of-range index or non-array
// step is a miss.
func at(v any, path ...int) (any, bool) {
	cur := v
	for _, i := range path {
		arr, ok := cur.([]any)
		if !ok || i < 0 || i >= len(arr) {
			return nil, false
		}
		cur = arr[i]
	}
	return cur, cur != nil
}

func strAt(v any, path ...int) (string, bool) {
	n, ok := at(v, path...)
	if !ok {
		return "", false
	}
	s, ok := n.(string)
	return s, ok
}

func listAt(v any, path ...int) ([]any, bool) {
	n, ok := at(v, path...)
	if !ok {
		return nil, false
	}
	l, ok := n.([]any)
	return l, ok
}

func intAt(v any, path ...int) (int64, bool) {
	n, ok := at(v, path...)
	if !ok {
		return 0, false
	}
	return asInt(n)
}

func asInt(n any) (int64, bool) {
	switch x := n.(type) {
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case float64:
		return int64(x), true
	}
	return 0, false
}

// idAt reads an identifier that may be encoded as a number or a string.
func idAt(v any, path ...int) (string, bool) {
	n, ok := at(v, path...)
	if !ok {
		return "", false
	}
	switch x := n.(type) {
	case json.Number:
		return x.String(), true
	case string:
		if x = strings.TrimSpace(x); x != "" {
			return x, true
		}
	}
	return "", false
}

func truthyAt(v any, path ...int) bool {
	n, ok := at(v, path...)
	if !ok {
		return false
	}
	switch x := n.(type) {
	case bool:
		return x
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	case string:
		return x != ""
	case []any:
		return true
	}
	return false
}

// looksLikeItem reports whether v has the shape of a question descriptor:
// a string label and a widgets list.
func looksLikeItem(v any) bool {
	if _, ok := strAt(v, layout.itemLabel...); !ok {
		return false
	}
	_, ok := listAt(v, layout.itemWidgets...)
	return ok
}

// findItems returns the first array, in depth-first order, that holds at
// least one question descriptor.
func findItems(v any) ([]any, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	for _, el := range arr {
		if looksLikeItem(el) {
			return arr, true
		}
	}
	for _, el := range arr {
		if found, ok := findItems(el); ok {
			return found, true
		}
	}
	return nil, false
}

// payloadTitle returns the form title embedded in the payload, if any.
func payloadTitle(root []any) string {
	for _, p := range [][]int{layout.formTitle, layout.docName} {
		if s, ok := strAt(root, p...); ok {
			if s = normalizeText(s); s != "" {
				return s
			}
		}
	}
	return ""
}
