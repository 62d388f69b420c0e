// Package reconcile merges a freshly extracted field list into the stored one
// so operator configuration survives changes to the form.
package reconcile

import (
	"strings"

	"filly/run-service/internal/model"
)

// queue hands out fresh fields in order, each at most once.
type queue struct {
	idx []int
}

func (q *queue) shift(used []bool) (int, bool) {
	for len(q.idx) > 0 {
		i := q.idx[0]
		q.idx = q.idx[1:]
		if !used[i] {
			return i, true
		}
	}
	return 0, false
}

// normalizeLabel lowercases and collapses whitespace so re-cased or
// re-spaced questions still match.
func normalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

func exactKey(f model.FieldSpec) string { return normalizeLabel(f.Label) + "|" + string(f.Type) }
func labelKey(f model.FieldSpec) string { return normalizeLabel(f.Label) + "|*" }

// Reconcile returns stored, in order, with each element refreshed from its
// best match in fresh. Matching is by label and type, then label alone,
// then same position. Stored fields without a match are returned unchanged.
//
// A match takes entryId, label, type, options, required and validation from
// fresh; helpText and rawType only when fresh has them. Identity, position
// and operator config always come from stored.
func Reconcile(stored, fresh []model.FieldSpec) []model.FieldSpec {
	out, _ := reconcile(stored, fresh)
	return out
}

func reconcile(stored, fresh []model.FieldSpec) ([]model.FieldSpec, []bool) {
	buckets := make(map[string]*queue, len(fresh)*2)
	push := func(key string, i int) {
		q, ok := buckets[key]
		if !ok {
			q = &queue{}
			buckets[key] = q
		}
		q.idx = append(q.idx, i)
	}
	for i, f := range fresh {
		push(exactKey(f), i)
		push(labelKey(f), i)
	}

	used := make([]bool, len(fresh))
	take := func(key string) (int, bool) {
		q, ok := buckets[key]
		if !ok {
			return 0, false
		}
		return q.shift(used)
	}

	out := make([]model.FieldSpec, 0, len(stored))
	for pos, s := range stored {
		i, ok := take(exactKey(s))
		if !ok {
			i, ok = take(labelKey(s))
		}
		if !ok && pos < len(fresh) && !used[pos] {
			i, ok = pos, true
		}
		if !ok {
			out = append(out, s)
			continue
		}
		used[i] = true
		out = append(out, merge(s, fresh[i]))
	}
	return out, used
}

func merge(stored, fresh model.FieldSpec) model.FieldSpec {
	m := stored
	m.EntryID = fresh.EntryID
	m.Label = fresh.Label
	m.Type = fresh.Type
	m.Options = append([]string(nil), fresh.Options...)
	m.Required = fresh.Required
	m.Validation = fresh.Validation
	if fresh.HelpText != "" {
		m.HelpText = fresh.HelpText
	}
	if fresh.RawType != nil {
		rt := *fresh.RawType
		m.RawType = &rt
	}
	return m
}

// NewFields returns the fresh fields no stored field was matched to, so
// callers can append questions added to the form since the last import.
func NewFields(stored, fresh []model.FieldSpec) []model.FieldSpec {
	_, used := reconcile(stored, fresh)
	var out []model.FieldSpec
	for i, f := range fresh {
		if !used[i] {
			out = append(out, f)
		}
	}
	return out
}
