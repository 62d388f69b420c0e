package submit

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"filly/run-service/internal/model"
)

// BuildPayload merges the record with the non-empty transport tokens and a
// fresh submission timestamp in milliseconds.
func BuildPayload(record model.Record, meta model.TransportMeta, now time.Time) url.Values {
	form := url.Values{}
	for key, v := range record {
		if v.IsList() {
			for _, item := range v.Items() {
				if item = strings.TrimSpace(item); item != "" {
					form.Add(key, item)
				}
			}
			continue
		}
		form.Set(key, v.Str())
	}

	tokens := []struct{ key, val string }{
		{"dlut", meta.DLUT},
		{"hud", meta.HUD},
		{"fvv", meta.FVV},
		{"partialResponse", meta.PartialResponse},
		{"pageHistory", meta.PageHistory},
		{"token", meta.Token},
		{"tag", meta.Tag},
		{"fbzx", meta.FBZX},
	}
	for _, t := range tokens {
		if t.val != "" {
			form.Set(t.key, t.val)
		}
	}
	form.Set("submissionTimestamp", strconv.FormatInt(now.UnixMilli(), 10))
	return form
}

// MissingRequired lists required entry keys the payload carries no value
// for. A multi-choice answer made only of blanks counts as missing because
// BuildPayload drops its items.
func MissingRequired(payload url.Values, fields []model.FieldSpec) []string {
	var out []string
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if len(payload[f.Key()]) == 0 {
			out = append(out, f.Key())
		}
	}
	return out
}

// EmptyRequired lists required fields the payload sends only blank values
// for, formatted as "label (entry.x)".
func EmptyRequired(payload url.Values, fields []model.FieldSpec) []string {
	var out []string
	for _, f := range fields {
		vals := payload[f.Key()]
		if !f.Required || len(vals) == 0 {
			continue
		}
		if allBlank(vals) {
			out = append(out, fmt.Sprintf("%s (%s)", f.Label, f.Key()))
		}
	}
	return out
}

func allBlank(vals []string) bool {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
