// Package forms turns a public form page into a structured Form: its fields,
// title and the hidden tokens a submission must echo back.
package forms

import (
	"encoding/json"
	"fmt"

	"filly/run-service/internal/model"
)

// Form is the result of extracting one page.
type Form struct {
	ExternalID string
	Kind       string
	Title      string
	Fields     []model.FieldSpec
	Meta       model.TransportMeta
	RawPayload json.RawMessage
}

// Usable reports ErrNoFields when extraction found no answerable fields.
func (f *Form) Usable() error {
	if len(f.Fields) == 0 {
		return parseErr(ErrNoFields, "%s has zero fields", f.ExternalID)
	}
	return nil
}

// Extract parses a form page fetched from sourceURL.
// It is pure: no network access, no clock.
func Extract(page, sourceURL string) (*Form, error) {
	id, kind, err := ParseURL(sourceURL)
	if err != nil {
		return nil, err
	}

	root, err := locatePayload(page)
	if err != nil {
		return nil, err
	}

	items, ok := findItems(root)
	if !ok {
		return nil, parseErr(ErrNoFields, "no question list in payload")
	}

	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("re-encode payload: %w", err)
	}

	info := scanPage(page)
	meta := metaFromInputs(info.inputs)
	meta.ActionURL = resolveAction(info.action, sourceURL)
	meta.ViewURL = ViewURL(id, kind)

	return &Form{
		ExternalID: id,
		Kind:       kind,
		Title:      resolveTitle(info, payloadTitle(root)),
		Fields:     parseFields(items),
		Meta:       meta,
		RawPayload: raw,
	}, nil
}
