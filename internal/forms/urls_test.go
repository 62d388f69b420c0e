package forms_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"filly/run-service/internal/forms"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw, id, kind string
	}{
		{"https://docs.google.com/forms/d/e/1FAIpQLSabc/viewform", "1FAIpQLSabc", "e"},
		{"https://docs.google.com/forms/d/e/1FAIpQLSabc/formResponse?x=1", "1FAIpQLSabc", "e"},
		{"https://docs.google.com/forms/d/1AbC-_9/edit", "1AbC-_9", "d"},
		{"docs.google.com/forms/d/XYZ", "XYZ", "d"},
	}
	for _, c := range cases {
		id, kind, err := forms.ParseURL(c.raw)
		if assert.NoError(t, err, c.raw) {
			assert.Equal(t, c.id, id, c.raw)
			assert.Equal(t, c.kind, kind, c.raw)
		}
	}
}

func TestParseURL_Invalid(t *testing.T) {
	for _, raw := range []string{"", "https://example.com", "https://docs.google.com/forms/"} {
		_, _, err := forms.ParseURL(raw)
		assert.True(t, errors.Is(err, forms.ErrInvalidURL), raw)
	}
}

func TestCanonicalURLs(t *testing.T) {
	assert.Equal(t, "https://docs.google.com/forms/d/e/abc/viewform", forms.ViewURL("abc", "e"))
	assert.Equal(t, "https://docs.google.com/forms/d/abc/formResponse", forms.ResponseURL("abc", "d"))
}
