package forms

import "regexp"

// Target kinds. "e" is the published (/d/e/<id>) shape, "d" the editor-id shape.
const (
	KindPublished = "e"
	KindDocument  = "d"
)

const formsBase = "https://docs.google.com/forms"

var (
	publishedPath = regexp.MustCompile(`/forms/d/e/([A-Za-z0-9_-]+)`)
	documentPath  = regexp.MustCompile(`/forms/d/([A-Za-z0-9_-]+)`)
)

// ParseURL extracts the external id and kind from a form URL.
// The published shape is tried first so "/d/e/<id>" never matches as id "e".
func ParseURL(raw string) (id, kind string, err error) {
	if m := publishedPath.FindStringSubmatch(raw); m != nil {
		return m[1], KindPublished, nil
	}
	if m := documentPath.FindStringSubmatch(raw); m != nil && m[1] != "e" {
		return m[1], KindDocument, nil
	}
	return "", "", parseErr(ErrInvalidURL, "%q", raw)
}

// ViewURL is the canonical public page of a form.
func ViewURL(id, kind string) string {
	return basePath(id, kind) + "/viewform"
}

// ResponseURL is the canonical submission endpoint of a form.
func ResponseURL(id, kind string) string {
	return basePath(id, kind) + "/formResponse"
}

func basePath(id, kind string) string {
	if kind == KindPublished {
		return formsBase + "/d/e/" + id
	}
	return formsBase + "/d/" + id
}
