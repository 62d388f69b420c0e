package forms

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"filly/run-service/internal/model"
)

// pageInfo is what the surrounding HTML tells us about a form.
type pageInfo struct {
	title    string // <title>
	ogTitle  string // <meta property="og:title">
	itemName string // itemprop="name" content
	action   string // first <form action>
	inputs   map[string]string
}

// scanPage walks the document once and records title candidates, the form
// action and every named input value.
func scanPage(page string) pageInfo {
	info := pageInfo{inputs: map[string]string{}}
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return info
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if info.title == "" && n.FirstChild != nil {
					info.title = n.FirstChild.Data
				}
			case atom.Meta:
				if getAttr(n, "property") == "og:title" && info.ogTitle == "" {
					info.ogTitle = getAttr(n, "content")
				}
			case atom.Form:
				if info.action == "" {
					info.action = getAttr(n, "action")
				}
			case atom.Input:
				name := getAttr(n, "name")
				if _, seen := info.inputs[name]; name != "" && !seen {
					info.inputs[name] = getAttr(n, "value")
				}
			}
			if info.itemName == "" && getAttr(n, "itemprop") == "name" {
				info.itemName = getAttr(n, "content")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return info
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

const defaultTitle = "Untitled Form"

// resolveTitle picks the first usable title. The generic product name is
// never accepted as a title.
func resolveTitle(info pageInfo, fromPayload string) string {
	for _, c := range []string{info.title, info.ogTitle, info.itemName, fromPayload} {
		c = normalizeText(c)
		if c == "" || strings.EqualFold(c, "Google Forms") {
			continue
		}
		return c
	}
	return defaultTitle
}

// metaFromInputs copies the known hidden tokens. actionURL and viewURL are
// filled by the caller.
func metaFromInputs(inputs map[string]string) model.TransportMeta {
	return model.TransportMeta{
		Token:               inputs["token"],
		Tag:                 inputs["tag"],
		PartialResponse:     inputs["partialResponse"],
		FBZX:                inputs["fbzx"],
		FVV:                 inputs["fvv"],
		PageHistory:         inputs["pageHistory"],
		SubmissionTimestamp: inputs["submissionTimestamp"],
		DLUT:                inputs["dlut"],
		HUD:                 inputs["hud"],
	}
}

// resolveAction makes a form action absolute against the page URL.
func resolveAction(action, pageURL string) string {
	if action == "" {
		return ""
	}
	ref, err := url.Parse(action)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
