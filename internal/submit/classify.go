package submit

import (
	"regexp"
	"strings"
)

// successPhrases mark a confirmation page. Matched case-insensitively.
var successPhrases = []string{
	"your response has been recorded",
	"thanks for submitting",
	"thank you",
}

var (
	scriptOrStyle   = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)>`)
	formEchoPattern = regexp.MustCompile(`(?i)<form[^>]*action=["'][^"']*/formResponse`)
	alertPattern    = regexp.MustCompile(`(?i)role=["']alert["'][^>]*>([^<]{1,200})<`)
	validationHint  = regexp.MustCompile(`(?i)(required question|please enter|please select|must be|invalid)`)
)

const (
	maxAlerts      = 3
	maxAlertLength = 160
	previewLength  = 200
)

// Classification is the verdict on a submission response.
type Classification struct {
	Accepted          bool
	Redirected        bool
	SuccessText       bool
	FormEcho          bool
	Alerts            []string
	ValidationMessage string
}

// ContainsSuccessPhrase reports whether text carries a confirmation phrase.
func ContainsSuccessPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range successPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Classify decides whether a response means the submission was recorded.
// A redirect is accepted. Otherwise a 2xx page is accepted only when it
// carries a confirmation phrase and does not echo the input form back.
func Classify(status int, body string) Classification {
	c := Classification{Redirected: status >= 300 && status < 400}
	visible := scriptOrStyle.ReplaceAllString(body, " ")

	c.SuccessText = ContainsSuccessPhrase(visible)
	c.FormEcho = formEchoPattern.MatchString(body)
	c.Alerts = alerts(visible)
	c.ValidationMessage = validationMessage(c.Alerts, visible)

	switch {
	case c.Redirected:
		c.Accepted = true
	case status >= 200 && status < 300:
		c.Accepted = c.SuccessText && !c.FormEcho
	}
	return c
}

func alerts(body string) []string {
	var out []string
	for _, m := range alertPattern.FindAllStringSubmatch(body, -1) {
		text := strings.TrimSpace(m[1])
		if text == "" {
			continue
		}
		out = append(out, truncate(text, maxAlertLength))
		if len(out) == maxAlerts {
			break
		}
	}
	return out
}

func validationMessage(alerts []string, body string) string {
	for _, a := range alerts {
		if validationHint.MatchString(a) {
			return a
		}
	}
	if m := validationHint.FindString(body); m != "" {
		return m
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
