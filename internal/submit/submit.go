// Package submit performs one form submission and decides, from the
// response, whether it was recorded.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"filly/run-service/internal/forms"
	"filly/run-service/internal/model"
)

const (
	defaultTimeout = 30 * time.Second
	formsOrigin    = "https://docs.google.com"
	maxBodyBytes   = 2 << 20
)

// Request is one submission.
type Request struct {
	Record     model.Record
	Meta       model.TransportMeta
	Fields     []model.FieldSpec
	ExternalID string
	Kind       string
}

// Diagnostics explain an Outcome.
type Diagnostics struct {
	Status            int      `json:"status,omitempty"`
	Redirected        bool     `json:"redirected,omitempty"`
	Location          string   `json:"location,omitempty"`
	SuccessText       bool     `json:"successText,omitempty"`
	FormEcho          bool     `json:"formEcho,omitempty"`
	Alerts            []string `json:"alerts,omitempty"`
	ValidationMessage string   `json:"validationMessage,omitempty"`
	MissingEntryIDs   []string `json:"missingEntryIds,omitempty"`
	EmptyRequired     []string `json:"emptyRequired,omitempty"`
	BodyPreview       string   `json:"bodyPreview,omitempty"`
	PayloadKeys       []string `json:"payloadKeys,omitempty"`
	Endpoint          string   `json:"endpoint,omitempty"`
}

// Outcome is the result of Submit. Error is set whenever Accepted is false.
type Outcome struct {
	Accepted    bool        `json:"accepted"`
	Error       string      `json:"error,omitempty"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// JSON encodes the outcome for storage on the item.
func (o Outcome) JSON() json.RawMessage {
	b, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return b
}

// Submitter posts records to a form's response endpoint.
type Submitter struct {
	client *http.Client
	now    func() time.Time
}

// New returns a Submitter. A zero timeout uses 30s.
func New(timeout time.Duration) *Submitter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewWithClient(&http.Client{Timeout: timeout}, time.Now)
}

// NewWithClient uses client for transport. Redirect following is always
// disabled on it, since a redirect is itself the acceptance signal.
func NewWithClient(client *http.Client, now func() time.Time) *Submitter {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &Submitter{client: &c, now: now}
}

// Endpoint is the URL a request posts to.
func Endpoint(req Request) string {
	if req.Meta.ActionURL != "" {
		return req.Meta.ActionURL
	}
	return forms.ResponseURL(req.ExternalID, req.Kind)
}

// Referer is the view URL with the anti-forgery token appended when known.
func Referer(meta model.TransportMeta) string {
	if meta.ViewURL == "" || meta.FBZX == "" {
		return meta.ViewURL
	}
	return meta.ViewURL + "?fbzx=" + url.QueryEscape(meta.FBZX)
}

// Submit never returns an error: network failures become a rejected Outcome.
func (s *Submitter) Submit(ctx context.Context, req Request) Outcome {
	endpoint := Endpoint(req)
	payload := BuildPayload(req.Record, req.Meta, s.now())

	diag := Diagnostics{Endpoint: endpoint, PayloadKeys: sortedKeys(payload)}

	status, location, body, err := s.post(ctx, endpoint, payload, Referer(req.Meta))
	if err != nil {
		return Outcome{Error: err.Error(), Diagnostics: diag}
	}

	c := Classify(status, body)
	diag.Status = status
	diag.Location = location
	diag.Redirected = c.Redirected
	diag.SuccessText = c.SuccessText
	diag.FormEcho = c.FormEcho
	diag.Alerts = c.Alerts
	diag.ValidationMessage = c.ValidationMessage
	diag.MissingEntryIDs = MissingRequired(payload, req.Fields)
	diag.EmptyRequired = EmptyRequired(payload, req.Fields)
	diag.BodyPreview = truncate(strings.TrimSpace(body), previewLength)

	out := Outcome{Accepted: c.Accepted, Diagnostics: diag}
	if len(diag.MissingEntryIDs) > 0 || len(diag.EmptyRequired) > 0 {
		out.Accepted = false
	}
	if !out.Accepted {
		out.Error = rejectionReason(status, c, diag)
	}
	return out
}

func (s *Submitter) post(ctx context.Context, endpoint string, payload url.Values, referer string) (int, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return 0, "", "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", forms.BrowserUserAgent)
	req.Header.Set("Accept-Language", forms.AcceptLanguage)
	req.Header.Set("Origin", formsOrigin)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", "", fmt.Errorf("http POST: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, "", "", fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Header.Get("Location"), string(body), nil
}

func rejectionReason(status int, c Classification, d Diagnostics) string {
	switch {
	case status == http.StatusUnauthorized:
		return "unauthorized: form requires sign-in"
	case len(d.MissingEntryIDs) > 0:
		return "missing required fields: " + strings.Join(d.MissingEntryIDs, ", ")
	case len(d.EmptyRequired) > 0:
		return "empty required fields: " + strings.Join(d.EmptyRequired, ", ")
	case c.ValidationMessage != "":
		return "validation failed: " + c.ValidationMessage
	case c.FormEcho:
		return "response returned input form"
	case status < 200 || status >= 400:
		return fmt.Sprintf("HTTP %d", status)
	default:
		return "response not accepted"
	}
}

func sortedKeys(v url.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
