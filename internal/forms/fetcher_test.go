package forms_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filly/run-service/internal/forms"
)

type routeTripper struct {
	routes map[string]int
	seen   []*http.Request
}

func (r *routeTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r.seen = append(r.seen, req)
	status, ok := r.routes[req.URL.String()]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("body of " + req.URL.Path)),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

func TestFetcher_RetriesCanonicalURL(t *testing.T) {
	rt := &routeTripper{routes: map[string]int{
		"https://docs.google.com/forms/d/e/abc/viewform?hl=fr": http.StatusNotFound,
		"https://docs.google.com/forms/d/e/abc/viewform":       http.StatusOK,
	}}
	f := forms.NewFetcherWithClient(&http.Client{Transport: rt})

	body, err := f.Fetch(context.Background(), "https://docs.google.com/forms/d/e/abc/viewform?hl=fr")
	require.NoError(t, err)
	assert.Equal(t, "body of /forms/d/e/abc/viewform", body)
	require.Len(t, rt.seen, 2)
	assert.Equal(t, forms.BrowserUserAgent, rt.seen[0].Header.Get("User-Agent"))
	assert.Equal(t, forms.AcceptLanguage, rt.seen[1].Header.Get("Accept-Language"))
}

func TestFetcher_TransportError(t *testing.T) {
	rt := &routeTripper{routes: map[string]int{}}
	f := forms.NewFetcherWithClient(&http.Client{Transport: rt})

	_, err := f.Fetch(context.Background(), "https://docs.google.com/forms/d/e/abc/viewform")
	var terr *forms.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 0, terr.Status)
	assert.Len(t, rt.seen, 1, "canonical url equals the request url, no retry")
}
