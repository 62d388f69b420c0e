package forms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// BrowserUserAgent is sent on every request to the form host.
	BrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	AcceptLanguage   = "en-US,en;q=0.9"

	defaultFetchTimeout = 15 * time.Second
	maxPageBytes        = 8 << 20
)

// Fetcher downloads form pages.
type Fetcher struct {
	client *http.Client
}

// NewFetcher constructs a fetcher. A zero timeout uses the 15s default.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// NewFetcherWithClient lets callers supply their own transport.
func NewFetcherWithClient(client *http.Client) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch returns the page body for rawURL. A non-OK response is retried once
// against the canonical view URL of the same form.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	body, err := f.get(ctx, rawURL)
	if err == nil {
		return body, nil
	}

	id, kind, perr := ParseURL(rawURL)
	if perr != nil {
		return "", err
	}
	canonical := ViewURL(id, kind)
	if canonical == rawURL {
		return "", err
	}
	slog.Debug("form fetch failed, retrying canonical url", "url", rawURL, "err", err)
	return f.get(ctx, canonical)
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &TransportError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", BrowserUserAgent)
	req.Header.Set("Accept-Language", AcceptLanguage)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &TransportError{URL: rawURL, Err: fmt.Errorf("http GET: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", &TransportError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &TransportError{URL: rawURL, Status: resp.StatusCode}
	}
	return string(body), nil
}
