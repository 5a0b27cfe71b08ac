// Package esiclient implements the single shared HTTP client every harvest
// stage fetches through: connection pooling, 420 error-limit backoff, and
// pagination-hint parsing. Callers never see net/http response objects,
// only FetchResult.
package esiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"knife/pkg/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// FetchResult is the tagged union C1 returns instead of a heterogeneous
// interface{} — callers switch on OK() rather than type-asserting.
type FetchResult struct {
	ok      bool
	body    json.RawMessage
	status  int
	message string
}

// OK reports whether the fetch produced a 2xx response.
func (r FetchResult) OK() bool { return r.ok }

// Body returns the raw JSON body; only meaningful when OK() is true.
func (r FetchResult) Body() json.RawMessage { return r.body }

// Status returns the HTTP status code of a failed fetch.
func (r FetchResult) Status() int { return r.status }

// String renders the wire-compatible error sentinel the original stored
// in its result maps, used when an Err result lands in the final document.
func (r FetchResult) String() string {
	if r.ok {
		return string(r.body)
	}
	return fmt.Sprintf("Error fetching data: %d %s", r.status, r.message)
}

func okResult(body json.RawMessage) FetchResult {
	return FetchResult{ok: true, body: body}
}

func errResult(status int, message string) FetchResult {
	return FetchResult{status: status, message: message}
}

// Pages describes the pagination hint returned alongside a fetch: either
// Remaining (pages 2..N to still fetch, when the call was page-less and
// X-Pages >= 2), or Page (the page number this fetch corresponds to, when
// the call supplied an explicit page), or neither (single-page result).
type Pages struct {
	Remaining []int
	Page      int
	HasPage   bool
}

// Client is the shared connection-pooled fetcher used by every stage.
type Client struct {
	http         *http.Client
	userAgent    string
	errorLimited atomic.Bool
	maxRetries   int
}

// New builds a Client with a pool sized per spec (100 idle conns/host),
// optionally instrumented with OpenTelemetry when ENABLE_TELEMETRY is set.
func New() *Client {
	transport := http.RoundTripper(&http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	})
	if config.GetBoolEnv("ENABLE_TELEMETRY", false) {
		transport = otelhttp.NewTransport(transport)
	}
	return &Client{
		http:       &http.Client{Transport: transport},
		userAgent:  config.GetUserAgent(),
		maxRetries: 3,
	}
}

// ErrorLimited reports whether the client is currently sleeping out ESI's
// 420 error-limit window. Exposed for observability; Fetch itself already
// blocks the calling goroutine until the window clears.
func (c *Client) ErrorLimited() bool {
	return c.errorLimited.Load()
}

// Fetch issues a single HTTP request and returns the pagination hint, the
// final URL requested (including ?page=N, if any), and the typed result.
//
// If page > 0 it is attached as ?page=N and the response is never
// inspected for further pagination. Otherwise X-Pages is read from the
// response and, if >= 2, Pages.Remaining holds [2..X-Pages].
func (c *Client) Fetch(ctx context.Context, rawURL, method string, headers map[string]string, body []byte, page int) (Pages, string, FetchResult) {
	finalURL := rawURL
	if page > 0 {
		finalURL = fmt.Sprintf("%s?page=%d", rawURL, page)
	}

	var attempt int
	for {
		pages, result, transportErr := c.do(ctx, finalURL, method, headers, body, page)
		if transportErr != nil {
			attempt++
			if attempt > c.maxRetries {
				return Pages{}, finalURL, errResult(0, transportErr.Error())
			}
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return Pages{}, finalURL, errResult(0, ctx.Err().Error())
			}
			continue
		}

		if result.status == http.StatusTooManyRequests || result.status == 420 {
			wait := errorLimitWait(result.message)
			c.errorLimited.Store(true)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				c.errorLimited.Store(false)
				return Pages{}, finalURL, errResult(0, ctx.Err().Error())
			}
			c.errorLimited.Store(false)
			continue
		}

		return pages, finalURL, result
	}
}

// errorLimitWait parses the X-Esi-Error-Limit-Reset header value carried in
// result.message by do() (a reset of 1s when absent, malformed or negative)
// and returns reset+1 seconds, so the default wait is 2s.
func errorLimitWait(headerValue string) time.Duration {
	secs, err := strconv.Atoi(headerValue)
	if err != nil || secs < 0 {
		secs = 1
	}
	return time.Duration(secs+1) * time.Second
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func (c *Client) do(ctx context.Context, finalURL, method string, headers map[string]string, body []byte, page int) (Pages, FetchResult, error) {
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, finalURL, bodyReader)
	if err != nil {
		return Pages{}, FetchResult{}, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Pages{}, FetchResult{}, err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return Pages{}, FetchResult{}, readErr
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 420 {
		reset := resp.Header.Get("X-Esi-Error-Limit-Reset")
		return Pages{}, errResult(420, reset), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Pages{}, errResult(resp.StatusCode, string(data)), nil
	}

	result := okResult(json.RawMessage(data))

	if page > 0 {
		return Pages{Page: page, HasPage: true}, result, nil
	}

	if xPages := resp.Header.Get("X-Pages"); xPages != "" {
		if n, err := strconv.Atoi(xPages); err == nil && n >= 2 {
			remaining := make([]int, 0, n-1)
			for p := 2; p <= n; p++ {
				remaining = append(remaining, p)
			}
			return Pages{Remaining: remaining}, result, nil
		}
	}

	return Pages{}, result, nil
}
