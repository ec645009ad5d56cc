// Package fetcher is the rate-limited, retrying HTTP layer every source
// crawler fetches through.
package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/ghadam-app/crawlers/internal/resilience"
)

const maxBodyBytes = 32 << 20

// Options configures a Client.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	// RPS is the sustained request rate; Burst the bucket size.
	RPS   float64
	Burst int
	Retry resilience.RetryConfig
	// Breaker is optional; nil disables the circuit breaker.
	Breaker *resilience.CircuitBreakerConfig
	// Transport replaces the underlying *http.Client, mainly for tests.
	Transport Doer
}

// Client issues GET requests through CircuitBreak(Retry(RateLimit(http))).
// Every attempt, retries included, takes a rate limiter token.
type Client struct {
	opts    Options
	doer    Doer
	limiter *AdaptiveLimiter
}

// New builds a Client. State is per instance so two sources never share a
// bucket.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "crawlers/1.0"
	}
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	base := opts.Transport
	if base == nil {
		base = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	lim := NewAdaptiveLimiter(opts.RPS, opts.Burst)
	mws := []Middleware{}
	if opts.Breaker != nil {
		mws = append(mws, CircuitBreak(resilience.NewCircuitBreaker(*opts.Breaker)))
	}
	mws = append(mws, Retry(opts.Retry), RateLimit(lim))

	return &Client{opts: opts, doer: Chain(base, mws...), limiter: lim}
}

// Limiter exposes the client's token bucket.
func (c *Client) Limiter() *AdaptiveLimiter { return c.limiter }

// Get fetches rawURL with query appended and returns the body. Any non-2xx
// status that survived the retry layer is an error.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, accept string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", u.Redacted())
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, u.Redacted())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read body")
	}
	return body, nil
}

// GetJSON fetches and parses a JSON document.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values) (gjson.Result, error) {
	body, err := c.Get(ctx, rawURL, query, "application/json")
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, eris.Errorf("fetcher: invalid json from %s", rawURL)
	}
	return gjson.ParseBytes(body), nil
}

// GetDocument fetches and parses an HTML page.
func (c *Client) GetDocument(ctx context.Context, rawURL string, query url.Values) (*goquery.Document, error) {
	body, err := c.Get(ctx, rawURL, query, "text/html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse html")
	}
	return doc, nil
}
