package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestClient(attempts int) *Client {
	return New(Options{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
		RPS:       1000,
		Burst:     10,
		Retry: resilience.RetryConfig{
			MaxAttempts:    attempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, []string{"2"}, r.URL.Query()["degree[]"])
		_, _ = w.Write([]byte(`{"courses":[{"id":1},{"id":2}]}`))
	}))
	defer srv.Close()

	q := url.Values{"limit": {"20"}, "degree[]": {"2"}}
	res, err := newTestClient(3).GetJSON(context.Background(), srv.URL+"/search.json", q)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Get("courses.#").Int())
	assert.Equal(t, int64(2), res.Get("courses.1.id").Int())
}

func TestGetJSON_Invalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(1).GetJSON(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid json")
}

func TestGetDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("paged"))
		_, _ = w.Write([]byte(`<html><body><article><h2>Nursing</h2></article></body></html>`))
	}))
	defer srv.Close()

	doc, err := newTestClient(1).GetDocument(context.Background(), srv.URL, url.Values{"paged": {"3"}})
	require.NoError(t, err)
	assert.Equal(t, "Nursing", doc.Find("article h2").Text())
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res, err := newTestClient(5).GetJSON(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.True(t, res.Get("ok").Bool())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(3).Get(context.Background(), srv.URL, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all retries exhausted")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestPermanentStatusNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(5).Get(context.Background(), srv.URL, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Options{
		RPS:     1000,
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
		Breaker: &resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	})
	for range 2 {
		_, err := c.Get(context.Background(), srv.URL, nil, "")
		require.Error(t, err)
	}
	_, err := c.Get(context.Background(), srv.URL, nil, "")
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(5).Get(ctx, srv.URL, nil, "")
	require.Error(t, err)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Doer) Doer {
			return DoerFunc(func(req *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.Do(req)
			})
		}
	}
	base := DoerFunc(func(*http.Request) (*http.Response, error) {
		order = append(order, "base")
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	_, err := Chain(base, mw("outer"), mw("inner")).Do(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "base"}, order)
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(8, 1)
	a.OnRateLimit()
	assert.InDelta(t, 4.0, float64(a.Limit()), 0.001)
	a.OnRateLimit()
	a.OnRateLimit()
	assert.InDelta(t, 2.0, float64(a.Limit()), 0.001)

	for range 20 {
		a.OnSuccess()
	}
	assert.InDelta(t, 8.0, float64(a.Limit()), 0.001)
}

func TestRateLimitFeedsAdaptiveLimiter(t *testing.T) {
	lim := NewAdaptiveLimiter(1000, 10)
	throttled := DoerFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTooManyRequests, Body: http.NoBody}, nil
	})
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	_, err := RateLimit(lim)(throttled).Do(req)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, float64(lim.Limit()), 0.001)
}
