package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/resilience"
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

// Do calls f(req).
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// Middleware decorates a Doer.
type Middleware func(Doer) Doer

// Chain wraps base so that the first middleware is the outermost.
func Chain(base Doer, mws ...Middleware) Doer {
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}

// RateLimit waits on lim before every request. Limiters that implement
// OnSuccess/OnRateLimit are fed the outcome.
func RateLimit(lim Limiter) Middleware {
	fb, _ := lim.(feedback)
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if err := lim.Wait(req.Context()); err != nil {
				return nil, eris.Wrap(err, "fetcher: rate limiter wait")
			}
			resp, err := next.Do(req)
			if fb != nil && err == nil {
				if resp.StatusCode == http.StatusTooManyRequests {
					fb.OnRateLimit()
				} else if resp.StatusCode < 400 {
					fb.OnSuccess()
				}
			}
			return resp, err
		})
	}
}

// Retry resends the request on network errors and on 408/425/429/5xx
// responses with exponential backoff. Only bodiless requests are retried.
func Retry(cfg resilience.RetryConfig) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			attempt := cfg
			if attempt.OnRetry == nil {
				attempt.OnRetry = func(n int, delay time.Duration, err error) {
					zap.L().Warn("fetcher: retrying request",
						zap.String("url", req.URL.String()),
						zap.Int("attempt", n),
						zap.Duration("backoff", delay),
						zap.Error(err),
					)
				}
			}

			resp, err := resilience.DoVal(req.Context(), attempt, func(ctx context.Context) (*http.Response, error) {
				resp, err := next.Do(req.Clone(ctx))
				if err != nil {
					if ctx.Err() != nil {
						return nil, err
					}
					return nil, resilience.NewTransientError(err, 0)
				}
				if resilience.IsTransientHTTPStatus(resp.StatusCode) {
					_ = resp.Body.Close()
					return nil, resilience.NewTransientError(
						eris.Errorf("http %d from %s", resp.StatusCode, req.URL.Redacted()), resp.StatusCode)
				}
				return resp, nil
			})
			if err != nil {
				if resilience.IsTransient(err) {
					return nil, eris.Wrap(err, "all retries exhausted")
				}
				return nil, err
			}
			return resp, nil
		})
	}
}

// CircuitBreak fails fast with resilience.ErrCircuitOpen once the upstream
// has failed repeatedly.
func CircuitBreak(cb *resilience.CircuitBreaker) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			return resilience.ExecuteVal(req.Context(), cb, func(context.Context) (*http.Response, error) {
				return next.Do(req)
			})
		})
	}
}

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, resilience.ErrCircuitOpen)
}
