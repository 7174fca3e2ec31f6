// Package middleware adapts a keeper to HTTP stacks: a net/http wrapper
// and a Fiber handler. Both consume one token per request by default,
// keyed on the client IP.
package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/meridianhq/ratekeeper"
)

// Options configures the HTTP middleware. Keeper is required; everything
// else has defaults.
type Options struct {
	Keeper *ratekeeper.Keeper

	// KeyFunc derives the bucket key from a request. Default: client IP.
	KeyFunc func(r *http.Request) string

	// CostFunc derives the token cost of a request. Default: 1.
	CostFunc func(r *http.Request) float64

	// LegacyHeaders also sets the X-RateLimit-* variants.
	LegacyHeaders bool

	// DeniedHandler renders the denial. Default: 429 with Retry-After.
	DeniedHandler http.Handler

	// ErrorHandler renders limiter faults such as invalid keys.
	// Default: 500.
	ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)
}

// Handler wraps next with rate limiting.
func Handler(next http.Handler, opts Options) http.Handler {
	if opts.KeyFunc == nil {
		opts.KeyFunc = ClientIP
	}
	if opts.CostFunc == nil {
		opts.CostFunc = func(*http.Request) float64 { return 1 }
	}
	if opts.DeniedHandler == nil {
		opts.DeniedHandler = http.HandlerFunc(defaultDenied)
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}

	limit := strconv.Itoa(int(opts.Keeper.Capacity()))
	rate := opts.Keeper.RefillRate()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := opts.Keeper.TryConsume(r.Context(), opts.KeyFunc(r), opts.CostFunc(r))
		if err != nil {
			opts.ErrorHandler(w, r, err)
			return
		}

		h := w.Header()
		h.Set("RateLimit-Limit", limit)
		if opts.LegacyHeaders {
			h.Set("X-RateLimit-Limit", limit)
		}
		if res.Remaining >= 0 {
			remaining := strconv.Itoa(res.Remaining)
			h.Set("RateLimit-Remaining", remaining)
			if opts.LegacyHeaders {
				h.Set("X-RateLimit-Remaining", remaining)
			}
		}
		reset := resetSeconds(opts.Keeper.Capacity(), res.Remaining, rate)
		h.Set("RateLimit-Reset", reset)
		if opts.LegacyHeaders {
			h.Set("X-RateLimit-Reset", reset)
		}

		if !res.Allowed {
			h.Set("Retry-After", retryAfterSeconds(res.RetryAfter))
			opts.DeniedHandler.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP is the default key function: the remote address with the port
// stripped.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func defaultDenied(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// resetSeconds estimates the seconds until the bucket is full again.
func resetSeconds(capacity float64, remaining int, rate float64) string {
	deficit := capacity - float64(remaining)
	if deficit <= 0 {
		return "0"
	}
	return strconv.Itoa(int(math.Ceil(deficit / rate)))
}

// retryAfterSeconds rounds the retry hint up to whole seconds, with a
// floor of one so clients never spin.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
