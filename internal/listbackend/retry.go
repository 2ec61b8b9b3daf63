package listbackend

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

// maxAttempts bounds the 429/5xx retry loop (SPEC_FULL.md §4.5: "bounded to
// 3 attempts").
const maxAttempts = 3

// retryAfterBackOff wraps an exponential BackOff but lets the caller pin
// the next wait to an upstream-supplied Retry-After duration, so a 429 with
// an explicit header is honored exactly instead of approximated by the
// exponential curve.
type retryAfterBackOff struct {
	base     backoff.BackOff
	override time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.override > 0 {
		d := b.override
		b.override = 0
		return d
	}
	return b.base.NextBackOff()
}

func (b *retryAfterBackOff) Reset() { b.base.Reset() }

// doWithRetry executes send once per attempt, retrying on 429 and 5xx with
// Retry-After-aware backoff. 403 fails immediately as PermissionDenied;
// other 4xx fail immediately as Decode; connectivity errors surface as
// Transport (SPEC_FULL.md §4.5).
func doWithRetry(ctx context.Context, op string, send func() (*http.Response, error)) (*http.Response, error) {
	rbo := &retryAfterBackOff{base: backoff.NewExponentialBackOff()}
	bo := backoff.WithContext(backoff.WithMaxRetries(rbo, maxAttempts-1), ctx)

	var resp *http.Response
	err := backoff.Retry(func() error {
		r, err := send()
		if err != nil {
			return engine.Transport(op, err)
		}
		switch {
		case r.StatusCode == http.StatusForbidden:
			defer r.Body.Close()
			return backoff.Permanent(engine.Permission(op, httpStatusError(r)))
		case r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500:
			defer r.Body.Close()
			rbo.override = retryAfter(r)
			return engine.Throttle(op, httpStatusError(r))
		case r.StatusCode >= 400:
			defer r.Body.Close()
			return backoff.Permanent(engine.Decode(op, httpStatusError(r)))
		default:
			resp = r
			return nil
		}
	}, bo)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func retryAfter(r *http.Response) time.Duration {
	h := r.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(h); err == nil {
		return time.Until(when)
	}
	return 0
}

type httpStatusErr struct {
	status string
}

func (e httpStatusErr) Error() string { return e.status }

func httpStatusError(r *http.Response) error {
	return httpStatusErr{status: r.Status}
}
