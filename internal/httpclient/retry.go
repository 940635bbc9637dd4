package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy controls how failed requests are reissued.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// RetryableStatus reports whether a response status warrants another
	// attempt. Nil means DefaultRetryableStatus.
	RetryableStatus func(status int) bool
}

// DefaultRetryPolicy returns the policy providers use unless configured otherwise.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 400 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2.0,
	}
}

// NoRetry gives every request exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// DefaultRetryableStatus treats rate limits, request timeouts, and server
// errors as transient.
func DefaultRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// Do issues the request produced by build, reissuing it per the policy when
// the attempt fails with a transport error or a retryable status. The build
// callback runs once per attempt and must return a fresh request each time;
// bodies are never rewound. When attempts are exhausted the last response is
// returned rather than an error so callers can decode the vendor payload.
// Responses with non-retryable statuses are returned immediately. Do never
// retries once a response body has been handed to the caller.
func Do(ctx context.Context, client *http.Client, policy RetryPolicy, build func() (*http.Request, error)) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := policy.RetryableStatus
	if retryable == nil {
		retryable = DefaultRetryableStatus
	}

	schedule := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		schedule.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		schedule.MaxInterval = policy.MaxInterval
	}
	if policy.Multiplier > 0 {
		schedule.Multiplier = policy.Multiplier
	}
	schedule.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt == attempts {
				return nil, lastErr
			}
			if err := sleep(ctx, schedule.NextBackOff()); err != nil {
				return nil, err
			}
			continue
		}
		if !retryable(resp.StatusCode) || attempt == attempts {
			return resp, nil
		}
		delay := RetryAfter(resp)
		if delay <= 0 {
			delay = schedule.NextBackOff()
		}
		discard(resp)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// RetryAfter parses the Retry-After response header. It understands both the
// delay-seconds and HTTP-date forms and returns 0 when absent or unparsable.
func RetryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
