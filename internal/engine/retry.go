package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// doWithRetry calls do up to MaxRetries+1 times. It retries transient
// network errors, 408, 429 and 5xx, honours Retry-After, and backs off
// with full jitter otherwise. Context errors are returned as is.
func (e *HTTPEngine) doWithRetry(
	ctx context.Context,
	do func(ctx context.Context) (*http.Response, error),
) (*http.Response, error) {
	var lastErr error
	maxAttempts := e.cfg.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		e.logger.Debug("engine_http_attempt",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		var retryAfter time.Duration
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetError(err) {
				return nil, err
			}
			lastErr = err
		case !shouldRetryStatus(status):
			return resp, nil
		default:
			lastErr = fmt.Errorf("upstream status %d", status)
			retryAfter = parseRetryAfter(resp)
			// drain so the connection can be reused
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
		}

		if attempt == maxAttempts-1 {
			break
		}

		wait := retryAfter
		if wait <= 0 {
			wait = computeBackoff(e.cfg.BaseBackoff, attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	e.logger.Warn("engine_http_retries_exhausted",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	if lastErr == nil {
		lastErr = errors.New("unknown upstream error")
	}
	return nil, fmt.Errorf("max attempts (%d) exceeded: %w", maxAttempts, lastErr)
}

func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	// Wrapped errors sometimes lose their type.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == 0,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

const maxRetryAfter = 5 * time.Minute

// parseRetryAfter reads Retry-After as seconds or an HTTP date.
// It returns 0 when missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(v); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}

	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// computeBackoff returns a random duration in [0, base*2^attempt), capped at 60s.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	attempt = min(attempt, 10)

	ceiling := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	ceiling = min(ceiling, 60*time.Second)

	return time.Duration(rand.Float64() * float64(ceiling))
}
