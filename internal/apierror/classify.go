package apierror

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	rateLimitReasons = []string{"ratelimitexceeded", "userratelimitexceeded", "rate limit", "too many requests"}
	quotaReasons     = []string{"quotaexceeded", "dailylimitexceeded", "usagelimits", "quota"}
)

// Classify maps err into the taxonomy. opContext names the call that failed.
// An error that is already an ExternalAPIError is returned unchanged.
func Classify(err error, opContext string) *ExternalAPIError {
	return classifyAt(err, opContext, time.Now())
}

func classifyAt(err error, opContext string, now time.Time) *ExternalAPIError {
	if err == nil {
		return nil
	}

	var classified *ExternalAPIError
	if errors.As(err, &classified) {
		return classified
	}

	e := &ExternalAPIError{kind: KindUnknown, context: opContext, cause: err}

	var resp *ResponseError
	if errors.As(err, &resp) {
		e.statusCode = resp.StatusCode
		classifyResponse(e, resp, now)
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		e.kind, e.retryable = KindTimeout, true
	case errors.Is(err, context.Canceled):
		e.kind = KindUnknown
	case isNetwork(err):
		e.kind, e.retryable = KindNetwork, true
	}
	return e
}

func classifyResponse(e *ExternalAPIError, resp *ResponseError, now time.Time) {
	code := resp.StatusCode
	switch {
	case code == http.StatusUnauthorized:
		e.kind = KindAuthentication
	case code == http.StatusForbidden:
		reason := strings.ToLower(resp.Reason + " " + resp.Message)
		switch {
		case containsAny(reason, rateLimitReasons):
			e.kind, e.retryable = KindRateLimited, true
			e.retryAfter = parseRetryAfter(resp.RetryAfter, now)
		case containsAny(reason, quotaReasons):
			e.kind = KindQuotaExceeded
		default:
			e.kind = KindAuthorization
		}
	case code == http.StatusNotFound:
		e.kind = KindNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		e.kind, e.retryable = KindTimeout, true
	case code == http.StatusConflict:
		e.kind = KindConflict
	case code == http.StatusTooManyRequests:
		e.kind, e.retryable = KindRateLimited, true
		e.retryAfter = parseRetryAfter(resp.RetryAfter, now)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		e.kind = KindValidation
	case code >= 500 && code <= 599:
		e.kind, e.retryable = KindServerError, true
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetwork(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
