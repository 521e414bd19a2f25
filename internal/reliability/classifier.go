package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// LinearBackoff returns the wait before the given 1-based retry attempt:
// base, 2*base, 3*base, ...
func LinearBackoff(attempt int, base time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	return time.Duration(attempt) * base
}
