package reliability

import "time"

// StatusClass buckets HTTP statuses by how the client reacts to them.
type StatusClass string

const (
	StatusOK           StatusClass = "ok"
	StatusUnauthorized StatusClass = "unauthorized"
	StatusClientError  StatusClass = "client_error"
	StatusServerError  StatusClass = "server_error"
	StatusUnexpected   StatusClass = "unexpected"
)

// ClassifyHTTPStatus maps a response status to the client's error taxonomy.
func ClassifyHTTPStatus(code int) StatusClass {
	switch {
	case code >= 200 && code <= 299:
		return StatusOK
	case code == 401:
		return StatusUnauthorized
	case code >= 400 && code <= 499:
		return StatusClientError
	case code >= 500 && code <= 599:
		return StatusServerError
	default:
		return StatusUnexpected
	}
}

// IsRetryableHTTPStatus classifies statuses a caller may reasonably try
// again later. The client itself never retries them.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
