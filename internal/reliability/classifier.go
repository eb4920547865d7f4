package reliability

import "fmt"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the metric label for a failed HTTP exchange.
func HTTPStatusCode(code int) string {
	switch {
	case code == 401 || code == 403:
		return "unauthorized"
	case IsRetryableHTTPStatus(code):
		return "retryable_status"
	case code >= 400 && code < 500:
		return "client_status"
	case code >= 500:
		return "server_status"
	default:
		return fmt.Sprintf("status_%d", code)
	}
}
