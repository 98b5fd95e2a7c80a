package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RateLimitError is an upstream 429. Recoverable by cooling the account down
// and failing over, never by immediate retry on the same account.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limit exceeded (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("upstream rate limit exceeded: %s", e.Message)
}

// SafetyError is a content rejection by the provider's safety filter
// (Model Armor). It is non-retriable and must not count against the
// account's health: switching accounts cannot make the content acceptable.
type SafetyError struct {
	Message  string
	Upstream map[string]interface{}
}

func (e *SafetyError) Error() string {
	return "upstream safety filter rejected content: " + e.Message
}

// TransientError is a retriable upstream failure (5xx).
type TransientError struct {
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("upstream transient error (status %d): %s", e.StatusCode, e.Message)
}

// PermanentError is a non-retriable upstream failure (4xx other than 401/429).
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// TimeoutError reports that a bounded-retry operation ran out of attempts.
type TimeoutError struct {
	Attempts int
	Timeout  time.Duration
	Cause    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream request timed out after %d attempts of %s", e.Attempts, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// apiError mirrors the upstream JSON error payload.
type apiError struct {
	Error struct {
		Code    int                      `json:"code"`
		Message string                   `json:"message"`
		Status  string                   `json:"status"`
		Details []map[string]interface{} `json:"details"`
	} `json:"error"`
}

// safetyViolation inspects structured error metadata for a Model Armor
// rejection and returns its detail block when present.
func safetyViolation(body []byte) map[string]interface{} {
	var payload apiError
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	for _, item := range payload.Error.Details {
		if item["reason"] != "MODEL_ARMOR_VIOLATION" {
			continue
		}
		out := map[string]interface{}{
			"upstream_reason": "MODEL_ARMOR_VIOLATION",
			"upstream_domain": item["domain"],
		}
		if meta, ok := item["metadata"].(map[string]interface{}); ok {
			out["upstream_details"] = meta["details"]
		}
		return out
	}
	return nil
}

// classifyResponse maps a non-200 upstream response to the error taxonomy.
// Retriable means status >= 500; a safety violation is explicitly not.
func classifyResponse(resp *http.Response, body []byte) error {
	message := string(body)
	var payload apiError
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		message = payload.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp), Message: message}
	case resp.StatusCode >= 500:
		return &TransientError{StatusCode: resp.StatusCode, Message: message}
	default:
		if violation := safetyViolation(body); violation != nil {
			return &SafetyError{Message: message, Upstream: violation}
		}
		return &PermanentError{StatusCode: resp.StatusCode, Message: message}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		return time.Until(t)
	}
	return 0
}

// StatusCode extracts the HTTP status a taxonomy error should surface as.
func StatusCode(err error) int {
	switch e := err.(type) {
	case *RateLimitError:
		return http.StatusTooManyRequests
	case *SafetyError:
		return http.StatusBadRequest
	case *TransientError:
		return e.StatusCode
	case *PermanentError:
		return e.StatusCode
	case *TimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
