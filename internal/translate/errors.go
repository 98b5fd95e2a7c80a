package translate

// statusNames maps HTTP status codes onto the stable upstream status taxonomy
// used in error envelopes.
var statusNames = map[int]string{
	400: "INVALID_ARGUMENT",
	401: "UNAUTHENTICATED",
	403: "PERMISSION_DENIED",
	404: "NOT_FOUND",
	429: "RESOURCE_EXHAUSTED",
	500: "INTERNAL",
	503: "UNAVAILABLE",
	504: "DEADLINE_EXCEEDED",
}

// StatusName returns the taxonomy name for an HTTP status code.
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// ErrorResponse builds the error envelope shared by both exposed protocols:
// {"error": {"code", "message", "status", "details"?}}. Every surfaced error
// keeps this shape regardless of which component raised it.
func ErrorResponse(statusCode int, message string, details interface{}) map[string]interface{} {
	inner := map[string]interface{}{
		"code":    statusCode,
		"message": message,
		"status":  StatusName(statusCode),
	}
	if details != nil {
		inner["details"] = details
	}
	return map[string]interface{}{"error": inner}
}
