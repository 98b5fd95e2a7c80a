package upstream

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeResponse(status int, headers map[string]string) *http.Response {
	rec := httptest.NewRecorder()
	for k, v := range headers {
		rec.Header().Set(k, v)
	}
	rec.WriteHeader(status)
	return rec.Result()
}

func TestClassifyRateLimit(t *testing.T) {
	resp := fakeResponse(429, map[string]string{"Retry-After": "30"})
	err := classifyResponse(resp, []byte(`{"error":{"message":"quota"}}`))

	rate, ok := err.(*RateLimitError)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, rate.RetryAfter)
	assert.Equal(t, "quota", rate.Message)
}

func TestClassifyServerErrorsAreTransient(t *testing.T) {
	for _, status := range []int{500, 502, 503, 504} {
		err := classifyResponse(fakeResponse(status, nil), []byte("boom"))
		transient, ok := err.(*TransientError)
		require.True(t, ok, "status %d", status)
		assert.Equal(t, status, transient.StatusCode)
	}
}

func TestClassifyClientErrorsArePermanent(t *testing.T) {
	for _, status := range []int{400, 403, 404} {
		err := classifyResponse(fakeResponse(status, nil), []byte("nope"))
		_, ok := err.(*PermanentError)
		require.True(t, ok, "status %d", status)
	}
}

func TestClassifySafetyViolation(t *testing.T) {
	body := `{"error":{"code":400,"message":"blocked","status":"INVALID_ARGUMENT","details":[
	  {"reason":"OTHER"},
	  {"reason":"MODEL_ARMOR_VIOLATION","domain":"modelarmor.googleapis.com","metadata":{"details":"prompt flagged"}}
	]}}`
	err := classifyResponse(fakeResponse(400, nil), []byte(body))

	safety, ok := err.(*SafetyError)
	require.True(t, ok)
	assert.Equal(t, "blocked", safety.Message)
	assert.Equal(t, "MODEL_ARMOR_VIOLATION", safety.Upstream["upstream_reason"])
	assert.Equal(t, "prompt flagged", safety.Upstream["upstream_details"])
}

func TestSafetyViolationRequiresExplicitReason(t *testing.T) {
	body := `{"error":{"message":"bad","details":[{"reason":"SOMETHING_ELSE"}]}}`
	assert.Nil(t, safetyViolation([]byte(body)))
	assert.Nil(t, safetyViolation([]byte("not json")))
}

func TestRetryAfterParsing(t *testing.T) {
	assert.Equal(t, 12*time.Second, retryAfter(fakeResponse(429, map[string]string{"Retry-After": "12"})))
	assert.Equal(t, time.Duration(0), retryAfter(fakeResponse(429, nil)))

	httpDate := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := retryAfter(fakeResponse(429, map[string]string{"Retry-After": httpDate}))
	assert.InDelta(t, 90, d.Seconds(), 2)
}

func TestStatusCodeMapping(t *testing.T) {
	assert.Equal(t, 429, StatusCode(&RateLimitError{}))
	assert.Equal(t, 400, StatusCode(&SafetyError{}))
	assert.Equal(t, 503, StatusCode(&TransientError{StatusCode: 503}))
	assert.Equal(t, 404, StatusCode(&PermanentError{StatusCode: 404}))
	assert.Equal(t, 504, StatusCode(&TimeoutError{}))
	assert.Equal(t, 500, StatusCode(io.ErrUnexpectedEOF))
}

func TestAssistStreamParsesIncrementally(t *testing.T) {
	payload := `[
	  {"answer":{"replies":[{"groundedContent":{"content":{"text":"thinking...","thought":true}}}]}},
	  {"answer":{"replies":[
	    {"groundedContent":{"content":{"text":"hello"}}},
	    {"groundedContent":{"content":{"file":{"fileId":"f-1"}}}}
	  ]},"sessionInfo":{"session":"sessions/s-1"}},
	  {"answer":{"state":"SUCCEEDED"}}
	]`
	reader := strings.NewReader(payload)
	stream := &AssistStream{
		body:    io.NopCloser(reader),
		decoder: json.NewDecoder(reader),
	}

	events, err := stream.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Thought)
	assert.Equal(t, "thinking...", events[0].Text)

	events, err = stream.Next()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "hello", events[0].Text)
	assert.Equal(t, "f-1", events[1].FileID)
	assert.Equal(t, "sessions/s-1", events[2].SessionName)

	events, err = stream.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Finished)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}
