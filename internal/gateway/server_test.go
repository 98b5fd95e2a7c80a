package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CassiopeiaCode/gemini-business2api/config"
	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
	"github.com/CassiopeiaCode/gemini-business2api/internal/automation"
	"github.com/CassiopeiaCode/gemini-business2api/internal/credential"
	"github.com/CassiopeiaCode/gemini-business2api/internal/metrics"
	"github.com/CassiopeiaCode/gemini-business2api/internal/session"
	"github.com/CassiopeiaCode/gemini-business2api/internal/task"
	"github.com/CassiopeiaCode/gemini-business2api/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	records []account.Record
}

func (m *memStore) Load() ([]account.Record, error) {
	out := make([]account.Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memStore) ReplaceAll(records []account.Record) error {
	m.records = append([]account.Record(nil), records...)
	return nil
}

func (m *memStore) Close() error { return nil }

type noopAutomation struct{}

func (noopAutomation) LoginAndExtract(ctx context.Context, identity string, mailbox automation.MailboxClient) (*automation.LoginResult, error) {
	return &automation.LoginResult{Success: false, Err: "not available in tests"}, nil
}

type noopMailFactory struct{}

func (noopMailFactory) ForAccount(acct *account.Record) (automation.MailboxClient, error) {
	return nil, fmt.Errorf("not available in tests")
}

func (noopMailFactory) NewMailbox(ctx context.Context, domain string) (automation.MailboxClient, error) {
	return nil, fmt.Errorf("not available in tests")
}

// upstreamStub serves the widget endpoints the chat flow touches.
type upstreamStub struct {
	mu             sync.Mutex
	assistCalls    int
	createCalls    int
	lastQuery      string
	assistStatus   int
	assistBody     string
	assistResponse func(query string) string
}

func defaultAssistResponse(query string) string {
	return `[
	  {"answer":{"replies":[{"groundedContent":{"content":{"text":"thinking","thought":true}}}]}},
	  {"answer":{"replies":[{"groundedContent":{"content":{"text":"answer text"}}}]},"sessionInfo":{"session":"sessions/s-1"}},
	  {"answer":{"state":"SUCCEEDED"}}
	]`
}

func (u *upstreamStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "widgetCreateSession"):
			u.mu.Lock()
			u.createCalls++
			u.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{
				"session": map[string]string{"name": "sessions/s-1"},
			})
		case strings.HasSuffix(r.URL.Path, "widgetStreamAssist"):
			var payload struct {
				StreamAssistRequest struct {
					Query struct {
						Text string `json:"text"`
					} `json:"query"`
				} `json:"streamAssistRequest"`
			}
			json.NewDecoder(r.Body).Decode(&payload)

			u.mu.Lock()
			u.assistCalls++
			u.lastQuery = payload.StreamAssistRequest.Query.Text
			status := u.assistStatus
			body := u.assistBody
			respond := u.assistResponse
			u.mu.Unlock()

			if status != 0 {
				w.WriteHeader(status)
				w.Write([]byte(body))
				return
			}
			if respond == nil {
				respond = defaultAssistResponse
			}
			w.Write([]byte(respond(payload.StreamAssistRequest.Query.Text)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestServer(t *testing.T, stub *upstreamStub, records ...account.Record) (*gin.Engine, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := httptest.NewServer(stub.handler())
	t.Cleanup(backend.Close)

	log := testLogger()
	cfg := config.DefaultConfig()

	if len(records) == 0 {
		records = []account.Record{{
			ID:        "a@example.com",
			ConfigID:  "cfg-1",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		}}
	}
	store := &memStore{records: records}

	creds := credential.NewCache(credential.TokenSourceFunc(
		func(ctx context.Context, acct *account.Record) (string, time.Time, error) {
			return "tok", time.Now().Add(time.Hour), nil
		}), 3, time.Minute, log)
	pool := account.NewPool(store, creds.ShouldRetry, log)
	requester := upstream.NewRequester(backend.Client(), creds, backend.URL, "test-agent", time.Second, 3, log)
	sessions := session.NewCache(time.Hour)

	breaker := credential.NewBreaker(100, log)
	runner := task.NewRunner(pool, creds, breaker, noopAutomation{}, noopMailFactory{}, cfg.Tasks, log)
	orch := task.NewOrchestrator(context.Background(), runner, log)

	srv := NewServer(cfg, pool, creds, sessions, requester, orch, metrics.New(), log)
	engine := gin.New()
	srv.Routes(engine)
	return engine, srv
}

func doJSON(engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	engine, _ := newTestServer(t, &upstreamStub{})
	w := doJSON(engine, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListModels(t *testing.T) {
	engine, _ := newTestServer(t, &upstreamStub{})

	w := doJSON(engine, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.NotEmpty(t, out.Data)
	assert.Equal(t, "gemini-business", out.Data[0].ID)

	w = doJSON(engine, http.MethodGet, "/v1beta/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "models/gemini-business")
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	stub := &upstreamStub{}
	engine, _ := newTestServer(t, stub)

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":    "gemini-business",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message map[string]interface{} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "gemini-business", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "answer text", out.Choices[0].Message["content"])
	assert.Equal(t, "thinking", out.Choices[0].Message["reasoning_content"])

	// A fresh session replays the whole history with role prefixes.
	assert.Equal(t, "user: hello", stub.lastQuery)
}

func TestChatCompletionsStreaming(t *testing.T) {
	stub := &upstreamStub{}
	engine, _ := newTestServer(t, stub)

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":    "gemini-business",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, `"reasoning_content":"thinking"`)
	assert.Contains(t, body, `"content":"answer text"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestChatCompletionsInlineMarkdownImage(t *testing.T) {
	stub := &upstreamStub{assistResponse: func(string) string {
		return `[
		  {"answer":{"replies":[{"groundedContent":{"content":{"text":"before ![chart](data:image/png;base64,QUJDRA==) after"}}}]},"sessionInfo":{"session":"sessions/s-1"}},
		  {"answer":{"state":"SUCCEEDED"}}
		]`
	}}
	engine, _ := newTestServer(t, stub)

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":    "gemini-business",
		"messages": []map[string]string{{"role": "user", "content": "draw a chart"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Choices []struct {
			Message map[string]interface{} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Choices, 1)
	content := out.Choices[0].Message["content"].(string)

	// The embedded data URI is lifted out of the text and re-rendered as its
	// own image block.
	assert.Contains(t, content, "before")
	assert.Contains(t, content, "after")
	assert.NotContains(t, content, "![chart]")
	assert.Contains(t, content, "data:image/png;base64,QUJDRA==")
}

func TestChatCompletionsEmptyMessages(t *testing.T) {
	engine, _ := newTestServer(t, &upstreamStub{})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":    "gemini-business",
		"messages": []map[string]string{},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_ARGUMENT")
}

func TestChatCompletionsNoAccounts(t *testing.T) {
	expired := account.Record{ID: "dead@example.com", ExpiresAt: time.Now().Add(-time.Hour)}
	engine, _ := newTestServer(t, &upstreamStub{}, expired)

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":    "gemini-business",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	// An exhausted pool surfaces as a capacity condition, not an internal error.
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "UNAVAILABLE")
}

func TestChatCompletionsSafetyRejection(t *testing.T) {
	stub := &upstreamStub{
		assistStatus: 400,
		assistBody:   `{"error":{"code":400,"message":"blocked","details":[{"reason":"MODEL_ARMOR_VIOLATION"}]}}`,
	}
	engine, srv := newTestServer(t, stub)

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":    "gemini-business",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "safety")

	// Safety rejections never count against the account.
	assert.Equal(t, 0, srv.creds.Failures("a@example.com"))
	assert.Equal(t, 1, stub.assistCalls)
}

func TestChatCompletionsFailsOverOnRateLimit(t *testing.T) {
	var calls int32
	accounts := []account.Record{
		{ID: "first@example.com", ConfigID: "cfg-1", ExpiresAt: time.Now().Add(24 * time.Hour)},
		{ID: "second@example.com", ConfigID: "cfg-2", ExpiresAt: time.Now().Add(24 * time.Hour)},
	}

	gin.SetMode(gin.TestMode)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "widgetCreateSession") {
			json.NewEncoder(w).Encode(map[string]interface{}{"session": map[string]string{"name": "sessions/s-1"}})
			return
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"quota"}}`))
			return
		}
		w.Write([]byte(defaultAssistResponse("")))
	}))
	t.Cleanup(backend.Close)

	log := testLogger()
	cfg := config.DefaultConfig()
	store := &memStore{records: accounts}
	creds := credential.NewCache(credential.TokenSourceFunc(
		func(ctx context.Context, acct *account.Record) (string, time.Time, error) {
			return "tok", time.Now().Add(time.Hour), nil
		}), 3, time.Minute, log)
	pool := account.NewPool(store, creds.ShouldRetry, log)
	requester := upstream.NewRequester(backend.Client(), creds, backend.URL, "test-agent", time.Second, 3, log)
	breaker := credential.NewBreaker(100, log)
	runner := task.NewRunner(pool, creds, breaker, noopAutomation{}, noopMailFactory{}, cfg.Tasks, log)
	orch := task.NewOrchestrator(context.Background(), runner, log)
	srv := NewServer(cfg, pool, creds, sessionCache(), requester, orch, metrics.New(), log)
	engine := gin.New()
	srv.Routes(engine)

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":    "gemini-business",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func sessionCache() *session.Cache {
	return session.NewCache(time.Hour)
}

func TestGeminiGenerateContent(t *testing.T) {
	stub := &upstreamStub{}
	engine, _ := newTestServer(t, stub)

	w := doJSON(engine, http.MethodPost, "/v1beta/models/gemini-business:generateContent", map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": "hello"}}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "gemini-business", out["modelVersion"])

	candidates := out["candidates"].([]interface{})
	require.Len(t, candidates, 1)
	candidate := candidates[0].(map[string]interface{})
	assert.Equal(t, "STOP", candidate["finishReason"])

	parts := candidate["content"].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 2)
	assert.Equal(t, true, parts[0].(map[string]interface{})["thought"])
	assert.Equal(t, "answer text", parts[1].(map[string]interface{})["text"])

	usage := out["usageMetadata"].(map[string]interface{})
	// "hello" estimates to 5/4+1 prompt tokens.
	assert.Equal(t, float64(2), usage["promptTokenCount"])
}

func TestGeminiGenerateInlineImageParts(t *testing.T) {
	stub := &upstreamStub{assistResponse: func(string) string {
		return `[
		  {"answer":{"replies":[{"groundedContent":{"content":{"text":"here ![x](data:image/webp;base64,Zm9v)"}}}]},"sessionInfo":{"session":"sessions/s-1"}},
		  {"answer":{"state":"SUCCEEDED"}}
		]`
	}}
	engine, _ := newTestServer(t, stub)

	w := doJSON(engine, http.MethodPost, "/v1beta/models/gemini-business:generateContent", map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": "hello"}}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	candidate := out["candidates"].([]interface{})[0].(map[string]interface{})
	parts := candidate["content"].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 2)

	assert.Equal(t, "here", parts[0].(map[string]interface{})["text"])
	inline := parts[1].(map[string]interface{})["inlineData"].(map[string]interface{})
	assert.Equal(t, "image/webp", inline["mimeType"])
	assert.Equal(t, "Zm9v", inline["data"])
}

func TestGeminiStreamGenerateContent(t *testing.T) {
	stub := &upstreamStub{}
	engine, _ := newTestServer(t, stub)

	w := doJSON(engine, http.MethodPost, "/v1beta/models/gemini-business:streamGenerateContent", map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": "hello"}}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"modelVersion":"gemini-business"`)
	assert.Contains(t, body, `"finishReason":"STOP"`)
}

func TestGeminiUnknownVerb(t *testing.T) {
	engine, _ := newTestServer(t, &upstreamStub{})
	w := doJSON(engine, http.MethodPost, "/v1beta/models/gemini-business:countTokens", map[string]interface{}{
		"contents": []map[string]interface{}{{"role": "user", "parts": []map[string]string{{"text": "x"}}}},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionReuseAcrossTurns(t *testing.T) {
	stub := &upstreamStub{}
	engine, srv := newTestServer(t, stub)

	chat := func(messages []map[string]string) *httptest.ResponseRecorder {
		return doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
			"model":    "gemini-business",
			"messages": messages,
		})
	}

	// Turn 1 and 2 always open fresh sessions but warm the cache.
	require.Equal(t, 200, chat([]map[string]string{{"role": "user", "content": "hello"}}).Code)
	require.Equal(t, 200, chat([]map[string]string{
		{"role": "user", "content": "hello"},
		{"role": "assistant", "content": "answer text"},
		{"role": "user", "content": "next"},
	}).Code)
	assert.Equal(t, 2, stub.createCalls)
	assert.Positive(t, srv.sessions.Len())

	// Turn 3 reuses the cached session and replays only the latest message.
	require.Equal(t, 200, chat([]map[string]string{
		{"role": "user", "content": "hello"},
		{"role": "assistant", "content": "answer text"},
		{"role": "user", "content": "next"},
		{"role": "assistant", "content": "answer text"},
		{"role": "user", "content": "third question"},
	}).Code)
	assert.Equal(t, 2, stub.createCalls)
	assert.Equal(t, "third question", stub.lastQuery)
}

func TestAdminPoolHealth(t *testing.T) {
	engine, _ := newTestServer(t, &upstreamStub{})
	w := doJSON(engine, http.MethodGet, "/api/pool/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Total     int `json:"total"`
		Available int `json:"available"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, 1, out.Available)
}

func TestAdminAccountsRedactsSecrets(t *testing.T) {
	rec := account.Record{
		ID:           "a@example.com",
		SecureCookie: "super-secret-cookie",
		MailPassword: "mail-secret",
		ConfigID:     "cfg-1",
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	}
	engine, _ := newTestServer(t, &upstreamStub{}, rec)

	w := doJSON(engine, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "super-secret-cookie")
	assert.NotContains(t, w.Body.String(), "mail-secret")
	assert.Contains(t, w.Body.String(), "a@example.com")
}

func TestAdminTaskLifecycle(t *testing.T) {
	engine, _ := newTestServer(t, &upstreamStub{})

	w := doJSON(engine, http.MethodPost, "/api/tasks/register", map[string]int{"count": 1})
	require.Equal(t, http.StatusAccepted, w.Code)

	var started struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.NotEmpty(t, started.TaskID)

	require.Eventually(t, func() bool {
		w := doJSON(engine, http.MethodGet, "/api/tasks/"+started.TaskID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var snap struct {
			Status string `json:"status"`
		}
		json.Unmarshal(w.Body.Bytes(), &snap)
		return snap.Status == "failed" // noop mail factory cannot provision
	}, 5*time.Second, 20*time.Millisecond)

	w = doJSON(engine, http.MethodGet, "/api/tasks/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
