package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
	"github.com/CassiopeiaCode/gemini-business2api/internal/credential"
)

// Requester wraps calls against the Gemini business API. It injects a fresh
// JWT from the credential cache on every call, retries exactly once on 401,
// and applies bounded exponential-backoff retry to large downloads.
type Requester struct {
	client    *http.Client
	creds     *credential.Cache
	baseURL   string
	userAgent string
	log       *slog.Logger

	downloadTimeout time.Duration
	downloadRetries int
	backoffBase     time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
}

// NewRequester creates a requester. downloadRetries of 0 defaults to 3 and a
// zero downloadTimeout defaults to 180s.
func NewRequester(client *http.Client, creds *credential.Cache, baseURL, userAgent string, downloadTimeout time.Duration, downloadRetries int, log *slog.Logger) *Requester {
	if downloadRetries <= 0 {
		downloadRetries = 3
	}
	if downloadTimeout <= 0 {
		downloadTimeout = 180 * time.Second
	}
	return &Requester{
		client:          client,
		creds:           creds,
		baseURL:         strings.TrimRight(baseURL, "/"),
		userAgent:       userAgent,
		log:             log.With("component", "upstream"),
		downloadTimeout: downloadTimeout,
		downloadRetries: downloadRetries,
		backoffBase:     2 * time.Second,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Requester) commonHeaders(jwt string) http.Header {
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Authorization", "Bearer "+jwt)
	h.Set("Content-Type", "application/json")
	h.Set("Origin", "https://business.gemini.google")
	h.Set("Referer", "https://business.gemini.google/")
	h.Set("User-Agent", r.userAgent)
	h.Set("X-Server-Timeout", "1800")
	return h
}

// Do executes one upstream call with JWT injection. A 401 triggers a forced
// token refresh and exactly one retry; a second 401 is returned untouched.
// Callers own the response body.
func (r *Requester) Do(ctx context.Context, acct *account.Record, method, url string, body []byte) (*http.Response, error) {
	jwt, err := r.creds.Acquire(ctx, acct)
	if err != nil {
		return nil, err
	}

	resp, err := r.doOnce(ctx, jwt, method, url, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		r.log.Info("401 from upstream, refreshing token and retrying once", "account", acct.ID)

		jwt, err = r.creds.AcquireFresh(ctx, acct)
		if err != nil {
			return nil, err
		}
		resp, err = r.doOnce(ctx, jwt, method, url, body)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func (r *Requester) doOnce(ctx context.Context, jwt, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header = r.commonHeaders(jwt)
	return r.client.Do(req)
}

// postJSON issues a POST, reads the whole body and classifies non-200s.
func (r *Requester) postJSON(ctx context.Context, acct *account.Record, url string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := r.Do(ctx, acct, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp, data)
	}
	return data, nil
}

// widgetParams is the request envelope shared by all widget endpoints.
func (r *Requester) widgetParams(acct *account.Record, inner string, req interface{}) map[string]interface{} {
	return map[string]interface{}{
		"configId":         acct.ConfigID,
		"additionalParams": map[string]interface{}{"token": "-"},
		inner:              req,
	}
}

// CreateSession creates a fresh upstream conversation session and returns
// its opaque name.
func (r *Requester) CreateSession(ctx context.Context, acct *account.Record) (string, error) {
	payload := r.widgetParams(acct, "createSessionRequest", map[string]interface{}{
		"session": map[string]string{"name": "", "displayName": ""},
	})

	data, err := r.postJSON(ctx, acct, r.baseURL+"/locations/global/widgetCreateSession", payload)
	if err != nil {
		return "", fmt.Errorf("createSession: %w", err)
	}

	var out struct {
		Session struct {
			Name string `json:"name"`
		} `json:"session"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	if out.Session.Name == "" {
		return "", &PermanentError{StatusCode: http.StatusBadGateway, Message: "createSession returned no session name"}
	}

	r.log.Info("session created", "account", acct.ID, "session", tail(out.Session.Name, 12))
	return out.Session.Name, nil
}

// AddContextFile uploads a file into a session and returns its file id.
//
// When the upload is blocked by the provider's safety filter, the content is
// base64-wrapped once and retried; if still blocked the rejection surfaces as
// a SafetyError, which callers must treat as non-retriable.
func (r *Requester) AddContextFile(ctx context.Context, acct *account.Record, sessionName, mimeType, base64Content string) (string, error) {
	upload := func(contents string) ([]byte, error) {
		ext := "bin"
		if i := strings.LastIndex(mimeType, "/"); i >= 0 && i < len(mimeType)-1 {
			ext = mimeType[i+1:]
		}
		payload := r.widgetParams(acct, "addContextFileRequest", map[string]interface{}{
			"name":         sessionName,
			"fileName":     fmt.Sprintf("upload_%d_%s.%s", time.Now().Unix(), uuid.NewString()[:6], ext),
			"mimeType":     mimeType,
			"fileContents": contents,
		})
		return r.postJSON(ctx, acct, r.baseURL+"/locations/global/widgetAddContextFile", payload)
	}

	data, err := upload(base64Content)

	var safety *SafetyError
	if errors.As(err, &safety) && base64Content != "" {
		r.log.Warn("upload blocked by safety filter, retrying base64-wrapped", "account", acct.ID)
		wrapped := base64.StdEncoding.EncodeToString([]byte(base64Content))
		data, err = upload(wrapped)
	}
	if err != nil {
		return "", fmt.Errorf("addContextFile: %w", err)
	}

	var out struct {
		AddContextFileResponse struct {
			FileID string `json:"fileId"`
		} `json:"addContextFileResponse"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.AddContextFileResponse.FileID, nil
}

// FileMetadata describes one AI-generated file in a session.
type FileMetadata struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// ListGeneratedFiles returns metadata for AI-generated files in a session,
// keyed by file id. Failures here are soft: an empty map is returned so the
// caller can still finish the response without the file payloads.
func (r *Requester) ListGeneratedFiles(ctx context.Context, acct *account.Record, sessionName string) map[string]FileMetadata {
	payload := r.widgetParams(acct, "listSessionFileMetadataRequest", map[string]interface{}{
		"name":   sessionName,
		"filter": "file_origin_type = AI_GENERATED",
	})

	data, err := r.postJSON(ctx, acct, r.baseURL+"/locations/global/widgetListSessionFileMetadata", payload)
	if err != nil {
		r.log.Warn("list generated files failed", "account", acct.ID, "error", err)
		return map[string]FileMetadata{}
	}

	var out struct {
		ListSessionFileMetadataResponse struct {
			FileMetadata []FileMetadata `json:"fileMetadata"`
		} `json:"listSessionFileMetadataResponse"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]FileMetadata{}
	}

	result := make(map[string]FileMetadata, len(out.ListSessionFileMetadataResponse.FileMetadata))
	for _, fm := range out.ListSessionFileMetadataResponse.FileMetadata {
		if fm.FileID != "" {
			result[fm.FileID] = fm
		}
	}
	return result
}

// DownloadFile fetches a generated file's bytes with bounded retries: up to
// the configured attempt count, each under its own timeout, with 2^attempt
// backoff between attempts. The final attempt's failure is surfaced typed,
// never swallowed.
func (r *Requester) DownloadFile(ctx context.Context, acct *account.Record, sessionName, fileID string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s:downloadFile?fileId=%s&alt=media", r.baseURL, sessionName, fileID)

	var lastErr error
	for attempt := 0; attempt < r.downloadRetries; attempt++ {
		data, err := r.downloadOnce(ctx, acct, url)
		if err == nil {
			r.log.Info("file downloaded", "account", acct.ID, "file", tail(fileID, 8), "bytes", len(data))
			return data, nil
		}
		lastErr = err

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return nil, err
		}
		if ctx.Err() != nil {
			break
		}

		r.log.Warn("file download failed",
			"account", acct.ID,
			"file", tail(fileID, 8),
			"attempt", attempt+1,
			"max", r.downloadRetries,
			"error", err)

		if attempt < r.downloadRetries-1 {
			if err := r.sleep(ctx, r.backoffBase<<attempt); err != nil {
				break
			}
		}
	}

	return nil, &TimeoutError{Attempts: r.downloadRetries, Timeout: r.downloadTimeout, Cause: lastErr}
}

func (r *Requester) downloadOnce(ctx context.Context, acct *account.Record, url string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.downloadTimeout)
	defer cancel()

	resp, err := r.Do(attemptCtx, acct, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp, data)
	}
	return data, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
