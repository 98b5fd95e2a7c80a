package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/CassiopeiaCode/gemini-business2api/internal/automation"
)

const duckMailBase = "https://api.duckmail.sbs"

// DuckMail is a client for the duckmail.sbs mailbox API (a mail.tm style
// service with bearer-token auth).
type DuckMail struct {
	client   *http.Client
	base     string
	address  string
	password string
	token    string
	log      *slog.Logger
}

func NewDuckMail(log *slog.Logger) *DuckMail {
	return &DuckMail{
		client: &http.Client{Timeout: 15 * time.Second},
		base:   duckMailBase,
		log:    log.With("component", "duckmail"),
	}
}

// Attach points the client at an existing mailbox.
func (m *DuckMail) Attach(address, password string) {
	m.address = address
	m.password = password
}

// Provision registers a new mailbox on the given domain.
func (m *DuckMail) Provision(ctx context.Context, domain string) error {
	if domain == "" {
		var out struct {
			Member []struct {
				Domain string `json:"domain"`
			} `json:"hydra:member"`
		}
		if err := m.do(ctx, http.MethodGet, "/domains", nil, &out); err != nil {
			return fmt.Errorf("list domains: %w", err)
		}
		if len(out.Member) == 0 {
			return fmt.Errorf("no mailbox domains available")
		}
		domain = out.Member[0].Domain
	}

	address := fmt.Sprintf("%s@%s", uuid.NewString()[:12], domain)
	password := uuid.NewString()
	payload := map[string]string{"address": address, "password": password}
	if err := m.do(ctx, http.MethodPost, "/accounts", payload, nil); err != nil {
		return fmt.Errorf("create mailbox: %w", err)
	}

	m.address = address
	m.password = password
	m.log.Info("mailbox provisioned", "address", address)
	return nil
}

func (m *DuckMail) Address() string  { return m.address }
func (m *DuckMail) Password() string { return m.password }

func (m *DuckMail) authenticate(ctx context.Context) error {
	if m.token != "" {
		return nil
	}
	var out struct {
		Token string `json:"token"`
	}
	payload := map[string]string{"address": m.address, "password": m.password}
	if err := m.do(ctx, http.MethodPost, "/token", payload, &out); err != nil {
		return fmt.Errorf("mailbox auth: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("mailbox auth returned no token")
	}
	m.token = out.Token
	return nil
}

type duckMessage struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Intro     string    `json:"intro"`
	CreatedAt time.Time `json:"createdAt"`
}

// PollForCode authenticates, then polls /messages until a verification code
// delivered after since shows up, or timeout elapses.
func (m *DuckMail) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	if err := m.authenticate(ctx); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	for {
		var list struct {
			Member []duckMessage `json:"hydra:member"`
		}
		if err := m.do(ctx, http.MethodGet, "/messages", nil, &list); err != nil {
			m.log.Warn("mailbox poll failed", "error", err)
		}
		for _, msg := range list.Member {
			if msg.CreatedAt.Before(since) {
				continue
			}
			if code := m.codeFromMessage(ctx, msg); code != "" {
				m.log.Info("verification code received")
				return code, nil
			}
		}

		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// codeFromMessage checks the summary first and fetches the full body only
// when the summary does not carry the code.
func (m *DuckMail) codeFromMessage(ctx context.Context, msg duckMessage) string {
	if code := automation.ExtractVerificationCode(msg.Subject + " " + msg.Intro); code != "" {
		return code
	}
	var full struct {
		Text string   `json:"text"`
		HTML []string `json:"html"`
	}
	if err := m.do(ctx, http.MethodGet, "/messages/"+msg.ID, nil, &full); err != nil {
		return ""
	}
	content := full.Text
	for _, h := range full.HTML {
		content += " " + h
	}
	return automation.ExtractVerificationCode(content)
}

func (m *DuckMail) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d from %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
