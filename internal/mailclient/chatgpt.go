// Package mailclient implements the disposable-mailbox providers the
// automation flows pull verification codes from.
package mailclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/CassiopeiaCode/gemini-business2api/internal/automation"
)

const chatgptMailBase = "https://mail.chatgpt.org.uk"

// ChatGPTMail is a client for the chatgpt.org.uk temporary mailbox service.
// The service is cookie-gated: a warm-up request against the home page must
// run before the API accepts calls.
type ChatGPTMail struct {
	client  *http.Client
	home    string
	address string
	log     *slog.Logger
}

func NewChatGPTMail(log *slog.Logger) (*ChatGPTMail, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &ChatGPTMail{
		client: &http.Client{Jar: jar, Timeout: 15 * time.Second},
		home:   chatgptMailBase,
		log:    log.With("component", "chatgpt-mail"),
	}, nil
}

// Attach points the client at an existing mailbox address.
func (m *ChatGPTMail) Attach(address string) { m.address = address }

// Provision warms the session up and requests a fresh mailbox address.
func (m *ChatGPTMail) Provision(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.home, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("warm up: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("warm up: status %d", resp.StatusCode)
	}

	var out struct {
		Success bool `json:"success"`
		Data    struct {
			Email string `json:"email"`
		} `json:"data"`
	}
	if err := m.getJSON(ctx, m.home+"/api/generate-email", &out); err != nil {
		return err
	}
	if !out.Success || out.Data.Email == "" {
		return fmt.Errorf("mailbox provisioning rejected")
	}
	m.address = out.Data.Email
	m.log.Info("mailbox provisioned", "address", m.address)
	return nil
}

func (m *ChatGPTMail) Address() string { return m.address }

type chatgptMessage struct {
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	HTMLContent string `json:"html_content"`
	Timestamp   string `json:"timestamp"`
}

func (m *ChatGPTMail) messages(ctx context.Context) ([]chatgptMessage, error) {
	var out struct {
		Success bool `json:"success"`
		Data    struct {
			Emails []chatgptMessage `json:"emails"`
		} `json:"data"`
	}
	u := m.home + "/api/emails?email=" + url.QueryEscape(m.address)
	if err := m.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("mailbox listing rejected")
	}
	return out.Data.Emails, nil
}

// PollForCode polls the inbox until a verification code delivered after
// since shows up, or timeout elapses.
func (m *ChatGPTMail) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		msgs, err := m.messages(ctx)
		if err != nil {
			m.log.Warn("mailbox poll failed", "error", err)
		}
		for _, msg := range msgs {
			if ts, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil && ts.Before(since) {
				continue
			}
			content := msg.Subject + " " + msg.HTMLContent + " " + msg.Content
			if code := automation.ExtractVerificationCode(content); code != "" {
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

func (m *ChatGPTMail) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", m.home)
	req.Header.Set("Referer", m.home+"/")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
