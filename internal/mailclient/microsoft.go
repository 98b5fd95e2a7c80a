package mailclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CassiopeiaCode/gemini-business2api/internal/automation"
)

// MicrosoftMail reads an Outlook mailbox through the Graph API using a
// long-lived refresh token. Access tokens are re-minted per poll run.
type MicrosoftMail struct {
	client       *http.Client
	address      string
	clientID     string
	refreshToken string
	tenant       string
	accessToken  string
	log          *slog.Logger
}

func NewMicrosoftMail(address, clientID, refreshToken, tenant string, log *slog.Logger) *MicrosoftMail {
	if tenant == "" {
		tenant = "consumers"
	}
	return &MicrosoftMail{
		client:       &http.Client{Timeout: 20 * time.Second},
		address:      address,
		clientID:     clientID,
		refreshToken: refreshToken,
		tenant:       tenant,
		log:          log.With("component", "ms-mail"),
	}
}

func (m *MicrosoftMail) Address() string { return m.address }

func (m *MicrosoftMail) authenticate(ctx context.Context) error {
	form := url.Values{
		"client_id":     {m.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.refreshToken},
		"scope":         {"https://graph.microsoft.com/Mail.Read offline_access"},
	}
	endpoint := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", m.tenant)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.AccessToken == "" {
		return fmt.Errorf("token endpoint returned no access token")
	}
	m.accessToken = out.AccessToken
	if out.RefreshToken != "" {
		m.refreshToken = out.RefreshToken
	}
	return nil
}

type graphMessage struct {
	Subject          string    `json:"subject"`
	BodyPreview      string    `json:"bodyPreview"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	Body             struct {
		Content string `json:"content"`
	} `json:"body"`
}

func (m *MicrosoftMail) messages(ctx context.Context) ([]graphMessage, error) {
	u := "https://graph.microsoft.com/v1.0/me/messages?$top=10&$orderby=receivedDateTime desc"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.accessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph returned %d", resp.StatusCode)
	}

	var out struct {
		Value []graphMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (m *MicrosoftMail) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	if err := m.authenticate(ctx); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	for {
		msgs, err := m.messages(ctx)
		if err != nil {
			m.log.Warn("mailbox poll failed", "error", err)
		}
		for _, msg := range msgs {
			if msg.ReceivedDateTime.Before(since) {
				continue
			}
			content := msg.Subject + " " + msg.BodyPreview + " " + msg.Body.Content
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
