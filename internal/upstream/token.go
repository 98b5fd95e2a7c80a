package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
)

// DefaultAuthURL is the widget token endpoint that exchanges session cookies
// for a short-lived JWT.
const DefaultAuthURL = "https://business.gemini.google/auth/widget/token"

// JWTSource exchanges an account's session cookies for a bearer JWT. It
// implements credential.TokenSource.
type JWTSource struct {
	client    *http.Client
	authURL   string
	userAgent string
	log       *slog.Logger
}

// NewJWTSource creates a token source. An empty authURL uses DefaultAuthURL.
func NewJWTSource(client *http.Client, authURL, userAgent string, log *slog.Logger) *JWTSource {
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	return &JWTSource{
		client:    client,
		authURL:   authURL,
		userAgent: userAgent,
		log:       log.With("component", "jwt-source"),
	}
}

// FetchToken exchanges the record's session cookies for a JWT. The returned
// expiry is zero; the credential cache derives the TTL from the token's exp
// claim.
func (s *JWTSource) FetchToken(ctx context.Context, acct *account.Record) (string, time.Time, error) {
	body := map[string]string{"configId": acct.ConfigID}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL, bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Origin", "https://business.gemini.google")
	req.AddCookie(&http.Cookie{Name: "__Secure-1PSID", Value: acct.SecureCookie})
	if acct.SecureCookieT != "" {
		req.AddCookie(&http.Cookie{Name: "__Secure-1PSIDTS", Value: acct.SecureCookieT})
	}
	if acct.SessionIndex != "" {
		req.Header.Set("X-Goog-AuthUser", acct.SessionIndex)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token exchange failed for %s: status %d", acct.ID, resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
		JWT   string `json:"jwt"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token response failed: %w", err)
	}

	token := out.Token
	if token == "" {
		token = out.JWT
	}
	if token == "" {
		return "", time.Time{}, fmt.Errorf("token exchange for %s returned an empty token", acct.ID)
	}

	s.log.Debug("token exchanged", "account", acct.ID)
	return token, time.Time{}, nil
}
