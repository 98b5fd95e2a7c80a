package account

import "time"

// MailProvider identifies the mailbox backend holding an account's inbox.
type MailProvider string

const (
	MailDuck    MailProvider = "duckmail"
	MailMS      MailProvider = "microsoft"
	MailChatGPT MailProvider = "chatgpt_mail"
)

// Record represents one backend credential set. The account's login email is
// the primary key.
type Record struct {
	ID string `json:"id"`

	// Session material extracted by the sign-in collaborator.
	SecureCookie  string    `json:"secure_1psid"`
	SecureCookieT string    `json:"secure_1psidts"`
	ConfigID      string    `json:"config_id"`
	SessionIndex  string    `json:"session_index"`
	ExpiresAt     time.Time `json:"expires_at"`

	// Mailbox credentials. Which fields are set depends on MailProvider.
	MailProvider     MailProvider `json:"mail_provider"`
	MailAddress      string       `json:"mail_address,omitempty"`
	MailPassword     string       `json:"-"`
	MailClientID     string       `json:"-"`
	MailRefreshToken string       `json:"-"`
	MailTenant       string       `json:"mail_tenant,omitempty"`

	Disabled bool `json:"disabled"`
}

// IsExpired reports whether the record's session material has expired.
// Records with no expiry set are treated as expired: they never carry
// usable session material.
func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt.IsZero() || !r.ExpiresAt.After(now)
}

// RemainingHours returns the hours until expiry, negative when already past.
func (r *Record) RemainingHours(now time.Time) float64 {
	return r.ExpiresAt.Sub(now).Hours()
}

// HasMailCredentials reports whether the record carries enough mailbox
// credentials for a login refresh.
func (r *Record) HasMailCredentials() bool {
	switch r.MailProvider {
	case MailMS:
		return r.MailClientID != "" && r.MailRefreshToken != ""
	case MailChatGPT:
		// ChatGPT mail only needs the address.
		return true
	default:
		return r.MailPassword != ""
	}
}

// Health summarizes pool availability.
type Health struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	Unavailable int `json:"unavailable"`
}
