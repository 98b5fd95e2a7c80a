// Package automation defines the contracts for the external collaborators
// that perform interactive sign-in and mailbox polling. The gateway core
// schedules these as opaque, possibly slow, possibly failing black boxes; it
// makes no assumption about their internal retry behavior.
package automation

import (
	"context"
	"time"

	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
)

// LoginResult is the outcome of one browser-driven sign-in attempt.
type LoginResult struct {
	Success bool
	// Record carries the extracted session material when Success is true.
	Record *account.Record
	// Err describes the failure when Success is false.
	Err string
}

// Automation is the browser-driven sign-in collaborator. LoginAndExtract
// signs the identity in against the provider's web UI, pulling verification
// codes from the given mailbox, and extracts the session material.
type Automation interface {
	LoginAndExtract(ctx context.Context, identity string, mailbox MailboxClient) (*LoginResult, error)
}

// MailboxClient is a disposable-mailbox collaborator. It is consumed by the
// Automation implementation, not by the gateway core directly.
type MailboxClient interface {
	// Address returns the mailbox address, which is also the provider identity.
	Address() string
	// PollForCode polls the inbox for a verification code delivered after
	// since, until timeout elapses. Returns "" when no code arrived.
	PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error)
}

// MailboxFactory builds a mailbox client for an existing account record.
type MailboxFactory interface {
	ForAccount(acct *account.Record) (MailboxClient, error)
	// NewMailbox provisions a brand-new mailbox for registration, on the
	// given domain when non-empty.
	NewMailbox(ctx context.Context, domain string) (MailboxClient, error)
}
