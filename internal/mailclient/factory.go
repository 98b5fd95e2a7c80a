package mailclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
	"github.com/CassiopeiaCode/gemini-business2api/internal/automation"
)

// Factory builds mailbox clients per account provider. It implements
// automation.MailboxFactory.
type Factory struct {
	log *slog.Logger
}

func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

func (f *Factory) ForAccount(acct *account.Record) (automation.MailboxClient, error) {
	address := acct.MailAddress
	if address == "" {
		address = acct.ID
	}
	switch acct.MailProvider {
	case account.MailChatGPT:
		m, err := NewChatGPTMail(f.log)
		if err != nil {
			return nil, err
		}
		m.Attach(address)
		return m, nil
	case account.MailDuck:
		m := NewDuckMail(f.log)
		m.Attach(address, acct.MailPassword)
		return m, nil
	case account.MailMS:
		if acct.MailClientID == "" || acct.MailRefreshToken == "" {
			return nil, fmt.Errorf("account %s is missing Microsoft mail credentials", acct.ID)
		}
		return NewMicrosoftMail(address, acct.MailClientID, acct.MailRefreshToken, acct.MailTenant, f.log), nil
	default:
		return nil, fmt.Errorf("account %s has unknown mail provider %q", acct.ID, acct.MailProvider)
	}
}

// NewMailbox provisions a fresh inbox for registration. A configured domain
// selects duckmail (which supports choosing the domain); otherwise the
// zero-setup chatgpt.org.uk service is used.
func (f *Factory) NewMailbox(ctx context.Context, domain string) (automation.MailboxClient, error) {
	if domain != "" {
		m := NewDuckMail(f.log)
		if err := m.Provision(ctx, domain); err != nil {
			return nil, err
		}
		return m, nil
	}
	m, err := NewChatGPTMail(f.log)
	if err != nil {
		return nil, err
	}
	if err := m.Provision(ctx); err != nil {
		return nil, err
	}
	return m, nil
}
