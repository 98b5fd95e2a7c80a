package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CassiopeiaCode/gemini-business2api/config"
	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
	"github.com/CassiopeiaCode/gemini-business2api/internal/automation"
	"github.com/CassiopeiaCode/gemini-business2api/internal/credential"
)

// Runner executes login and register tasks against the pool. Login runs
// accounts one at a time; a single browser session cannot juggle several
// sign-ins. Registration fans out over a bounded worker group.
type Runner struct {
	pool    *account.Pool
	creds   *credential.Cache
	breaker *credential.Breaker
	auto    automation.Automation
	mail    automation.MailboxFactory
	workers int
	domain  string
	log     *slog.Logger

	// Fatal is invoked when the browser failure ceiling trips. The process
	// must not keep burning accounts on a broken automation environment.
	Fatal func(error)

	storeMu sync.Mutex
}

func NewRunner(pool *account.Pool, creds *credential.Cache, breaker *credential.Breaker,
	auto automation.Automation, mail automation.MailboxFactory,
	cfg config.TasksConfig, log *slog.Logger) *Runner {
	workers := cfg.RegisterWorkers
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		pool:    pool,
		creds:   creds,
		breaker: breaker,
		auto:    auto,
		mail:    mail,
		workers: workers,
		domain:  cfg.RegisterDomain,
		log:     log.With("component", "task-runner"),
	}
}

// loginTargets resolves the account ids a login task should cover. An empty
// list selects every account that still holds mailbox credentials.
func (r *Runner) loginTargets(ids []string) ([]account.Record, error) {
	records, err := r.pool.List()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		var out []account.Record
		for _, rec := range records {
			if rec.HasMailCredentials() {
				out = append(out, rec)
			}
		}
		return out, nil
	}
	byID := make(map[string]account.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	out := make([]account.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown account %q", id)
		}
		out = append(out, rec)
	}
	return out, nil
}

// RunLogin re-authenticates the given accounts sequentially and persists the
// refreshed session material.
func (r *Runner) RunLogin(ctx context.Context, t *Task, records []account.Record) {
	for _, rec := range records {
		if ctx.Err() != nil {
			t.Logf("warn", "login run cancelled after %s", rec.ID)
			break
		}
		t.Logf("info", "logging in %s", rec.ID)

		mailbox, err := r.mail.ForAccount(&rec)
		if err != nil {
			t.Record(rec.ID, false, fmt.Sprintf("mailbox: %v", err))
			continue
		}

		res, err := r.auto.LoginAndExtract(ctx, rec.ID, mailbox)
		if err != nil {
			r.browserFailure(t)
			t.Record(rec.ID, false, err.Error())
			continue
		}
		if !res.Success {
			r.browserFailure(t)
			t.Record(rec.ID, false, res.Err)
			continue
		}

		r.breaker.Reset()
		if err := r.persistRefreshed(rec, res.Record); err != nil {
			t.Record(rec.ID, false, fmt.Sprintf("persist: %v", err))
			continue
		}
		r.creds.Forget(rec.ID)
		t.Record(rec.ID, true, "")
		t.Logf("info", "refreshed %s, expires %s", rec.ID, res.Record.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	r.finish(t)
}

// RunRegister provisions count new accounts on a bounded worker group.
func (r *Runner) RunRegister(ctx context.Context, t *Task, count int) {
	var g errgroup.Group
	g.SetLimit(r.workers)

	for i := 0; i < count; i++ {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			mailbox, err := r.mail.NewMailbox(ctx, r.domain)
			if err != nil {
				t.Record("", false, fmt.Sprintf("mailbox: %v", err))
				return nil
			}
			identity := mailbox.Address()
			t.Logf("info", "registering %s", identity)

			res, err := r.auto.LoginAndExtract(ctx, identity, mailbox)
			if err != nil {
				r.browserFailure(t)
				t.Record(identity, false, err.Error())
				return nil
			}
			if !res.Success {
				r.browserFailure(t)
				t.Record(identity, false, res.Err)
				return nil
			}

			r.breaker.Reset()
			rec := *res.Record
			if rec.ID == "" {
				rec.ID = identity
			}
			if err := r.persistNew(rec); err != nil {
				t.Record(identity, false, fmt.Sprintf("persist: %v", err))
				return nil
			}
			t.Record(identity, true, "")
			return nil
		})
	}
	g.Wait()
	r.finish(t)
}

// finish closes the task. Any failed item fails the whole task; success
// means every item succeeded.
func (r *Runner) finish(t *Task) {
	s := t.Snapshot()
	if s.FailCount > 0 {
		t.Finish(StatusFailed)
	} else {
		t.Finish(StatusSuccess)
	}
}

func (r *Runner) browserFailure(t *Task) {
	count, err := r.breaker.RecordFailure()
	if err != nil {
		t.Logf("error", "browser failure ceiling reached after %d consecutive failures", count)
		if r.Fatal != nil {
			r.Fatal(err)
		}
	}
}

// persistRefreshed swaps the old record's session material for the freshly
// extracted one, keeping the mailbox credentials the login consumed.
func (r *Runner) persistRefreshed(old account.Record, fresh *account.Record) error {
	merged := old
	merged.SecureCookie = fresh.SecureCookie
	merged.SecureCookieT = fresh.SecureCookieT
	merged.ConfigID = fresh.ConfigID
	merged.SessionIndex = fresh.SessionIndex
	merged.ExpiresAt = fresh.ExpiresAt
	merged.Disabled = false

	r.storeMu.Lock()
	defer r.storeMu.Unlock()
	records, err := r.pool.List()
	if err != nil {
		return err
	}
	found := false
	for i := range records {
		if records[i].ID == merged.ID {
			records[i] = merged
			found = true
			break
		}
	}
	if !found {
		records = append(records, merged)
	}
	return r.pool.ApplyBulkUpdate(records)
}

func (r *Runner) persistNew(rec account.Record) error {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()
	records, err := r.pool.List()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec
			return r.pool.ApplyBulkUpdate(records)
		}
	}
	records = append(records, rec)
	return r.pool.ApplyBulkUpdate(records)
}
