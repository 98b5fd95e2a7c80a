package account

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoAccounts is returned by Select when no eligible account exists. It is a
// pool-level "no capacity" condition, distinct from any one account's error.
var ErrNoAccounts = errors.New("no available accounts in pool")

// RetryFunc reports whether the account is currently allowed to take traffic.
// The credential cache owns cooldown state and provides this predicate.
type RetryFunc func(id string) bool

// Pool holds the live account set. All bulk mutations go through
// ApplyBulkUpdate, which replaces the backing store's records wholesale.
type Pool struct {
	store Store
	log   *slog.Logger

	mu     sync.Mutex
	cursor int

	shouldRetry RetryFunc
}

// NewPool creates a pool over the given store. retry may be nil, in which
// case every non-disabled, non-expired account is considered available.
func NewPool(store Store, retry RetryFunc, log *slog.Logger) *Pool {
	if retry == nil {
		retry = func(string) bool { return true }
	}
	return &Pool{
		store:       store,
		shouldRetry: retry,
		log:         log.With("component", "pool"),
	}
}

// List returns all records, eligible or not.
func (p *Pool) List() ([]Record, error) {
	return p.store.Load()
}

// eligible filters to records that may serve traffic right now.
func (p *Pool) eligible(records []Record, now time.Time) []Record {
	var out []Record
	for _, r := range records {
		if r.Disabled || r.IsExpired(now) {
			continue
		}
		if !p.shouldRetry(r.ID) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Select returns the next eligible account. Selection rotates through the
// eligible set so a single account never absorbs all traffic.
func (p *Pool) Select() (*Record, error) {
	records, err := p.store.Load()
	if err != nil {
		return nil, err
	}

	candidates := p.eligible(records, time.Now())
	if len(candidates) == 0 {
		return nil, ErrNoAccounts
	}

	p.mu.Lock()
	p.cursor++
	idx := p.cursor % len(candidates)
	p.mu.Unlock()

	picked := candidates[idx]
	return &picked, nil
}

// Get returns a record by id.
func (p *Pool) Get(id string) (*Record, error) {
	records, err := p.store.Load()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], nil
		}
	}
	return nil, ErrNoAccounts
}

// ApplyBulkUpdate atomically replaces the backing store's records. Used after
// login/register tasks complete.
func (p *Pool) ApplyBulkUpdate(records []Record) error {
	if err := p.store.ReplaceAll(records); err != nil {
		return err
	}
	p.log.Info("account pool updated", "total", len(records))
	return nil
}

// Health classifies the pool. Available means not disabled, not expired and
// currently retryable.
func (p *Pool) Health() (Health, error) {
	records, err := p.store.Load()
	if err != nil {
		return Health{}, err
	}

	now := time.Now()
	var h Health
	for _, r := range records {
		if r.Disabled || r.IsExpired(now) {
			continue
		}
		h.Total++
		if p.shouldRetry(r.ID) {
			h.Available++
		}
	}
	h.Unavailable = h.Total - h.Available
	return h, nil
}
