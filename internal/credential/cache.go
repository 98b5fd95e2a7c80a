package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
)

// ErrCoolingDown is returned by Acquire while an account sits inside an
// active failure or rate-limit cooldown window.
var ErrCoolingDown = errors.New("account is cooling down")

// TokenSource exchanges an account's session material for a short-lived JWT.
// Implementations may return a zero expiry; the cache then derives the TTL
// from the token's exp claim.
type TokenSource interface {
	FetchToken(ctx context.Context, acct *account.Record) (token string, expiresAt time.Time, err error)
}

// TokenSourceFunc adapts a function to a TokenSource.
type TokenSourceFunc func(ctx context.Context, acct *account.Record) (string, time.Time, error)

func (f TokenSourceFunc) FetchToken(ctx context.Context, acct *account.Record) (string, time.Time, error) {
	return f(ctx, acct)
}

// tokenState is the refresh state machine for one credential.
type tokenState int

const (
	stateClosed   tokenState = iota // normal operation
	stateCooldown                   // failures crossed the threshold, excluded until cooldownUntil
	stateHalfOpen                   // cooldown elapsed, one probe in flight
)

// entry holds cached credentials for one account. The token field is replaced
// wholesale on refresh, never mutated, so readers holding the lock briefly
// always see a complete value.
type entry struct {
	token     string
	issuedAt  time.Time
	expiresAt time.Time

	consecutiveFailures int
	cooldownUntil       time.Time
	state               tokenState
	lastUsedAt          time.Time
}

// Cache caches per-account JWTs with TTL, tracks consecutive failures and
// cooldown windows, and coalesces concurrent refreshes per account.
type Cache struct {
	source     TokenSource
	threshold  int
	cooldown   time.Duration
	defaultTTL time.Duration
	expiryPad  time.Duration
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	flight singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the cache's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithDefaultTTL sets the TTL used when neither the source nor the token's
// exp claim yield an expiry.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = d }
}

// NewCache creates a credential cache. threshold is the consecutive-failure
// count that opens the cooldown; cooldown is its duration.
func NewCache(source TokenSource, threshold int, cooldown time.Duration, log *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		source:     source,
		threshold:  threshold,
		cooldown:   cooldown,
		defaultTTL: 30 * time.Minute,
		expiryPad:  60 * time.Second,
		log:        log.With("component", "credentials"),
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) get(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	return e
}

// Acquire returns a valid, non-expired token for the account, refreshing
// synchronously when the cached token is missing or expired. Concurrent
// callers for the same account share one in-flight refresh. Accounts inside
// an active cooldown window are rejected with ErrCoolingDown.
func (c *Cache) Acquire(ctx context.Context, acct *account.Record) (string, error) {
	now := c.now()

	c.mu.Lock()
	e := c.get(acct.ID)
	if e.state == stateCooldown {
		if now.Before(e.cooldownUntil) {
			c.mu.Unlock()
			return "", fmt.Errorf("%w until %s", ErrCoolingDown, e.cooldownUntil.Format(time.RFC3339))
		}
		// Cooldown elapsed: this acquisition is the half-open probe.
		e.state = stateHalfOpen
	}
	if e.token != "" && now.Add(c.expiryPad).Before(e.expiresAt) {
		token := e.token
		e.lastUsedAt = now
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	return c.refresh(ctx, acct)
}

// AcquireFresh bypasses the cached token and forces a refresh. Used on a 401
// whose token may have been revoked before its recorded expiry.
func (c *Cache) AcquireFresh(ctx context.Context, acct *account.Record) (string, error) {
	c.mu.Lock()
	e := c.get(acct.ID)
	e.token = "" // drop the stale value so refresh cannot short-circuit
	c.mu.Unlock()
	return c.refresh(ctx, acct)
}

func (c *Cache) refresh(ctx context.Context, acct *account.Record) (string, error) {
	v, err, _ := c.flight.Do(acct.ID, func() (interface{}, error) {
		c.mu.Lock()
		if e := c.get(acct.ID); e.token != "" && c.now().Add(c.expiryPad).Before(e.expiresAt) {
			// A concurrent caller already refreshed while we queued.
			token := e.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		token, expiresAt, err := c.source.FetchToken(ctx, acct)
		if err != nil {
			return nil, err
		}
		if expiresAt.IsZero() {
			expiresAt = c.tokenExpiry(token)
		}

		now := c.now()
		c.mu.Lock()
		e := c.get(acct.ID)
		e.token = token
		e.issuedAt = now
		e.expiresAt = expiresAt
		e.lastUsedAt = now
		c.mu.Unlock()

		c.log.Debug("token refreshed", "account", acct.ID, "expires_at", expiresAt)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// tokenExpiry reads the exp claim without verifying the signature; the token
// was just handed to us by the issuer and we only need its lifetime.
func (c *Cache) tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return c.now().Add(c.defaultTTL)
}

// RecordFailure notes one upstream failure for the account. Crossing the
// threshold opens a cooldown window; a failure during a half-open probe
// re-arms the full window immediately.
func (c *Cache) RecordFailure(id string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.get(id)
	e.consecutiveFailures++

	if e.state == stateHalfOpen || e.consecutiveFailures >= c.threshold {
		e.state = stateCooldown
		e.cooldownUntil = now.Add(c.cooldown)
		c.log.Warn("account cooling down",
			"account", id,
			"failures", e.consecutiveFailures,
			"until", e.cooldownUntil)
	}
}

// RecordRateLimited opens a cooldown from an upstream-supplied delay.
func (c *Cache) RecordRateLimited(id string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = c.cooldown
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.get(id)
	e.state = stateCooldown
	e.cooldownUntil = now.Add(retryAfter)
	c.log.Warn("account rate limited", "account", id, "retry_after", retryAfter)
}

// RecordSuccess resets the failure counter and closes any cooldown. A single
// successful half-open probe fully restores the account.
func (c *Cache) RecordSuccess(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.get(id)
	e.consecutiveFailures = 0
	e.cooldownUntil = time.Time{}
	e.state = stateClosed
}

// ShouldRetry reports whether the account may take traffic: either it never
// cooled down, or its cooldown window has elapsed and the half-open probe has
// not been claimed yet. While a probe is in flight the account stays excluded,
// so exactly one caller gets the post-cooldown attempt.
func (c *Cache) ShouldRetry(id string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return true
	}
	switch e.state {
	case stateCooldown:
		return !now.Before(e.cooldownUntil)
	case stateHalfOpen:
		return false
	default:
		return true
	}
}

// Forget drops cached state for accounts no longer in the pool.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Failures returns the current consecutive-failure count, for operator
// surfaces and tests.
func (c *Cache) Failures(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.consecutiveFailures
	}
	return 0
}
