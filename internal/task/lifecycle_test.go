package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CassiopeiaCode/gemini-business2api/config"
	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
)

func poolConfig() config.PoolConfig {
	return config.PoolConfig{
		RefreshWindowHours: 6,
		ExpiryGraceHours:   0,
		HealthFloor:        5,
		HealthCheckSeconds: 600,
		RefreshPollSeconds: 1800,
	}
}

func TestRefreshPassDeletesExpiredAccounts(t *testing.T) {
	expired := withMail("expired@example.com")
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	healthy := withMail("healthy@example.com")
	healthy.ExpiresAt = time.Now().Add(48 * time.Hour)

	store := &memStore{records: []account.Record{expired, healthy}}
	orch, pool := testHarness(t, store, &fakeAutomation{})
	m := NewMaintainer(pool, orch, poolConfig(), testLogger())

	require.NoError(t, m.refreshPass())

	records, err := pool.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "healthy@example.com", records[0].ID)
}

func TestRefreshPassGracePeriodKeepsRecentlyExpired(t *testing.T) {
	expired := withMail("expired@example.com")
	expired.ExpiresAt = time.Now().Add(-time.Hour)

	store := &memStore{records: []account.Record{expired}}
	orch, pool := testHarness(t, store, &fakeAutomation{})
	cfg := poolConfig()
	cfg.ExpiryGraceHours = 24
	m := NewMaintainer(pool, orch, cfg, testLogger())

	require.NoError(t, m.refreshPass())

	records, err := pool.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRefreshPassStartsLoginForExpiringAccounts(t *testing.T) {
	expiring := withMail("expiring@example.com")
	expiring.ExpiresAt = time.Now().Add(2 * time.Hour) // inside the 6h window
	fresh := withMail("fresh@example.com")
	fresh.ExpiresAt = time.Now().Add(48 * time.Hour)

	store := &memStore{records: []account.Record{expiring, fresh}}
	auto := &fakeAutomation{}
	orch, pool := testHarness(t, store, auto)
	m := NewMaintainer(pool, orch, poolConfig(), testLogger())

	require.NoError(t, m.refreshPass())

	tasks := orch.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, KindLogin, tasks[0].Kind)
	assert.Equal(t, 1, tasks[0].Total)

	waitTerminal(t, orch, tasks[0].ID)
	auto.mu.Lock()
	defer auto.mu.Unlock()
	assert.Equal(t, []string{"expiring@example.com"}, auto.attempts)
}

func TestRefreshPassTolerateAlreadyRunning(t *testing.T) {
	expiring := withMail("expiring@example.com")
	expiring.ExpiresAt = time.Now().Add(2 * time.Hour)

	block := make(chan struct{})
	defer close(block)
	store := &memStore{records: []account.Record{expiring}}
	orch, pool := testHarness(t, store, &fakeAutomation{block: block})
	m := NewMaintainer(pool, orch, poolConfig(), testLogger())

	require.NoError(t, m.refreshPass())
	// The second pass finds the login task still running and moves on.
	require.NoError(t, m.refreshPass())
	assert.Len(t, orch.List(), 1)
}

func TestHealthPassTopsUpToFloor(t *testing.T) {
	store := &memStore{records: []account.Record{withMail("a@example.com"), withMail("b@example.com")}}
	orch, pool := testHarness(t, store, &fakeAutomation{})
	m := NewMaintainer(pool, orch, poolConfig(), testLogger())

	require.NoError(t, m.healthPass())

	tasks := orch.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, KindRegister, tasks[0].Kind)
	assert.Equal(t, 3, tasks[0].Total) // floor 5, available 2
	waitTerminal(t, orch, tasks[0].ID)
}

func TestHealthPassEmptyPoolRegistersTheFloor(t *testing.T) {
	store := &memStore{}
	orch, pool := testHarness(t, store, &fakeAutomation{})
	m := NewMaintainer(pool, orch, poolConfig(), testLogger())

	require.NoError(t, m.healthPass())

	tasks := orch.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, 5, tasks[0].Total)
	waitTerminal(t, orch, tasks[0].ID)
}

func TestHealthPassNoopAtOrAboveFloor(t *testing.T) {
	store := &memStore{}
	for i := 0; i < 5; i++ {
		store.records = append(store.records, withMail(string(rune('a'+i))+"@example.com"))
	}
	orch, pool := testHarness(t, store, &fakeAutomation{})
	m := NewMaintainer(pool, orch, poolConfig(), testLogger())

	require.NoError(t, m.healthPass())
	assert.Empty(t, orch.List())
}
