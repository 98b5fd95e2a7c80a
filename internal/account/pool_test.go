package account

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	records []Record
}

func (m *memStore) Load() ([]Record, error) {
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memStore) ReplaceAll(records []Record) error {
	m.records = append([]Record(nil), records...)
	return nil
}

func (m *memStore) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func live(id string) Record {
	return Record{ID: id, ExpiresAt: time.Now().Add(24 * time.Hour)}
}

func TestSelectSkipsIneligibleAccounts(t *testing.T) {
	expired := Record{ID: "expired@example.com", ExpiresAt: time.Now().Add(-time.Hour)}
	disabled := live("disabled@example.com")
	disabled.Disabled = true
	cooling := live("cooling@example.com")
	ok := live("ok@example.com")

	store := &memStore{records: []Record{expired, disabled, cooling, ok}}
	pool := NewPool(store, func(id string) bool { return id != cooling.ID }, testLogger())

	for i := 0; i < 4; i++ {
		picked, err := pool.Select()
		require.NoError(t, err)
		assert.Equal(t, ok.ID, picked.ID)
	}
}

func TestSelectRotates(t *testing.T) {
	store := &memStore{records: []Record{live("a"), live("b"), live("c")}}
	pool := NewPool(store, nil, testLogger())

	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		picked, err := pool.Select()
		require.NoError(t, err)
		seen[picked.ID]++
	}
	assert.Equal(t, map[string]int{"a": 3, "b": 3, "c": 3}, seen)
}

func TestSelectEmptyPool(t *testing.T) {
	pool := NewPool(&memStore{}, nil, testLogger())
	_, err := pool.Select()
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestZeroExpiryCountsAsExpired(t *testing.T) {
	store := &memStore{records: []Record{{ID: "a"}}}
	pool := NewPool(store, nil, testLogger())
	_, err := pool.Select()
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestGet(t *testing.T) {
	store := &memStore{records: []Record{live("a"), live("b")}}
	pool := NewPool(store, nil, testLogger())

	rec, err := pool.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.ID)

	_, err = pool.Get("missing")
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestHealthClassification(t *testing.T) {
	expired := Record{ID: "expired", ExpiresAt: time.Now().Add(-time.Hour)}
	cooling := live("cooling")
	ok := live("ok")

	store := &memStore{records: []Record{expired, cooling, ok}}
	pool := NewPool(store, func(id string) bool { return id != "cooling" }, testLogger())

	h, err := pool.Health()
	require.NoError(t, err)
	assert.Equal(t, Health{Total: 2, Available: 1, Unavailable: 1}, h)
}

func TestApplyBulkUpdate(t *testing.T) {
	store := &memStore{records: []Record{live("a")}}
	pool := NewPool(store, nil, testLogger())

	require.NoError(t, pool.ApplyBulkUpdate([]Record{live("b"), live("c")}))
	records, err := pool.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].ID)
}

func TestRemainingHours(t *testing.T) {
	r := Record{ExpiresAt: time.Now().Add(12 * time.Hour)}
	assert.InDelta(t, 12, r.RemainingHours(time.Now()), 0.1)

	past := Record{ExpiresAt: time.Now().Add(-time.Hour)}
	assert.Less(t, past.RemainingHours(time.Now()), 0.0)
}
