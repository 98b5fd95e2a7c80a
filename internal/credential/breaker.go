package credential

import (
	"fmt"
	"log/slog"
	"sync"
)

// ErrCircuitOpen signals that credential-acquisition failures have crossed
// the process-wide ceiling. It is deliberately fatal: callers on the serving
// path must let it propagate to a process exit rather than retry, because at
// this point the provider is most likely blocking this deployment's network
// identity and further attempts only dig the hole deeper.
type ErrCircuitOpen struct {
	Count int
	Max   int
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("browser launch failures reached the global ceiling (%d/%d)", e.Count, e.Max)
}

// Breaker counts browser/credential-acquisition failures across the whole
// process, independent of which account triggered them. It is constructed
// once at startup and passed to every collaborator that can report failures.
type Breaker struct {
	mu    sync.Mutex
	count int
	max   int
	log   *slog.Logger
}

// DefaultFailureCeiling matches the historical process-wide limit.
const DefaultFailureCeiling = 5

// NewBreaker creates a breaker with the given ceiling (values below 1 are
// clamped to 1).
func NewBreaker(max int, log *slog.Logger) *Breaker {
	if max < 1 {
		max = 1
	}
	return &Breaker{max: max, log: log.With("component", "breaker")}
}

// RecordFailure registers one failure and returns the running count. Once the
// count exceeds the ceiling the returned error is an *ErrCircuitOpen, which
// must terminate the process.
func (b *Breaker) RecordFailure() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.count++
	if b.count > b.max {
		b.log.Error("browser failure ceiling exceeded", "count", b.count, "max", b.max)
		return b.count, &ErrCircuitOpen{Count: b.count, Max: b.max}
	}
	b.log.Warn("browser launch failure recorded", "count", b.count, "max", b.max)
	return b.count, nil
}

// Reset clears the counter. Called by operator tooling and after a successful
// acquisition.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = 0
}

// Count returns the current failure count.
func (b *Breaker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
