package account

// Store is the injected persistence backend for the account list. The pool
// only ever reads the whole list and replaces the whole list; partial writes
// are not part of the contract.
type Store interface {
	// Load returns all persisted records.
	Load() ([]Record, error)
	// ReplaceAll atomically replaces the persisted records.
	ReplaceAll(records []Record) error
	// Close releases backend resources.
	Close() error
}
