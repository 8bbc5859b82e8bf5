package lifecycle

import (
	"context"
	"sync"
)

// Ledger remembers credentials that have been spent so they are never
// redeemed or paid twice. Keys are credential fingerprints.
type Ledger interface {
	Spent(ctx context.Context, fingerprint string) (bool, error)
	MarkSpent(ctx context.Context, fingerprint string) error
}

// MemoryLedger is the per-controller default.
type MemoryLedger struct {
	mu    sync.Mutex
	spent map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{spent: make(map[string]struct{})}
}

func (m *MemoryLedger) Spent(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.spent[fingerprint]
	return ok, nil
}

func (m *MemoryLedger) MarkSpent(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.spent[fingerprint] = struct{}{}
	return nil
}

// InFlight tracks credentials a workflow is spending right now. Controllers
// sharing one InFlight never hand the same credential to the wallet
// concurrently.
type InFlight struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{held: make(map[string]struct{})}
}

// acquire reports whether fingerprint was free and is now held.
func (f *InFlight) acquire(fingerprint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.held[fingerprint]; ok {
		return false
	}
	f.held[fingerprint] = struct{}{}
	return true
}

func (f *InFlight) release(fingerprint string) {
	f.mu.Lock()
	delete(f.held, fingerprint)
	f.mu.Unlock()
}
