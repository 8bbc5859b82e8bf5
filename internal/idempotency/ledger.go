package idempotency

import (
	"context"

	"github.com/lightningnetwork/lnd/clock"
)

const spentPrefix = "spent/"

// SpentLedger records spent credential fingerprints in a Store as records
// that never expire, so the guard survives restarts when the store does.
type SpentLedger struct {
	store Store
	clock clock.Clock
}

func NewSpentLedger(store Store, clk clock.Clock) *SpentLedger {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &SpentLedger{store: store, clock: clk}
}

func (l *SpentLedger) Spent(ctx context.Context, fingerprint string) (bool, error) {
	rec, err := l.store.Get(ctx, spentPrefix+fingerprint)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (l *SpentLedger) MarkSpent(ctx context.Context, fingerprint string) error {
	return l.store.Save(ctx, spentPrefix+fingerprint, Record{
		StatusCode: 0,
		Response:   []byte{},
		CreatedAt:  l.clock.Now(),
	})
}
