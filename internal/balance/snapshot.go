package balance

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MintID identifies a mint by its URL.
type MintID string

func (m MintID) String() string {
	return string(m)
}

// NormalizeMint maps the spellings of a mint URL that differ only in
// surrounding space or trailing slashes to one MintID.
func NormalizeMint(raw string) MintID {
	return MintID(strings.TrimRight(strings.TrimSpace(raw), "/"))
}

// MintBalance is what one mint holds for the wallet, in sats. Total includes
// amounts that are reserved or pending and therefore not yet spendable.
type MintBalance struct {
	Available int64 `json:"available"`
	Total     int64 `json:"total"`
}

// Pending is the part of Total that is not spendable yet.
func (b MintBalance) Pending() int64 {
	return b.Total - b.Available
}

func (b MintBalance) validate() error {
	if b.Available < 0 {
		return fmt.Errorf("negative available balance %d", b.Available)
	}
	if b.Total < b.Available {
		return fmt.Errorf("total %d below available %d", b.Total,
			b.Available)
	}
	return nil
}

// Snapshot is a point-in-time view of per-mint balances. It is never mutated
// after construction.
type Snapshot struct {
	takenAt time.Time
	mints   map[MintID]MintBalance
}

// NewSnapshot copies mints into a new snapshot after checking
// total >= available >= 0 for every entry. Keys are normalized with
// NormalizeMint, and entries that collapse onto the same mint are summed.
func NewSnapshot(takenAt time.Time, mints map[MintID]MintBalance) (Snapshot, error) {
	cp := make(map[MintID]MintBalance, len(mints))
	for id, b := range mints {
		if err := b.validate(); err != nil {
			return Snapshot{}, fmt.Errorf("mint %s: %w", id, err)
		}
		key := NormalizeMint(string(id))
		prev := cp[key]
		cp[key] = MintBalance{
			Available: prev.Available + b.Available,
			Total:     prev.Total + b.Total,
		}
	}

	return Snapshot{takenAt: takenAt, mints: cp}, nil
}

func (s Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Get returns the balance recorded for mint, if any.
func (s Snapshot) Get(mint MintID) (MintBalance, bool) {
	b, ok := s.mints[NormalizeMint(string(mint))]
	return b, ok
}

// Available returns the spendable balance at mint. Unknown mints hold zero.
func (s Snapshot) Available(mint MintID) int64 {
	return s.mints[NormalizeMint(string(mint))].Available
}

// Mints lists the mints in the snapshot in lexical order.
func (s Snapshot) Mints() []MintID {
	ids := make([]MintID, 0, len(s.mints))
	for id := range s.mints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len is the number of mints in the snapshot.
func (s Snapshot) Len() int {
	return len(s.mints)
}

// TotalAvailable sums the spendable balance over all mints.
func (s Snapshot) TotalAvailable() int64 {
	var sum int64
	for _, b := range s.mints {
		sum += b.Available
	}
	return sum
}
