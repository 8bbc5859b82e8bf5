package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStore(t *testing.T) {
	clk := clock.NewTestClock(testTime)
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := Record{
		StatusCode: 201,
		Response:   []byte("ok"),
		CreatedAt:  clk.Now(),
		ExpiresAt:  clk.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" {
		t.Fatalf("unexpected record: %+v", got)
	}

	clk.SetTime(testTime.Add(2 * time.Minute))
	if got, _ := store.Get(ctx, "abc"); got != nil {
		t.Fatalf("expected record to expire, got %+v", got)
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	record := Record{
		StatusCode: 201,
		Response:   []byte("resp"),
		CreatedAt:  time.Unix(0, 0),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "key", record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestRecordWithoutExpiryNeverExpires(t *testing.T) {
	rec := Record{CreatedAt: testTime}
	if rec.Expired(testTime.Add(100 * 365 * 24 * time.Hour)) {
		t.Fatalf("record without expiry expired")
	}
}

func TestSpentLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ctx := context.Background()

	store, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	ledger := NewSpentLedger(store, nil)

	spent, err := ledger.Spent(ctx, "abc")
	if err != nil || spent {
		t.Fatalf("fresh ledger reports spent=%v err=%v", spent, err)
	}
	if err := ledger.MarkSpent(ctx, "abc"); err != nil {
		t.Fatalf("mark spent: %v", err)
	}

	reopened, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	spent, err = NewSpentLedger(reopened, nil).Spent(ctx, "abc")
	if err != nil || !spent {
		t.Fatalf("expected abc spent after reopen, got spent=%v err=%v", spent, err)
	}

	// Ledger entries do not collide with response keys.
	if rec, _ := reopened.Get(ctx, "abc"); rec != nil {
		t.Fatalf("unexpected response record for ledger key")
	}
}
