package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bitline/trust-engine/src/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        filepath.Join(t.TempDir(), "ledger_test.db"),
	}, &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(types.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestDebitRequiresBalance(t *testing.T) {
	ctx := context.Background()
	svc := New(openTestDB(t))

	if _, _, err := svc.Credit(ctx, 1, 100, types.ActionDeposit, "deposit", 1, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, _, err := svc.Debit(ctx, 1, 150, types.ActionNote, "content", 9, "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	bal, err := svc.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 100 {
		t.Fatalf("failed debit must leave balance untouched, got %d", bal)
	}

	entries, err := svc.History(ctx, 1, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("failed debit must not append an entry, got %d entries", len(entries))
	}
}

func TestCreditDedupe(t *testing.T) {
	ctx := context.Background()
	svc := New(openTestDB(t))

	key := Key(types.ActionSettlement, "content", 7, "w1")

	first, applied, err := svc.Credit(ctx, 2, 500, types.ActionSettlement, "content", 7, key)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !applied {
		t.Fatalf("first submission should apply")
	}

	second, applied, err := svc.Credit(ctx, 2, 500, types.ActionSettlement, "content", 7, key)
	if err != nil {
		t.Fatalf("repeat credit: %v", err)
	}
	if applied {
		t.Fatalf("repeat submission must be a no-op")
	}
	if second.ID != first.ID {
		t.Fatalf("repeat submission should return the original entry, got %d vs %d", second.ID, first.ID)
	}

	bal, _ := svc.Balance(ctx, 2)
	if bal != 500 {
		t.Fatalf("dedupe failed, balance %d", bal)
	}
}

func TestDebitUpToClampsAtBalance(t *testing.T) {
	ctx := context.Background()
	svc := New(openTestDB(t))

	if _, _, err := svc.Credit(ctx, 3, 300, types.ActionDeposit, "deposit", 1, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	collected, err := svc.DebitUpTo(ctx, 3, 1000, types.ActionFine, "challenge", 4, "")
	if err != nil {
		t.Fatalf("debit up to: %v", err)
	}
	if collected != 300 {
		t.Fatalf("expected to collect 300, got %d", collected)
	}

	bal, _ := svc.Balance(ctx, 3)
	if bal != 0 {
		t.Fatalf("balance after clamped fine should be 0, got %d", bal)
	}

	collected, err = svc.DebitUpTo(ctx, 3, 1000, types.ActionFine, "challenge", 5, "")
	if err != nil {
		t.Fatalf("second debit up to: %v", err)
	}
	if collected != 0 {
		t.Fatalf("empty account should collect 0, got %d", collected)
	}

	entries, _ := svc.History(ctx, 3, 10)
	if len(entries) != 2 {
		t.Fatalf("zero collection must not append an entry, got %d entries", len(entries))
	}
}

func TestConcurrentDebitsSerializePerAccount(t *testing.T) {
	ctx := context.Background()
	svc := New(openTestDB(t))

	if _, _, err := svc.Credit(ctx, 4, 1000, types.ActionDeposit, "deposit", 1, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			_, _, err := svc.Debit(ctx, 4, 100, types.ActionComment, "content", n, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("debit %d: %v", n, err)
			}
		}(uint64(i))
	}
	wg.Wait()

	if succeeded != 10 || rejected != 10 {
		t.Fatalf("expected 10 debits to land and 10 to bounce, got %d/%d", succeeded, rejected)
	}

	bal, _ := svc.Balance(ctx, 4)
	if bal != 0 {
		t.Fatalf("final balance should be 0, got %d", bal)
	}

	entries, _ := svc.History(ctx, 4, 50)
	for _, e := range entries {
		if e.BalanceAfter < 0 {
			t.Fatalf("entry %d went negative: %d", e.ID, e.BalanceAfter)
		}
	}
}
