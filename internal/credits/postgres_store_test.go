package credits

import (
	"context"
	"testing"
	"time"

	"github.com/storyvoice/storyvoice/internal/idgen"
	"github.com/storyvoice/storyvoice/internal/testutil"
)

func grantLot(t *testing.T, store *PostgresStore, userID string, amount int64, source Source, expiresAt *time.Time) *Lot {
	t.Helper()
	now := time.Now()
	lot := &Lot{
		ID:        idgen.WithPrefix("lot_"),
		UserID:    userID,
		Source:    source,
		Amount:    amount,
		Remaining: amount,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx := &Transaction{
		ID:        idgen.WithPrefix("tx_"),
		UserID:    userID,
		Kind:      KindCredit,
		Status:    TxApplied,
		Amount:    amount,
		LotID:     lot.ID,
		CreatedAt: now,
	}
	if err := store.Grant(context.Background(), lot, tx); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return lot
}

func TestPostgresStore_DebitAndRefund(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	event := grantLot(t, store, "user-1", 2, SourceEvent, nil)
	free := grantLot(t, store, "user-1", 5, SourceFree, nil)

	tx, err := store.Debit(ctx, "user-1", "job-1", 4, DefaultPriority)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if len(tx.Lots) != 2 {
		t.Fatalf("expected 2 portions, got %d", len(tx.Lots))
	}

	// Repeat is a no-op returning the same transaction.
	tx2, err := store.Debit(ctx, "user-1", "job-1", 4, DefaultPriority)
	if err != nil {
		t.Fatalf("repeat debit: %v", err)
	}
	if tx2.ID != tx.ID {
		t.Errorf("expected idempotent debit, got %s and %s", tx.ID, tx2.ID)
	}

	gotEvent, err := store.GetLot(ctx, event.ID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if gotEvent.Remaining != 0 {
		t.Errorf("expected event lot drained, remaining %d", gotEvent.Remaining)
	}

	refund, err := store.RefundByJob(ctx, "user-1", "job-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Amount != 4 {
		t.Errorf("expected refund 4, got %d", refund.Amount)
	}

	gotEvent, _ = store.GetLot(ctx, event.ID)
	gotFree, _ := store.GetLot(ctx, free.ID)
	if gotEvent.Remaining != 2 || gotFree.Remaining != 5 {
		t.Errorf("expected lots restored, got event=%d free=%d", gotEvent.Remaining, gotFree.Remaining)
	}

	refund2, err := store.RefundByJob(ctx, "user-1", "job-1")
	if err != nil {
		t.Fatalf("repeat refund: %v", err)
	}
	if refund2.ID != refund.ID {
		t.Errorf("expected idempotent refund, got %s and %s", refund.ID, refund2.ID)
	}
}

func TestPostgresStore_InsufficientLeavesLotsUntouched(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	lot := grantLot(t, store, "user-1", 3, SourceFree, nil)

	_, err := store.Debit(ctx, "user-1", "job-1", 10, DefaultPriority)
	if !IsInsufficient(err) {
		t.Fatalf("expected insufficient, got %v", err)
	}

	got, err := store.GetLot(ctx, lot.ID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if got.Remaining != 3 {
		t.Errorf("expected remaining 3, got %d", got.Remaining)
	}
}

func TestPostgresStore_ExpireLots(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	expired := grantLot(t, store, "user-1", 5, SourceMonthly, &past)
	grantLot(t, store, "user-1", 3, SourceFree, nil)

	lots, err := store.ExpireLots(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(lots) != 1 || lots[0].ID != expired.ID {
		t.Errorf("expected the monthly lot expired, got %+v", lots)
	}

	got, _ := store.GetLot(ctx, expired.ID)
	if got.Remaining != 0 {
		t.Errorf("expected expired lot zeroed, got %d", got.Remaining)
	}

	txs, err := store.ListTransactions(ctx, "user-1", "", 10, 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	var sawExpire bool
	for _, tx := range txs {
		if tx.Kind == KindExpire && tx.LotID == expired.ID && tx.Amount == -5 {
			sawExpire = true
		}
	}
	if !sawExpire {
		t.Error("expected an expire transaction for the zeroed lot")
	}
}

func TestPostgresStore_BalanceCacheRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, ok, err := store.GetBalanceCache(ctx, "user-1"); err != nil || ok {
		t.Fatalf("expected no cache row, got ok=%v err=%v", ok, err)
	}

	if err := store.SetBalanceCache(ctx, "user-1", 7); err != nil {
		t.Fatalf("set cache: %v", err)
	}
	if err := store.SetBalanceCache(ctx, "user-1", 4); err != nil {
		t.Fatalf("upsert cache: %v", err)
	}

	balance, ok, err := store.GetBalanceCache(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("get cache: ok=%v err=%v", ok, err)
	}
	if balance != 4 {
		t.Errorf("expected cached balance 4, got %d", balance)
	}
}
