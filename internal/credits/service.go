package credits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyvoice/storyvoice/internal/idgen"
	"github.com/storyvoice/storyvoice/internal/metrics"
	"github.com/storyvoice/storyvoice/internal/traces"
)

// Ledger provides credit business logic on top of a Store.
type Ledger struct {
	store    Store
	unitSize int64
	priority []Source
	logger   *slog.Logger
}

// NewLedger creates a credit ledger. unitSize is the number of story text
// characters covered by one credit and must be positive. priority is the lot
// consumption order; pass nil to use DefaultPriority.
func NewLedger(store Store, unitSize int, priority []string, logger *slog.Logger) (*Ledger, error) {
	if unitSize <= 0 {
		return nil, ErrInvalidUnitSize
	}
	p := DefaultPriority
	if len(priority) > 0 {
		p = make([]Source, 0, len(priority))
		for _, s := range priority {
			p = append(p, Source(s))
		}
	}
	return &Ledger{
		store:    store,
		unitSize: int64(unitSize),
		priority: p,
		logger:   logger,
	}, nil
}

// RequiredCredits returns the whole-unit credit cost for a story of the
// given text length. Partial units round up; every job costs at least one
// credit, empty text included.
func (l *Ledger) RequiredCredits(textLength int) int64 {
	if textLength <= 0 {
		return 1
	}
	return (int64(textLength) + l.unitSize - 1) / l.unitSize
}

// Grant creates a new credit lot for the user and records the grant. The
// source must be a known one and the expiry, if set, must be in the future.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, source Source, expiresAt *time.Time, note string) (*Lot, error) {
	ctx, span := traces.StartSpan(ctx, "credits.Grant", traces.UserID(userID), traces.Credits(amount))
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !ValidSource(source) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}

	now := time.Now()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, ErrInvalidExpiry
	}

	lot := &Lot{
		ID:        idgen.WithPrefix("lot_"),
		UserID:    userID,
		Source:    source,
		Amount:    amount,
		Remaining: amount,
		ExpiresAt: expiresAt,
		Note:      note,
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
		Note:      note,
		CreatedAt: now,
	}

	if err := l.store.Grant(ctx, lot, tx); err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}

	metrics.CreditGrantsTotal.WithLabelValues(string(source)).Inc()
	l.refreshBalanceCache(ctx, userID)
	l.logger.Info("credits granted",
		"user_id", userID, "lot_id", lot.ID, "amount", amount, "source", source)
	return lot, nil
}

// Debit charges the user for a job, consuming open lots in priority order.
// Calling it again with the same jobID returns the original transaction
// without charging twice.
func (l *Ledger) Debit(ctx context.Context, userID, jobID string, amount int64) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "credits.Debit",
		traces.UserID(userID), traces.JobID(jobID), traces.Credits(amount))
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := l.store.Debit(ctx, userID, jobID, amount, l.priority)
	if err != nil {
		if IsInsufficient(err) {
			metrics.CreditDebitsTotal.WithLabelValues("insufficient").Inc()
		} else {
			metrics.CreditDebitsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.CreditDebitsTotal.WithLabelValues("ok").Inc()
	l.refreshBalanceCache(ctx, userID)
	l.logger.Info("credits debited",
		"user_id", userID, "job_id", jobID, "amount", tx.Amount, "tx_id", tx.ID)
	return tx, nil
}

// RefundByJob reverses the applied debit for a failed job, restoring each
// consumed lot by the exact amount taken from it. A lot that expired in the
// meantime gets its remaining balance back but stays expired. Idempotent.
func (l *Ledger) RefundByJob(ctx context.Context, userID, jobID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "credits.RefundByJob",
		traces.UserID(userID), traces.JobID(jobID))
	defer span.End()

	tx, err := l.store.RefundByJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	metrics.CreditRefundsTotal.Inc()
	l.refreshBalanceCache(ctx, userID)
	l.logger.Info("credits refunded",
		"user_id", userID, "job_id", jobID, "amount", tx.Amount, "tx_id", tx.ID)
	return tx, nil
}

// ExpireNow zeroes all lots past their expiry, one expire transaction each.
// Run periodically by the background worker.
func (l *Ledger) ExpireNow(ctx context.Context) (int, error) {
	ctx, span := traces.StartSpan(ctx, "credits.ExpireNow")
	defer span.End()

	lots, err := l.store.ExpireLots(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("expire lots: %w", err)
	}
	if len(lots) > 0 {
		users := make(map[string]struct{}, len(lots))
		for _, lot := range lots {
			users[lot.UserID] = struct{}{}
		}
		for userID := range users {
			l.refreshBalanceCache(ctx, userID)
		}
		l.logger.Info("credit lots expired", "count", len(lots))
	}
	return len(lots), nil
}

// Summary returns the user's open balance broken down by source, plus the
// soonest upcoming expiry. The cached balance is reconciled against the lots
// on every read; a mismatch is repaired and counted.
func (l *Ledger) Summary(ctx context.Context, userID string) (*Summary, error) {
	lots, err := l.store.ListLots(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}

	now := time.Now()
	sum := &Summary{
		UserID:   userID,
		BySource: make(map[Source]int64),
	}
	for _, lot := range lots {
		if !lot.Open(now) {
			continue
		}
		sum.Balance += lot.Remaining
		sum.BySource[lot.Source] += lot.Remaining
		if lot.ExpiresAt != nil && (sum.NextExpiry == nil || lot.ExpiresAt.Before(*sum.NextExpiry)) {
			t := *lot.ExpiresAt
			sum.NextExpiry = &t
		}
	}

	l.reconcileBalanceCache(ctx, userID, sum.Balance)
	return sum, nil
}

// Balance returns the user's total open balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	sum, err := l.Summary(ctx, userID)
	if err != nil {
		return 0, err
	}
	return sum.Balance, nil
}

// Lots returns all of the user's lots, consumed and expired ones included.
func (l *Ledger) Lots(ctx context.Context, userID string) ([]*Lot, error) {
	return l.store.ListLots(ctx, userID)
}

// History returns the user's most recent transactions, newest first. An
// empty kind matches every kind. limit is clamped to [1, 100] with a
// default of 20; a negative offset is treated as zero.
func (l *Ledger) History(ctx context.Context, userID string, kind Kind, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.ListTransactions(ctx, userID, kind, limit, offset)
}

// refreshBalanceCache recomputes the user's open balance from lots and
// writes it through. Best effort: the lots stay authoritative, so a failed
// cache write is logged and dropped.
func (l *Ledger) refreshBalanceCache(ctx context.Context, userID string) {
	lots, err := l.store.ListLots(ctx, userID)
	if err != nil {
		l.logger.Warn("balance cache refresh failed", "user_id", userID, "error", err)
		return
	}
	now := time.Now()
	var balance int64
	for _, lot := range lots {
		if lot.Open(now) {
			balance += lot.Remaining
		}
	}
	if err := l.store.SetBalanceCache(ctx, userID, balance); err != nil {
		l.logger.Warn("balance cache write failed", "user_id", userID, "error", err)
	}
}

// reconcileBalanceCache compares the computed balance with the cached one
// and repairs the cache when they disagree.
func (l *Ledger) reconcileBalanceCache(ctx context.Context, userID string, computed int64) {
	cached, ok, err := l.store.GetBalanceCache(ctx, userID)
	if err != nil {
		l.logger.Warn("balance cache read failed", "user_id", userID, "error", err)
		return
	}
	if ok && cached == computed {
		return
	}
	if ok {
		metrics.CreditBalanceCacheMismatches.Inc()
		l.logger.Warn("balance cache mismatch",
			"user_id", userID, "cached", cached, "computed", computed)
	}
	if err := l.store.SetBalanceCache(ctx, userID, computed); err != nil {
		l.logger.Warn("balance cache write failed", "user_id", userID, "error", err)
	}
}
