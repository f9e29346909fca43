// Package credits implements the narration credit ledger.
//
// Credits are granted in lots that carry a source and an optional expiry.
// Debits consume from open lots by source priority, then by soonest expiry,
// and record the per-lot breakdown so a failed job can be refunded to the
// exact lots it consumed.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrLotNotFound         = errors.New("credit lot not found")
	ErrTransactionNotFound = errors.New("credit transaction not found")
	ErrDebitNotFound       = errors.New("no applied debit found for job")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidUnitSize     = errors.New("credit unit size must be positive")
	ErrInvalidSource       = errors.New("unknown credit source")
	ErrInvalidExpiry       = errors.New("expiry must be in the future")
)

// Source identifies where a credit lot came from. Debits consume sources
// in priority order so promotional credits burn before paid ones.
type Source string

const (
	SourceEvent    Source = "event"
	SourceMonthly  Source = "monthly"
	SourceReferral Source = "referral"
	SourceAddOn    Source = "add_on"
	SourceFree     Source = "free"
)

// DefaultPriority is the consumption order used when none is configured.
var DefaultPriority = []Source{SourceEvent, SourceMonthly, SourceReferral, SourceAddOn, SourceFree}

// ValidSource reports whether s is one of the known lot sources.
func ValidSource(s Source) bool {
	switch s {
	case SourceEvent, SourceMonthly, SourceReferral, SourceAddOn, SourceFree:
		return true
	}
	return false
}

// Kind classifies a ledger transaction. Transaction amounts are signed by
// kind: credits and refunds are positive, debits and expirations negative.
type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
	KindRefund Kind = "refund"
	KindExpire Kind = "expire"
)

// TxStatus is the lifecycle state of a transaction. Only debits transition;
// every other kind stays applied.
type TxStatus string

const (
	TxApplied  TxStatus = "applied"
	TxRefunded TxStatus = "refunded"
)

// Lot is a grant of credits with its own expiry and remaining balance.
type Lot struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Source    Source     `json:"source"`
	Amount    int64      `json:"amount"`
	Remaining int64      `json:"remaining"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Expired reports whether the lot is past its expiry at the given instant.
func (l *Lot) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Open reports whether the lot can still be consumed at the given instant.
func (l *Lot) Open(now time.Time) bool {
	return l.Remaining > 0 && !l.Expired(now)
}

// LotPortion is the slice of a transaction attributed to one lot.
type LotPortion struct {
	LotID  string `json:"lotId"`
	Amount int64  `json:"amount"`
}

// Transaction is one ledger entry. Debits and refunds carry a JobID and a
// per-lot breakdown; grants and expirations reference a single lot.
type Transaction struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Kind      Kind         `json:"kind"`
	Status    TxStatus     `json:"status"`
	Amount    int64        `json:"amount"`
	JobID     string       `json:"jobId,omitempty"`
	LotID     string       `json:"lotId,omitempty"`
	Lots      []LotPortion `json:"lots,omitempty"`
	Note      string       `json:"note,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Summary is a user's current position across all open lots.
type Summary struct {
	UserID     string           `json:"userId"`
	Balance    int64            `json:"balance"`
	BySource   map[Source]int64 `json:"bySource"`
	NextExpiry *time.Time       `json:"nextExpiry,omitempty"`
}

// InsufficientCreditsError is returned when a debit exceeds the open balance.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// IsInsufficient reports whether err is an InsufficientCreditsError.
func IsInsufficient(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}

// Store persists credit lots and transactions. Debit, RefundByJob, and
// ExpireLots must be atomic and idempotent within each implementation.
type Store interface {
	// Grant inserts a lot and its grant transaction atomically.
	Grant(ctx context.Context, lot *Lot, tx *Transaction) error
	GetLot(ctx context.Context, id string) (*Lot, error)
	ListLots(ctx context.Context, userID string) ([]*Lot, error)

	// Debit consumes amount from the user's open lots in priority order.
	// A repeated call with the same jobID returns the original transaction.
	Debit(ctx context.Context, userID, jobID string, amount int64, priority []Source) (*Transaction, error)

	// RefundByJob restores the applied debit for jobID to its exact lots.
	// A repeated call returns the original refund transaction.
	RefundByJob(ctx context.Context, userID, jobID string) (*Transaction, error)

	GetTransactionByJob(ctx context.Context, jobID string, kind Kind) (*Transaction, error)
	// ListTransactions returns the user's transactions newest first. An
	// empty kind matches every kind; offset skips that many newest entries.
	ListTransactions(ctx context.Context, userID string, kind Kind, limit, offset int) ([]*Transaction, error)

	// ExpireLots zeroes expired lots that still have remaining credits,
	// recording one expire transaction per lot. Returns the zeroed lots.
	ExpireLots(ctx context.Context, now time.Time) ([]*Lot, error)

	// GetBalanceCache reads the user's denormalized open balance. The
	// second return is false when no cache row exists yet.
	GetBalanceCache(ctx context.Context, userID string) (int64, bool, error)
	// SetBalanceCache upserts the user's denormalized open balance.
	SetBalanceCache(ctx context.Context, userID string, balance int64) error
}
