// Package billing turns money into credits: Stripe checkout webhooks become
// add_on lots, and subscribed users receive one monthly lot per calendar
// month.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/storyvoice/storyvoice/internal/credits"
)

// UserLister enumerates known user IDs for the monthly grant sweep.
// Implemented by the auth key store.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Config holds the grant amounts. Zero disables the corresponding grant.
type Config struct {
	InitialCredits int64
	MonthlyCredits int64
}

// Service grants credits from billing events.
type Service struct {
	ledger *credits.Ledger
	users  UserLister
	cfg    Config
	logger *slog.Logger
}

// NewService creates a billing service.
func NewService(ledger *credits.Ledger, users UserLister, cfg Config, logger *slog.Logger) *Service {
	return &Service{ledger: ledger, users: users, cfg: cfg, logger: logger}
}

// GrantInitial gives a new user their starter credits. Granting twice is
// prevented by checking for any prior free lot.
func (s *Service) GrantInitial(ctx context.Context, userID string) error {
	if s.cfg.InitialCredits <= 0 {
		return nil
	}
	lots, err := s.ledger.Lots(ctx, userID)
	if err != nil {
		return err
	}
	for _, lot := range lots {
		if lot.Source == credits.SourceFree && lot.Note == initialNote {
			return nil
		}
	}
	_, err = s.ledger.Grant(ctx, userID, s.cfg.InitialCredits, credits.SourceFree, nil, initialNote)
	return err
}

// GrantMonthly issues this month's lot to every user who has not received
// one yet. Returns how many lots were granted. Safe to run repeatedly.
func (s *Service) GrantMonthly(ctx context.Context) (int, error) {
	if s.cfg.MonthlyCredits <= 0 || s.users == nil {
		return 0, nil
	}
	userIDs, err := s.users.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	now := time.Now()
	granted := 0
	for _, userID := range userIDs {
		ok, err := s.grantMonthlyFor(ctx, userID, now)
		if err != nil {
			s.logger.Error("monthly grant failed", "user_id", userID, "error", err)
			continue
		}
		if ok {
			granted++
		}
	}
	if granted > 0 {
		s.logger.Info("monthly credits granted", "users", granted, "amount", s.cfg.MonthlyCredits)
	}
	return granted, nil
}

func (s *Service) grantMonthlyFor(ctx context.Context, userID string, now time.Time) (bool, error) {
	lots, err := s.ledger.Lots(ctx, userID)
	if err != nil {
		return false, err
	}
	year, month, _ := now.Date()
	for _, lot := range lots {
		ly, lm, _ := lot.CreatedAt.Date()
		if lot.Source == credits.SourceMonthly && ly == year && lm == month {
			return false, nil
		}
	}

	// Monthly credits expire at the end of the next calendar month.
	expires := time.Date(year, month+2, 1, 0, 0, 0, 0, now.Location())
	_, err = s.ledger.Grant(ctx, userID, s.cfg.MonthlyCredits, credits.SourceMonthly, &expires,
		"monthly credits "+now.Format("2006-01"))
	if err != nil {
		return false, err
	}
	return true, nil
}

// GrantPurchase converts a completed checkout into an add_on lot. checkoutID
// keys idempotency: a replayed webhook grants nothing.
func (s *Service) GrantPurchase(ctx context.Context, userID, checkoutID string, amount int64) error {
	if amount <= 0 {
		return credits.ErrInvalidAmount
	}
	note := purchaseNote(checkoutID)
	lots, err := s.ledger.Lots(ctx, userID)
	if err != nil {
		return err
	}
	for _, lot := range lots {
		if lot.Source == credits.SourceAddOn && lot.Note == note {
			s.logger.Info("duplicate checkout webhook ignored",
				"user_id", userID, "checkout_id", checkoutID)
			return nil
		}
	}

	if _, err := s.ledger.Grant(ctx, userID, amount, credits.SourceAddOn, nil, note); err != nil {
		return err
	}
	s.logger.Info("purchase credited",
		"user_id", userID, "checkout_id", checkoutID, "amount", amount)
	return nil
}

const initialNote = "welcome credits"

func purchaseNote(checkoutID string) string {
	return "stripe checkout " + checkoutID
}

// CreditsFromMetadata reads the purchased credit amount from checkout
// metadata.
func CreditsFromMetadata(metadata map[string]string) (int64, error) {
	raw, ok := metadata["credits"]
	if !ok {
		return 0, fmt.Errorf("checkout metadata has no credits field")
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid credits metadata %q: %w", raw, err)
	}
	return amount, nil
}
