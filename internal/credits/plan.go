package credits

import "sort"

// planDebit computes the per-lot consumption covering amount from the given
// open lots. Lots are consumed by source priority first; within a source,
// soonest expiry wins (lots without an expiry go last), with creation time
// and then ID as tiebreakers so the plan is deterministic.
//
// The input lots must already be filtered to open lots. planDebit does not
// mutate them.
func planDebit(lots []*Lot, amount int64, priority []Source) ([]LotPortion, *InsufficientCreditsError) {
	rank := make(map[Source]int, len(priority))
	for i, s := range priority {
		rank[s] = i
	}
	// Unknown sources sort after every configured one.
	unknown := len(priority)

	ordered := make([]*Lot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		ra, ok := rank[a.Source]
		if !ok {
			ra = unknown
		}
		rb, ok := rank[b.Source]
		if !ok {
			rb = unknown
		}
		if ra != rb {
			return ra < rb
		}
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var available int64
	for _, l := range ordered {
		available += l.Remaining
	}
	if available < amount {
		return nil, &InsufficientCreditsError{Required: amount, Available: available}
	}

	var portions []LotPortion
	left := amount
	for _, l := range ordered {
		if left == 0 {
			break
		}
		take := l.Remaining
		if take > left {
			take = left
		}
		portions = append(portions, LotPortion{LotID: l.ID, Amount: take})
		left -= take
	}
	return portions, nil
}
