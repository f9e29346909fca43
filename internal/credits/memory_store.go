package credits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/storyvoice/storyvoice/internal/idgen"
	"github.com/storyvoice/storyvoice/internal/syncutil"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory credit store for demo/development mode.
// A sharded mutex serializes mutations per user so concurrent debits for
// the same user cannot both observe the same open balance.
type MemoryStore struct {
	lots     map[string]*Lot           // by lot ID
	byUser   map[string][]string       // userID -> lot IDs, insertion order
	txs      map[string]*Transaction   // by tx ID
	txOrder  []string                  // insertion order, oldest first
	byJob    map[string][]*Transaction // jobID -> txs
	balances map[string]int64          // userID -> cached open balance

	userLock syncutil.ShardedMutex
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory credit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lots:     make(map[string]*Lot),
		byUser:   make(map[string][]string),
		txs:      make(map[string]*Transaction),
		byJob:    make(map[string][]*Transaction),
		balances: make(map[string]int64),
	}
}

func (m *MemoryStore) Grant(ctx context.Context, lot *Lot, tx *Transaction) error {
	unlock := m.userLock.Lock(lot.UserID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	lcp := *lot
	m.lots[lot.ID] = &lcp
	m.byUser[lot.UserID] = append(m.byUser[lot.UserID], lot.ID)
	m.recordTx(tx)
	return nil
}

func (m *MemoryStore) GetLot(ctx context.Context, id string) (*Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lot, ok := m.lots[id]
	if !ok {
		return nil, ErrLotNotFound
	}
	cp := *lot
	return &cp, nil
}

func (m *MemoryStore) ListLots(ctx context.Context, userID string) ([]*Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Lot
	for _, id := range m.byUser[userID] {
		cp := *m.lots[id]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID, jobID string, amount int64, priority []Source) (*Transaction, error) {
	unlock := m.userLock.Lock(userID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotency: a job is charged at most once.
	if existing := m.findJobTx(jobID, KindDebit, TxApplied); existing != nil {
		cp := *existing
		return &cp, nil
	}

	now := time.Now()
	var open []*Lot
	for _, id := range m.byUser[userID] {
		if lot := m.lots[id]; lot.Open(now) {
			open = append(open, lot)
		}
	}

	portions, insufficient := planDebit(open, amount, priority)
	if insufficient != nil {
		return nil, insufficient
	}

	for _, p := range portions {
		lot := m.lots[p.LotID]
		lot.Remaining -= p.Amount
		lot.UpdatedAt = now
	}

	tx := &Transaction{
		ID:        idgen.WithPrefix("tx_"),
		UserID:    userID,
		Kind:      KindDebit,
		Status:    TxApplied,
		Amount:    -amount,
		JobID:     jobID,
		Lots:      portions,
		CreatedAt: now,
	}
	m.recordTx(tx)
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) RefundByJob(ctx context.Context, userID, jobID string) (*Transaction, error) {
	unlock := m.userLock.Lock(userID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findJobTx(jobID, KindRefund, TxApplied); existing != nil {
		cp := *existing
		return &cp, nil
	}

	debit := m.findJobTx(jobID, KindDebit, TxApplied)
	if debit == nil {
		return nil, ErrDebitNotFound
	}

	now := time.Now()
	for _, p := range debit.Lots {
		if lot, ok := m.lots[p.LotID]; ok {
			lot.Remaining += p.Amount
			lot.UpdatedAt = now
		}
	}
	debit.Status = TxRefunded

	tx := &Transaction{
		ID:        idgen.WithPrefix("tx_"),
		UserID:    userID,
		Kind:      KindRefund,
		Status:    TxApplied,
		Amount:    -debit.Amount,
		JobID:     jobID,
		Lots:      debit.Lots,
		CreatedAt: now,
	}
	m.recordTx(tx)
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByJob(ctx context.Context, jobID string, kind Kind) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.byJob[jobID] {
		if tx.Kind == kind {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, kind Kind, limit, offset int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	skip := offset
	var result []*Transaction
	for i := len(m.txOrder) - 1; i >= 0 && len(result) < limit; i-- {
		tx := m.txs[m.txOrder[i]]
		if tx.UserID != userID {
			continue
		}
		if kind != "" && tx.Kind != kind {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ExpireLots(ctx context.Context, now time.Time) ([]*Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Deterministic order keeps the expire transactions stable across runs.
	var expired []*Lot
	for _, lot := range m.lots {
		if lot.Expired(now) && lot.Remaining > 0 {
			expired = append(expired, lot)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })

	result := make([]*Lot, 0, len(expired))
	for _, lot := range expired {
		m.recordTx(&Transaction{
			ID:        idgen.WithPrefix("tx_"),
			UserID:    lot.UserID,
			Kind:      KindExpire,
			Status:    TxApplied,
			Amount:    -lot.Remaining,
			LotID:     lot.ID,
			CreatedAt: now,
		})
		lot.Remaining = 0
		lot.UpdatedAt = now
		cp := *lot
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GetBalanceCache(ctx context.Context, userID string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	balance, ok := m.balances[userID]
	return balance, ok, nil
}

func (m *MemoryStore) SetBalanceCache(ctx context.Context, userID string, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[userID] = balance
	return nil
}

// recordTx stores a transaction and indexes it. Caller holds m.mu.
func (m *MemoryStore) recordTx(tx *Transaction) {
	cp := *tx
	m.txs[tx.ID] = &cp
	m.txOrder = append(m.txOrder, tx.ID)
	if tx.JobID != "" {
		m.byJob[tx.JobID] = append(m.byJob[tx.JobID], &cp)
	}
}

// findJobTx returns the stored transaction for a job with the given kind and
// status, or nil. Caller holds m.mu.
func (m *MemoryStore) findJobTx(jobID string, kind Kind, status TxStatus) *Transaction {
	for _, tx := range m.byJob[jobID] {
		if tx.Kind == kind && tx.Status == status {
			return tx
		}
	}
	return nil
}
