package credits

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/storyvoice/storyvoice/internal/idgen"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Row locks on the
// user's lots make concurrent debits serialize instead of double-spending.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Grant(ctx context.Context, lot *Lot, tx *Transaction) error {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO credit_lots (id, user_id, source, amount, remaining, expires_at, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, lot.ID, lot.UserID, string(lot.Source), lot.Amount, lot.Remaining,
		nullTime(lot.ExpiresAt), lot.Note, lot.CreatedAt, lot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}

	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (p *PostgresStore) GetLot(ctx context.Context, id string) (*Lot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, source, amount, remaining, expires_at, note, created_at, updated_at
		FROM credit_lots WHERE id = $1
	`, id)

	lot, err := scanLot(row)
	if err == sql.ErrNoRows {
		return nil, ErrLotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lot: %w", err)
	}
	return lot, nil
}

func (p *PostgresStore) ListLots(ctx context.Context, userID string) ([]*Lot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, source, amount, remaining, expires_at, note, created_at, updated_at
		FROM credit_lots WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLots(rows)
}

func (p *PostgresStore) Debit(ctx context.Context, userID, jobID string, amount int64, priority []Source) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	// Idempotency: a job is charged at most once. The partial unique index
	// on (job_id) WHERE kind='debit' AND status='applied' backs this up if
	// two debits race past the check.
	existing, err := getJobTransaction(ctx, dbtx, jobID, KindDebit, TxApplied)
	if err != nil && err != ErrTransactionNotFound {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	rows, err := dbtx.QueryContext(ctx, `
		SELECT id, user_id, source, amount, remaining, expires_at, note, created_at, updated_at
		FROM credit_lots
		WHERE user_id = $1 AND remaining > 0
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY id
		FOR UPDATE
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("lock open lots: %w", err)
	}
	open, err := scanLots(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	portions, insufficient := planDebit(open, amount, priority)
	if insufficient != nil {
		return nil, insufficient
	}

	for _, portion := range portions {
		if _, err := dbtx.ExecContext(ctx, `
			UPDATE credit_lots SET remaining = remaining - $2, updated_at = $3 WHERE id = $1
		`, portion.LotID, portion.Amount, now); err != nil {
			return nil, fmt.Errorf("decrement lot %s: %w", portion.LotID, err)
		}
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
	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) RefundByJob(ctx context.Context, userID, jobID string) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	existing, err := getJobTransaction(ctx, dbtx, jobID, KindRefund, TxApplied)
	if err != nil && err != ErrTransactionNotFound {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	debit, err := getJobTransaction(ctx, dbtx, jobID, KindDebit, TxApplied)
	if err == ErrTransactionNotFound {
		return nil, ErrDebitNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, portion := range debit.Lots {
		if _, err := dbtx.ExecContext(ctx, `
			UPDATE credit_lots SET remaining = remaining + $2, updated_at = $3 WHERE id = $1
		`, portion.LotID, portion.Amount, now); err != nil {
			return nil, fmt.Errorf("restore lot %s: %w", portion.LotID, err)
		}
	}

	if _, err := dbtx.ExecContext(ctx, `
		UPDATE credit_transactions SET status = 'refunded' WHERE id = $1
	`, debit.ID); err != nil {
		return nil, fmt.Errorf("mark debit refunded: %w", err)
	}

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
	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit refund: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) GetTransactionByJob(ctx context.Context, jobID string, kind Kind) (*Transaction, error) {
	return getJobTransaction(ctx, p.db, jobID, kind, "")
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, kind Kind, limit, offset int) ([]*Transaction, error) {
	query := `
		SELECT id, user_id, kind, status, amount, job_id, lot_id, note, created_at
		FROM credit_transactions WHERE user_id = $1`
	args := []interface{}{userID}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, tx := range result {
		if tx.Kind == KindDebit || tx.Kind == KindRefund {
			if tx.Lots, err = loadPortions(ctx, p.db, tx.ID); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func (p *PostgresStore) ExpireLots(ctx context.Context, now time.Time) ([]*Lot, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	rows, err := dbtx.QueryContext(ctx, `
		SELECT id, user_id, source, amount, remaining, expires_at, note, created_at, updated_at
		FROM credit_lots
		WHERE remaining > 0 AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY id
		FOR UPDATE
	`, now)
	if err != nil {
		return nil, fmt.Errorf("lock expired lots: %w", err)
	}
	expired, err := scanLots(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	for _, lot := range expired {
		if _, err := dbtx.ExecContext(ctx, `
			UPDATE credit_lots SET remaining = 0, updated_at = $2 WHERE id = $1
		`, lot.ID, now); err != nil {
			return nil, fmt.Errorf("zero lot %s: %w", lot.ID, err)
		}
		if err := insertTransaction(ctx, dbtx, &Transaction{
			ID:        idgen.WithPrefix("tx_"),
			UserID:    lot.UserID,
			Kind:      KindExpire,
			Status:    TxApplied,
			Amount:    -lot.Remaining,
			LotID:     lot.ID,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
		lot.Remaining = 0
		lot.UpdatedAt = now
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}
	return expired, nil
}

func (p *PostgresStore) GetBalanceCache(ctx context.Context, userID string) (int64, bool, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance FROM credit_balance_cache WHERE user_id = $1
	`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get balance cache: %w", err)
	}
	return balance, true, nil
}

func (p *PostgresStore) SetBalanceCache(ctx context.Context, userID string, balance int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_balance_cache (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()
	`, userID, balance)
	if err != nil {
		return fmt.Errorf("set balance cache: %w", err)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx for shared query helpers.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// getJobTransaction fetches a job's transaction of the given kind, with its
// lot breakdown. An empty status matches any status.
func getJobTransaction(ctx context.Context, q querier, jobID string, kind Kind, status TxStatus) (*Transaction, error) {
	query := `
		SELECT id, user_id, kind, status, amount, job_id, lot_id, note, created_at
		FROM credit_transactions
		WHERE job_id = $1 AND kind = $2`
	args := []interface{}{jobID, string(kind)}
	if status != "" {
		query += ` AND status = $3`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	row := q.QueryRowContext(ctx, query, args...)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job transaction: %w", err)
	}
	if tx.Lots, err = loadPortions(ctx, q, tx.ID); err != nil {
		return nil, err
	}
	return tx, nil
}

func insertTransaction(ctx context.Context, q querier, tx *Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, kind, status, amount, job_id, lot_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tx.ID, tx.UserID, string(tx.Kind), string(tx.Status), tx.Amount,
		nullString(tx.JobID), nullString(tx.LotID), tx.Note, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	for _, portion := range tx.Lots {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO credit_transaction_lots (tx_id, lot_id, amount)
			VALUES ($1, $2, $3)
		`, tx.ID, portion.LotID, portion.Amount); err != nil {
			return fmt.Errorf("insert transaction portion: %w", err)
		}
	}
	return nil
}

func loadPortions(ctx context.Context, q querier, txID string) ([]LotPortion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT lot_id, amount FROM credit_transaction_lots WHERE tx_id = $1 ORDER BY lot_id
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("load transaction portions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var portions []LotPortion
	for rows.Next() {
		var p LotPortion
		if err := rows.Scan(&p.LotID, &p.Amount); err != nil {
			return nil, err
		}
		portions = append(portions, p)
	}
	return portions, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanLot(row scannable) (*Lot, error) {
	var lot Lot
	var source string
	var expiresAt sql.NullTime
	err := row.Scan(&lot.ID, &lot.UserID, &source, &lot.Amount, &lot.Remaining,
		&expiresAt, &lot.Note, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return nil, err
	}
	lot.Source = Source(source)
	if expiresAt.Valid {
		t := expiresAt.Time
		lot.ExpiresAt = &t
	}
	return &lot, nil
}

func scanLots(rows *sql.Rows) ([]*Lot, error) {
	var result []*Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, lot)
	}
	return result, rows.Err()
}

func scanTransaction(row scannable) (*Transaction, error) {
	var tx Transaction
	var kind, status string
	var jobID, lotID sql.NullString
	err := row.Scan(&tx.ID, &tx.UserID, &kind, &status, &tx.Amount,
		&jobID, &lotID, &tx.Note, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Kind = Kind(kind)
	tx.Status = TxStatus(status)
	tx.JobID = jobID.String
	tx.LotID = lotID.String
	return &tx, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
