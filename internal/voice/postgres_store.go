package voice

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed voice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const voiceColumns = `id, user_id, name, provider, remote_voice_id, status,
	sample_key, last_used_at, last_error, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, v *Voice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO voices (id, user_id, name, provider, remote_voice_id, status,
			sample_key, last_used_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, v.ID, v.UserID, v.Name, v.Provider, nullString(v.RemoteVoiceID), string(v.Status),
		v.SampleKey, nullTimePtr(v.LastUsedAt), v.LastError, v.CreatedAt, v.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrRemoteIDConflict
	}
	if err != nil {
		return fmt.Errorf("insert voice: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Voice, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+voiceColumns+` FROM voices WHERE id = $1`, id)
	v, err := scanVoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrVoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voice: %w", err)
	}
	return v, nil
}

func (p *PostgresStore) GetByRemoteID(ctx context.Context, remoteID string) (*Voice, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+voiceColumns+` FROM voices WHERE remote_voice_id = $1`, remoteID)
	v, err := scanVoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrVoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voice by remote id: %w", err)
	}
	return v, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Voice, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+voiceColumns+` FROM voices WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanVoices(rows)
}

// Update persists a voice. The stored status is locked and checked so an
// illegal status move is rejected even when callers race.
func (p *PostgresStore) Update(ctx context.Context, v *Voice) error {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	var current string
	err = dbtx.QueryRowContext(ctx,
		`SELECT status FROM voices WHERE id = $1 FOR UPDATE`, v.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrVoiceNotFound
	}
	if err != nil {
		return fmt.Errorf("lock voice: %w", err)
	}
	if from := AllocationStatus(current); from != v.Status && !CanTransition(from, v.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, v.Status)
	}

	v.UpdatedAt = time.Now()
	_, err = dbtx.ExecContext(ctx, `
		UPDATE voices SET
			name = $2, provider = $3, remote_voice_id = $4, status = $5,
			sample_key = $6, last_used_at = $7, last_error = $8, updated_at = $9
		WHERE id = $1
	`, v.ID, v.Name, v.Provider, nullString(v.RemoteVoiceID), string(v.Status),
		v.SampleKey, nullTimePtr(v.LastUsedAt), v.LastError, v.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrRemoteIDConflict
	}
	if err != nil {
		return fmt.Errorf("update voice: %w", err)
	}
	return dbtx.Commit()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM voices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete voice: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVoiceNotFound
	}
	return nil
}

func (p *PostgresStore) CountActive(ctx context.Context, provider string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM voices
		WHERE provider = $1 AND status IN ('allocating', 'ready', 'cooling')
	`, provider).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) ListActive(ctx context.Context, provider string) ([]*Voice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+voiceColumns+` FROM voices
		WHERE provider = $1 AND status IN ('allocating', 'ready', 'cooling')
		ORDER BY last_used_at ASC NULLS FIRST, id
	`, provider)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanVoices(rows)
}

func (p *PostgresStore) ListReclaimCandidates(ctx context.Context, provider string, idleBefore time.Time, limit int) ([]*Voice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+voiceColumns+` FROM voices
		WHERE provider = $1 AND status IN ('ready', 'cooling')
		  AND (last_used_at IS NULL OR last_used_at < $2)
		ORDER BY last_used_at ASC NULLS FIRST, id
		LIMIT $3
	`, provider, idleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list reclaim candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanVoices(rows)
}

// ClaimSlotLock uses a conditional upsert so only one owner can hold an
// unexpired lock per voice. Claiming again as the same owner extends the TTL.
func (p *PostgresStore) ClaimSlotLock(ctx context.Context, voiceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO voice_slot_locks (voice_id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (voice_id) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE voice_slot_locks.owner = EXCLUDED.owner
		   OR voice_slot_locks.expires_at <= $4
	`, voiceID, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("claim slot lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

func (p *PostgresStore) ReleaseSlotLock(ctx context.Context, voiceID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM voice_slot_locks WHERE voice_id = $1 AND owner = $2
	`, voiceID, owner)
	if err != nil {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e *SlotEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO voice_slot_events (id, voice_id, type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.VoiceID, string(e.Type), e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append slot event: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, voiceID string, limit int) ([]*SlotEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, voice_id, type, detail, created_at
		FROM voice_slot_events WHERE voice_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2
	`, voiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list slot events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SlotEvent
	for rows.Next() {
		var e SlotEvent
		var typ string
		if err := rows.Scan(&e.ID, &e.VoiceID, &typ, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanVoice(row scannable) (*Voice, error) {
	var v Voice
	var status string
	var remoteID sql.NullString
	var lastUsed sql.NullTime
	err := row.Scan(&v.ID, &v.UserID, &v.Name, &v.Provider, &remoteID, &status,
		&v.SampleKey, &lastUsed, &v.LastError, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.Status = AllocationStatus(status)
	v.RemoteVoiceID = remoteID.String
	if lastUsed.Valid {
		t := lastUsed.Time
		v.LastUsedAt = &t
	}
	return &v, nil
}

func scanVoices(rows *sql.Rows) ([]*Voice, error) {
	var result []*Voice
	for rows.Next() {
		v, err := scanVoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
