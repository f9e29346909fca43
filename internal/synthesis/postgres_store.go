package synthesis

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed synthesis job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, user_id, voice_id, story_id, status, credits_charged,
	artifact_key, error_message, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO synthesis_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, j.ID, j.UserID, j.VoiceID, j.StoryID, j.Status, j.CreditsCharged,
		j.ArtifactKey, j.ErrorMessage, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("insert synthesis job: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM synthesis_jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

func (p *PostgresStore) GetByVoiceStory(ctx context.Context, userID, voiceID, storyID string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM synthesis_jobs
		WHERE user_id = $1 AND voice_id = $2 AND story_id = $3
	`, userID, voiceID, storyID)
	return scanJob(row)
}

func (p *PostgresStore) Update(ctx context.Context, j *Job) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE synthesis_jobs
		SET status = $2, credits_charged = $3, artifact_key = $4,
			error_message = $5, updated_at = NOW()
		WHERE id = $1
	`, j.ID, j.Status, j.CreditsCharged, j.ArtifactKey, j.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update synthesis job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM synthesis_jobs
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list synthesis jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.UserID, &j.VoiceID, &j.StoryID, &j.Status,
		&j.CreditsCharged, &j.ArtifactKey, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan synthesis job: %w", err)
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
