package story

import (
	"context"
	"database/sql"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed story store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Story) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stories (id, user_id, title, text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.UserID, s.Title, s.Text, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Story, error) {
	var s Story
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, text, created_at, updated_at
		FROM stories WHERE id = $1
	`, id).Scan(&s.ID, &s.UserID, &s.Title, &s.Text, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Story, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, title, text, created_at, updated_at
		FROM stories WHERE user_id = $1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Story
	for rows.Next() {
		var s Story
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.Text, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM stories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete story: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStoryNotFound
	}
	return nil
}
