// Package story stores the bedtime story texts that get narrated. The
// synthesis orchestrator only needs the text and its length; authoring and
// editing live elsewhere.
package story

import (
	"context"
	"errors"
	"time"
)

var ErrStoryNotFound = errors.New("story not found")

// Story is a narratable text.
type Story struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists stories.
type Store interface {
	Create(ctx context.Context, s *Story) error
	Get(ctx context.Context, id string) (*Story, error)
	ListByUser(ctx context.Context, userID string) ([]*Story, error)
	Delete(ctx context.Context, id string) error
}
