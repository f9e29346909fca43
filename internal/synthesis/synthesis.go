// Package synthesis orchestrates narration rendering: it charges credits,
// secures a voice slot, and drives the background job that produces the
// audio artifact. A failed job refunds the exact credits it charged.
package synthesis

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("synthesis job not found")
	// ErrJobExists is returned by Store.Create when another request already
	// created the job for the same voice and story.
	ErrJobExists = errors.New("synthesis job already exists")
)

// Status is a synthesis job's lifecycle state.
type Status string

const (
	// StatusPending means credits are charged but the voice slot or the
	// worker has not picked the job up yet.
	StatusPending Status = "pending"
	// StatusProcessing means the provider synthesis call is in flight.
	StatusProcessing Status = "processing"
	// StatusReady means the audio artifact is stored and fetchable.
	StatusReady Status = "ready"
	// StatusError means the job failed permanently and was refunded.
	StatusError Status = "error"
)

// Job is one narration request: a story rendered with a voice.
type Job struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	VoiceID        string    `json:"voiceId"`
	StoryID        string    `json:"storyId"`
	Status         Status    `json:"status"`
	CreditsCharged int64     `json:"creditsCharged"`
	ArtifactKey    string    `json:"-"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists synthesis jobs. At most one job exists per
// (user, voice, story) triple.
type Store interface {
	// Create inserts the job, or ErrJobExists when the triple is taken.
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// GetByVoiceStory returns the user's job for the pair, or ErrJobNotFound.
	GetByVoiceStory(ctx context.Context, userID, voiceID, storyID string) (*Job, error)
	Update(ctx context.Context, j *Job) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error)
}
