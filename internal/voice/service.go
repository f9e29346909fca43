package voice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/storyvoice/storyvoice/internal/blob"
	"github.com/storyvoice/storyvoice/internal/idgen"
)

// Deallocator frees a voice's provider slot. Implemented by the slot
// manager; the voice service calls it before deleting a record.
type Deallocator interface {
	Release(ctx context.Context, v *Voice) error
}

// Service provides voice CRUD on top of a Store and a blob store for the
// uploaded samples.
type Service struct {
	store           Store
	blobs           blob.Store
	dealloc         Deallocator
	defaultProvider string
	logger          *slog.Logger
}

// NewService creates a new voice service. dealloc may be nil in tests.
func NewService(store Store, blobs blob.Store, dealloc Deallocator, defaultProvider string, logger *slog.Logger) *Service {
	return &Service{
		store:           store,
		blobs:           blobs,
		dealloc:         dealloc,
		defaultProvider: defaultProvider,
		logger:          logger,
	}
}

// Create stores the uploaded sample and records a new voice. The voice
// starts recorded; no provider call happens until a narration needs it.
func (s *Service) Create(ctx context.Context, userID, name, provider string, sample io.Reader, contentType string) (*Voice, error) {
	if provider == "" {
		provider = s.defaultProvider
	}

	id := idgen.WithPrefix("vc_")
	sampleKey := "samples/" + id
	if err := s.blobs.Put(ctx, sampleKey, contentType, sample); err != nil {
		return nil, fmt.Errorf("store voice sample: %w", err)
	}

	now := time.Now()
	v := &Voice{
		ID:        id,
		UserID:    userID,
		Name:      name,
		Provider:  provider,
		Status:    StatusRecorded,
		SampleKey: sampleKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, v); err != nil {
		_ = s.blobs.Delete(ctx, sampleKey)
		return nil, fmt.Errorf("create voice: %w", err)
	}

	s.logger.Info("voice created", "voice_id", v.ID, "user_id", userID, "provider", provider)
	return v, nil
}

// Get returns a voice by ID.
func (s *Service) Get(ctx context.Context, id string) (*Voice, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns all voices owned by the user.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Voice, error) {
	return s.store.ListByUser(ctx, userID)
}

// Events returns the voice's recent slot events, newest first.
func (s *Service) Events(ctx context.Context, voiceID string, limit int) ([]*SlotEvent, error) {
	return s.store.ListEvents(ctx, voiceID, limit)
}

// Delete removes a voice: the provider slot is released first if held, then
// the sample blob and the record go.
func (s *Service) Delete(ctx context.Context, id string) error {
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if s.dealloc != nil && (v.Status.Active() || v.RemoteVoiceID != "") {
		if err := s.dealloc.Release(ctx, v); err != nil {
			return fmt.Errorf("release slot for voice %s: %w", id, err)
		}
	}

	if v.SampleKey != "" {
		if err := s.blobs.Delete(ctx, v.SampleKey); err != nil {
			s.logger.Warn("delete voice sample failed", "voice_id", id, "error", err)
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("voice deleted", "voice_id", id, "user_id", v.UserID)
	return nil
}
