package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/storyvoice/storyvoice/internal/blob"
	"github.com/storyvoice/storyvoice/internal/credits"
	"github.com/storyvoice/storyvoice/internal/idgen"
	"github.com/storyvoice/storyvoice/internal/provider"
	"github.com/storyvoice/storyvoice/internal/slots"
	"github.com/storyvoice/storyvoice/internal/story"
	"github.com/storyvoice/storyvoice/internal/traces"
	"github.com/storyvoice/storyvoice/internal/voice"
)

// Outcome classifies what Start did with the request.
type Outcome string

const (
	// OutcomeReady means the artifact already exists; nothing was charged.
	OutcomeReady Outcome = "ready"
	// OutcomeProcessing means the voice holds a slot and synthesis is in
	// flight.
	OutcomeProcessing Outcome = "processing"
	// OutcomeAllocatingVoice means the voice is being cloned at the
	// provider; synthesis follows automatically.
	OutcomeAllocatingVoice Outcome = "allocating_voice"
	// OutcomeQueuedForSlot means every slot is taken; the voice waits in
	// line and synthesis follows once it allocates.
	OutcomeQueuedForSlot Outcome = "queued_for_slot"
	// OutcomePaymentRequired means the user's open credits cannot cover
	// the story. Nothing was charged.
	OutcomePaymentRequired Outcome = "payment_required"
	// OutcomeVoiceUnavailable means the voice cannot be activated; the
	// charge was refunded.
	OutcomeVoiceUnavailable Outcome = "voice_unavailable"
)

// StartResult reports the outcome of a synthesis request.
type StartResult struct {
	Outcome       Outcome
	Job           *Job
	ArtifactURL   string
	RemoteVoiceID string
	QueuePosition int
	QueueLength   int
	Required      int64
	Available     int64
	Reason        string
}

// Dispatcher hands synthesis work to the background pool. Implemented by the
// worker package; wired after construction to break the cycle.
type Dispatcher interface {
	DispatchSynthesize(ctx context.Context, jobID string) error
}

// Config holds the orchestrator's timing knobs.
type Config struct {
	// AllocationWaitDeadline bounds how long one worker run waits for a
	// queued or allocating voice before re-dispatching itself.
	AllocationWaitDeadline time.Duration
	// PollInterval is the readiness check cadence inside that wait.
	PollInterval time.Duration
}

// Orchestrator coordinates credits, slots, and the synthesis worker.
type Orchestrator struct {
	jobs     Store
	stories  story.Store
	voices   voice.Store
	ledger   *credits.Ledger
	slots    *slots.Manager
	registry *provider.Registry
	blobs    blob.Store
	dispatch Dispatcher
	cfg      Config
	logger   *slog.Logger
}

// NewOrchestrator creates a synthesis orchestrator. Call SetDispatcher
// before serving requests.
func NewOrchestrator(jobs Store, stories story.Store, voices voice.Store, ledger *credits.Ledger, slotMgr *slots.Manager, registry *provider.Registry, blobs blob.Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.AllocationWaitDeadline <= 0 {
		cfg.AllocationWaitDeadline = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Orchestrator{
		jobs:     jobs,
		stories:  stories,
		voices:   voices,
		ledger:   ledger,
		slots:    slotMgr,
		registry: registry,
		blobs:    blobs,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetDispatcher wires the background task dispatcher.
func (o *Orchestrator) SetDispatcher(d Dispatcher) { o.dispatch = d }

// Start begins (or reports on) synthesis of a story with a voice. Calling
// it repeatedly with the same triple is idempotent: at most one charge, one
// queue entry, and one in-flight synthesis.
func (o *Orchestrator) Start(ctx context.Context, userID, voiceID, storyID string) (*StartResult, error) {
	ctx, span := traces.StartSpan(ctx, "synthesis.Start",
		traces.UserID(userID), traces.VoiceID(voiceID), traces.StoryID(storyID))
	defer span.End()

	v, err := o.voices.Get(ctx, voiceID)
	if err == voice.ErrVoiceNotFound || (err == nil && v.UserID != userID) {
		return nil, voice.ErrVoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	s, err := o.stories.Get(ctx, storyID)
	if err == story.ErrStoryNotFound || (err == nil && s.UserID != userID) {
		return nil, story.ErrStoryNotFound
	}
	if err != nil {
		return nil, err
	}

	required := o.ledger.RequiredCredits(utf8.RuneCountInString(s.Text))

	job, err := o.jobs.GetByVoiceStory(ctx, userID, voiceID, storyID)
	if err != nil && err != ErrJobNotFound {
		return nil, err
	}
	if job == nil {
		// Cheap pre-check, only for brand-new requests, so an unfundable
		// one does not leave a job behind. The debit below is still the
		// authoritative gate, and a job that already ran is served without
		// looking at the current balance: it was paid for when it started.
		if required > 0 {
			available, err := o.ledger.Balance(ctx, userID)
			if err != nil {
				return nil, err
			}
			if available < required {
				return &StartResult{
					Outcome:   OutcomePaymentRequired,
					Required:  required,
					Available: available,
				}, nil
			}
		}
		job, err = o.findOrCreateJob(ctx, userID, voiceID, storyID)
		if err != nil {
			return nil, err
		}
	}
	switch job.Status {
	case StatusReady:
		return &StartResult{
			Outcome:       OutcomeReady,
			Job:           job,
			ArtifactURL:   o.blobs.URL(job.ArtifactKey),
			RemoteVoiceID: v.RemoteVoiceID,
		}, nil
	case StatusProcessing:
		return &StartResult{Outcome: OutcomeProcessing, Job: job, RemoteVoiceID: v.RemoteVoiceID}, nil
	case StatusError:
		// Previous attempt failed and was refunded; start over.
		job.Status = StatusPending
		job.ErrorMessage = ""
		job.ArtifactKey = ""
	}

	// Charge. The ledger is idempotent per job, so a pending job with an
	// applied debit is not charged twice.
	if required > 0 {
		if _, err := o.ledger.Debit(ctx, userID, job.ID, required); err != nil {
			var ice *credits.InsufficientCreditsError
			if errors.As(err, &ice) {
				return &StartResult{
					Outcome:   OutcomePaymentRequired,
					Job:       job,
					Required:  ice.Required,
					Available: ice.Available,
				}, nil
			}
			return nil, fmt.Errorf("debit credits: %w", err)
		}
	}
	job.CreditsCharged = required
	if err := o.jobs.Update(ctx, job); err != nil {
		return nil, err
	}

	ensure, err := o.slots.EnsureActive(ctx, voiceID)
	if err != nil {
		return o.failAndRefund(ctx, job, fmt.Sprintf("voice activation failed: %v", err))
	}

	switch ensure.State {
	case slots.StateReady:
		job.Status = StatusProcessing
		if err := o.jobs.Update(ctx, job); err != nil {
			return nil, err
		}
		if err := o.dispatchJob(ctx, job); err != nil {
			return nil, err
		}
		return &StartResult{
			Outcome:       OutcomeProcessing,
			Job:           job,
			RemoteVoiceID: ensure.Voice.RemoteVoiceID,
		}, nil

	case slots.StateAllocating:
		if err := o.dispatchJob(ctx, job); err != nil {
			return nil, err
		}
		return &StartResult{Outcome: OutcomeAllocatingVoice, Job: job}, nil

	case slots.StateQueued:
		if err := o.dispatchJob(ctx, job); err != nil {
			return nil, err
		}
		return &StartResult{
			Outcome:       OutcomeQueuedForSlot,
			Job:           job,
			QueuePosition: ensure.QueuePosition,
			QueueLength:   ensure.QueueLength,
		}, nil

	default:
		reason := ensure.Reason
		if reason == "" {
			reason = "voice cannot be activated"
		}
		return o.failAndRefund(ctx, job, reason)
	}
}

// GetJob returns the user's job for the voice/story pair.
func (o *Orchestrator) GetJob(ctx context.Context, userID, voiceID, storyID string) (*Job, error) {
	return o.jobs.GetByVoiceStory(ctx, userID, voiceID, storyID)
}

// OpenArtifact opens the rendered audio for a ready job.
func (o *Orchestrator) OpenArtifact(ctx context.Context, j *Job) (io.ReadCloser, string, error) {
	return o.blobs.Get(ctx, j.ArtifactKey)
}

func (o *Orchestrator) findOrCreateJob(ctx context.Context, userID, voiceID, storyID string) (*Job, error) {
	job, err := o.jobs.GetByVoiceStory(ctx, userID, voiceID, storyID)
	if err == nil {
		return job, nil
	}
	if err != ErrJobNotFound {
		return nil, err
	}

	now := time.Now()
	job = &Job{
		ID:        idgen.WithPrefix("job_"),
		UserID:    userID,
		VoiceID:   voiceID,
		StoryID:   storyID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.Create(ctx, job); err == ErrJobExists {
		// Concurrent request created it first.
		return o.jobs.GetByVoiceStory(ctx, userID, voiceID, storyID)
	} else if err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) dispatchJob(ctx context.Context, job *Job) error {
	if o.dispatch == nil {
		return fmt.Errorf("orchestrator has no dispatcher")
	}
	if err := o.dispatch.DispatchSynthesize(ctx, job.ID); err != nil {
		return fmt.Errorf("dispatch synthesis: %w", err)
	}
	return nil
}

func (o *Orchestrator) failAndRefund(ctx context.Context, job *Job, reason string) (*StartResult, error) {
	job.Status = StatusError
	job.ErrorMessage = reason
	if err := o.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	if job.CreditsCharged > 0 {
		if _, err := o.ledger.RefundByJob(ctx, job.UserID, job.ID); err != nil && err != credits.ErrDebitNotFound {
			o.logger.Error("refund after failed start failed",
				"job_id", job.ID, "user_id", job.UserID, "error", err)
		}
	}
	return &StartResult{Outcome: OutcomeVoiceUnavailable, Job: job, Reason: reason}, nil
}
