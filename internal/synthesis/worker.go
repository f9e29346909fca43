package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storyvoice/storyvoice/internal/credits"
	"github.com/storyvoice/storyvoice/internal/metrics"
	"github.com/storyvoice/storyvoice/internal/provider"
	"github.com/storyvoice/storyvoice/internal/retry"
	"github.com/storyvoice/storyvoice/internal/slots"
	"github.com/storyvoice/storyvoice/internal/story"
	"github.com/storyvoice/storyvoice/internal/traces"
	"github.com/storyvoice/storyvoice/internal/voice"
)

// ProcessJob runs one synthesis attempt on the worker pool. It waits a
// bounded time for the voice slot, renders the audio, and stores the
// artifact. Transient failures are returned for the task runner to retry;
// a voice that stays queued past the wait deadline re-dispatches the job
// instead of failing it.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobID string) error {
	ctx, span := traces.StartSpan(ctx, "synthesis.ProcessJob", traces.JobID(jobID))
	defer span.End()

	job, err := o.jobs.Get(ctx, jobID)
	if err == ErrJobNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != StatusPending && job.Status != StatusProcessing {
		return nil
	}

	s, err := o.stories.Get(ctx, job.StoryID)
	if err == story.ErrStoryNotFound {
		return o.failJob(ctx, job, errors.New("story deleted before synthesis"))
	}
	if err != nil {
		return err
	}

	v, ready, err := o.waitForSlot(ctx, job)
	if err != nil {
		return err
	}
	if !ready {
		// Still queued or allocating. Hand the job back to the pool for a
		// later attempt rather than burning retries on a full fleet.
		o.logger.Info("voice not ready before wait deadline, re-dispatching",
			"job_id", job.ID, "voice_id", job.VoiceID)
		return o.dispatchJob(ctx, job)
	}

	if job.Status != StatusProcessing {
		job.Status = StatusProcessing
		if err := o.jobs.Update(ctx, job); err != nil {
			return err
		}
	}

	adapter, err := o.registry.Get(v.Provider)
	if err != nil {
		return o.failJob(ctx, job, err)
	}

	started := time.Now()
	audio, contentType, err := adapter.Synthesize(ctx, v.RemoteVoiceID, s.Text)
	if err != nil {
		if errors.Is(err, provider.ErrRemoteVoiceMissing) {
			// The provider lost the voice. Release the slot and go back
			// through allocation; the job stays pending.
			if repairErr := o.slots.MarkRemoteMissing(ctx, v.ID); repairErr != nil {
				return repairErr
			}
			job.Status = StatusPending
			if err := o.jobs.Update(ctx, job); err != nil {
				return err
			}
			return o.dispatchJob(ctx, job)
		}
		if errors.Is(err, provider.ErrProviderUnavailable) {
			return err // task runner retries with backoff
		}
		return o.failJob(ctx, job, err)
	}
	defer func() { _ = audio.Close() }()

	job.ArtifactKey = artifactKey(job.ID)
	if err := o.blobs.Put(ctx, job.ArtifactKey, contentType, audio); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}

	job.Status = StatusReady
	job.ErrorMessage = ""
	if err := o.jobs.Update(ctx, job); err != nil {
		return err
	}
	o.touchVoice(ctx, v)

	metrics.SynthesisDuration.Observe(time.Since(started).Seconds())
	metrics.SynthesisJobsTotal.WithLabelValues(string(StatusReady)).Inc()
	o.logger.Info("synthesis complete",
		"job_id", job.ID, "voice_id", v.ID, "story_id", s.ID, "artifact", job.ArtifactKey)
	return nil
}

// FailJob marks the job permanently failed and refunds its charge. The task
// runner calls this when retries are exhausted.
func (o *Orchestrator) FailJob(ctx context.Context, jobID string, cause error) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err == ErrJobNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status == StatusReady || job.Status == StatusError {
		return nil
	}
	return o.failJob(ctx, job, cause)
}

// waitForSlot polls EnsureActive until the voice is ready or the wait
// deadline passes. Returns (voice, true) when ready.
func (o *Orchestrator) waitForSlot(ctx context.Context, job *Job) (*voice.Voice, bool, error) {
	deadline := time.Now().Add(o.cfg.AllocationWaitDeadline)
	for {
		res, err := o.slots.EnsureActive(ctx, job.VoiceID)
		if err == voice.ErrVoiceNotFound {
			return nil, false, o.failJob(ctx, job, errors.New("voice deleted before synthesis"))
		}
		if err != nil {
			return nil, false, err
		}
		switch res.State {
		case slots.StateReady:
			return res.Voice, true, nil
		case slots.StateFailed:
			reason := res.Reason
			if reason == "" {
				reason = "voice allocation failed"
			}
			return nil, false, o.failJob(ctx, job, errors.New(reason))
		}

		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// failJob records the terminal error and refunds the charge. Refunds are
// idempotent in the ledger, so repeated failure signals write nothing new.
func (o *Orchestrator) failJob(ctx context.Context, job *Job, cause error) error {
	job.Status = StatusError
	job.ErrorMessage = cause.Error()
	if err := o.jobs.Update(ctx, job); err != nil {
		return err
	}

	if job.CreditsCharged > 0 {
		if _, err := o.ledger.RefundByJob(ctx, job.UserID, job.ID); err != nil && err != credits.ErrDebitNotFound {
			o.logger.Error("refund for failed job failed",
				"job_id", job.ID, "user_id", job.UserID, "error", err)
		}
	}

	metrics.SynthesisJobsTotal.WithLabelValues(string(StatusError)).Inc()
	o.logger.Warn("synthesis failed",
		"job_id", job.ID, "voice_id", job.VoiceID, "error", cause)
	return retry.Permanent(cause)
}

func (o *Orchestrator) touchVoice(ctx context.Context, v *voice.Voice) {
	now := time.Now()
	v.LastUsedAt = &now
	if err := o.voices.Update(ctx, v); err != nil {
		o.logger.Warn("touch voice failed", "voice_id", v.ID, "error", err)
	}
}

func artifactKey(jobID string) string {
	return "artifacts/" + jobID + ".mp3"
}
