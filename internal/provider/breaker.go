package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/storyvoice/storyvoice/internal/circuitbreaker"
)

// breakerAdapter wraps an Adapter with a circuit breaker so a flapping
// upstream is rejected fast instead of burning the call timeout on every
// attempt. Open-circuit rejections surface as ErrProviderUnavailable,
// which the retry path already treats as transient.
type breakerAdapter struct {
	inner   Adapter
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps the adapter with the given circuit breaker, keyed by
// the provider name.
func WithBreaker(inner Adapter, breaker *circuitbreaker.Breaker) Adapter {
	return &breakerAdapter{inner: inner, breaker: breaker}
}

func (b *breakerAdapter) Name() string { return b.inner.Name() }

func (b *breakerAdapter) CreateVoice(ctx context.Context, name string, sample io.Reader, contentType string) (string, error) {
	if !b.breaker.Allow(b.inner.Name()) {
		return "", fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, b.inner.Name())
	}
	remoteID, err := b.inner.CreateVoice(ctx, name, sample, contentType)
	b.record(err)
	return remoteID, err
}

func (b *breakerAdapter) DeleteVoice(ctx context.Context, remoteID string) error {
	if !b.breaker.Allow(b.inner.Name()) {
		return fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, b.inner.Name())
	}
	err := b.inner.DeleteVoice(ctx, remoteID)
	b.record(err)
	return err
}

func (b *breakerAdapter) Synthesize(ctx context.Context, remoteID, text string) (io.ReadCloser, string, error) {
	if !b.breaker.Allow(b.inner.Name()) {
		return nil, "", fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, b.inner.Name())
	}
	audio, contentType, err := b.inner.Synthesize(ctx, remoteID, text)
	b.record(err)
	return audio, contentType, err
}

// record feeds the breaker. Only transient upstream failures count against
// the circuit: a missing remote voice is the provider answering correctly.
func (b *breakerAdapter) record(err error) {
	switch {
	case err == nil, errors.Is(err, ErrRemoteVoiceMissing):
		b.breaker.RecordSuccess(b.inner.Name())
	default:
		b.breaker.RecordFailure(b.inner.Name())
	}
}
