// Package provider wraps the upstream voice cloning APIs behind a common
// adapter so the slot manager and synthesis worker never talk HTTP directly.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

var (
	// ErrRemoteVoiceMissing means the provider no longer has the voice;
	// the caller should treat the slot as drifted and re-allocate.
	ErrRemoteVoiceMissing = errors.New("remote voice not found at provider")
	// ErrProviderUnavailable marks transient upstream failures worth
	// retrying (5xx, rate limits, timeouts).
	ErrProviderUnavailable = errors.New("voice provider unavailable")
	ErrUnknownProvider     = errors.New("unknown voice provider")
)

// Adapter is one upstream voice service.
type Adapter interface {
	Name() string
	// CreateVoice clones a voice from a sample and returns the provider's
	// voice ID. This consumes one of the provider's voice slots.
	CreateVoice(ctx context.Context, name string, sample io.Reader, contentType string) (string, error)
	// DeleteVoice frees the provider slot held by remoteID. Deleting an
	// already-missing voice is not an error.
	DeleteVoice(ctx context.Context, remoteID string) error
	// Synthesize renders text with the voice. The caller closes the
	// returned audio stream.
	Synthesize(ctx context.Context, remoteID, text string) (io.ReadCloser, string, error)
}

// Registry holds the configured adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
