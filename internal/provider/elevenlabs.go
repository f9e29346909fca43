package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/storyvoice/storyvoice/internal/metrics"
)

// Compile-time check that ElevenLabs implements Adapter.
var _ Adapter = (*ElevenLabs)(nil)

const elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

// ElevenLabs calls the ElevenLabs voice cloning and TTS API.
type ElevenLabs struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewElevenLabs creates an ElevenLabs adapter. baseURL overrides the public
// endpoint for tests; pass "" for production.
func NewElevenLabs(apiKey, baseURL string, timeout time.Duration) *ElevenLabs {
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	return &ElevenLabs{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) CreateVoice(ctx context.Context, name string, sample io.Reader, contentType string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("name", name); err != nil {
		return "", fmt.Errorf("build clone request: %w", err)
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="files"; filename="sample"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return "", fmt.Errorf("build clone request: %w", err)
	}
	if _, err := io.Copy(part, sample); err != nil {
		return "", fmt.Errorf("copy sample: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build clone request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/voices/add", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(e.Name(), "create_voice", "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := e.checkStatus(resp, "create_voice"); err != nil {
		return "", err
	}

	var out struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode clone response: %w", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues(e.Name(), "create_voice", "ok").Inc()
	return out.VoiceID, nil
}

func (e *ElevenLabs) DeleteVoice(ctx context.Context, remoteID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.baseURL+"/voices/"+remoteID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(e.Name(), "delete_voice", "error").Inc()
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Deleting a voice that is already gone frees nothing but is fine.
	if resp.StatusCode == http.StatusNotFound {
		metrics.ProviderCallsTotal.WithLabelValues(e.Name(), "delete_voice", "ok").Inc()
		return nil
	}
	if err := e.checkStatus(resp, "delete_voice"); err != nil {
		return err
	}
	metrics.ProviderCallsTotal.WithLabelValues(e.Name(), "delete_voice", "ok").Inc()
	return nil
}

func (e *ElevenLabs) Synthesize(ctx context.Context, remoteID, text string) (io.ReadCloser, string, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"text":     text,
		"model_id": "eleven_multilingual_v2",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/text-to-speech/"+remoteID, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(e.Name(), "synthesize", "error").Inc()
		return nil, "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if err := e.checkStatus(resp, "synthesize"); err != nil {
		_ = resp.Body.Close()
		return nil, "", err
	}

	metrics.ProviderCallsTotal.WithLabelValues(e.Name(), "synthesize", "ok").Inc()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return resp.Body, contentType, nil
}

// checkStatus maps upstream status codes to the shared sentinel errors.
func (e *ElevenLabs) checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		metrics.ProviderCallsTotal.WithLabelValues(e.Name(), op, "missing").Inc()
		return ErrRemoteVoiceMissing
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.ProviderCallsTotal.WithLabelValues(e.Name(), op, "unavailable").Inc()
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		metrics.ProviderCallsTotal.WithLabelValues(e.Name(), op, "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("elevenlabs %s: status %d: %s", op, resp.StatusCode, body)
	}
}
