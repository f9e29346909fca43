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

// Compile-time check that Cartesia implements Adapter.
var _ Adapter = (*Cartesia)(nil)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2024-06-10"
)

// Cartesia calls the Cartesia voice cloning and TTS API.
type Cartesia struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewCartesia creates a Cartesia adapter. baseURL overrides the public
// endpoint for tests; pass "" for production.
func NewCartesia(apiKey, baseURL string, timeout time.Duration) *Cartesia {
	if baseURL == "" {
		baseURL = cartesiaBaseURL
	}
	return &Cartesia{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Cartesia) Name() string { return "cartesia" }

func (c *Cartesia) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	return c.client.Do(req)
}

func (c *Cartesia) CreateVoice(ctx context.Context, name string, sample io.Reader, contentType string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("name", name); err != nil {
		return "", fmt.Errorf("build clone request: %w", err)
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="clip"; filename="sample"`)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/voices/clone", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(c.Name(), "create_voice", "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkStatus(resp, "create_voice"); err != nil {
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode clone response: %w", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues(c.Name(), "create_voice", "ok").Inc()
	return out.ID, nil
}

func (c *Cartesia) DeleteVoice(ctx context.Context, remoteID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/voices/"+remoteID, nil)
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(c.Name(), "delete_voice", "error").Inc()
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		metrics.ProviderCallsTotal.WithLabelValues(c.Name(), "delete_voice", "ok").Inc()
		return nil
	}
	if err := c.checkStatus(resp, "delete_voice"); err != nil {
		return err
	}
	metrics.ProviderCallsTotal.WithLabelValues(c.Name(), "delete_voice", "ok").Inc()
	return nil
}

func (c *Cartesia) Synthesize(ctx context.Context, remoteID, text string) (io.ReadCloser, string, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"model_id":   "sonic-english",
		"transcript": text,
		"voice": map[string]interface{}{
			"mode": "id",
			"id":   remoteID,
		},
		"output_format": map[string]interface{}{
			"container":   "mp3",
			"encoding":    "mp3",
			"sample_rate": 44100,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(c.Name(), "synthesize", "error").Inc()
		return nil, "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if err := c.checkStatus(resp, "synthesize"); err != nil {
		_ = resp.Body.Close()
		return nil, "", err
	}

	metrics.ProviderCallsTotal.WithLabelValues(c.Name(), "synthesize", "ok").Inc()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return resp.Body, contentType, nil
}

func (c *Cartesia) checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		metrics.ProviderCallsTotal.WithLabelValues(c.Name(), op, "missing").Inc()
		return ErrRemoteVoiceMissing
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.ProviderCallsTotal.WithLabelValues(c.Name(), op, "unavailable").Inc()
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		metrics.ProviderCallsTotal.WithLabelValues(c.Name(), op, "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cartesia %s: status %d: %s", op, resp.StatusCode, body)
	}
}
