// Package provider implements the HTTP client for the external sprite
// generation service: a submit call that opens a generation job and a
// poll call that follows it to completion.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/justapithecus/spriteforge/iox"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// errorBodyLimit caps how much of an error response is retained for
// diagnostics.
const errorBodyLimit = 4 << 10

// Config configures the provider client.
type Config struct {
	// BaseURL is the provider API root (required).
	BaseURL string
	// APIKey is the bearer credential (required).
	APIKey string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
}

// Validate checks required configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("provider base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("provider base URL invalid: %w", err)
	}
	if c.APIKey == "" {
		return errors.New("provider API key is required")
	}
	return nil
}

// GenerationRequest is the provider's submit payload.
type GenerationRequest struct {
	// Description is the prompt text.
	Description string `json:"description"`
	// Size is the square canvas dimension in pixels.
	Size int `json:"size"`
	// TextGuidanceScale tunes prompt adherence, when set.
	TextGuidanceScale *float64 `json:"textGuidanceScale,omitempty"`
	// InitImage is an optional base64 reference image.
	InitImage string `json:"initImage,omitempty"`
}

// SubmitResponse identifies the opened generation job.
type SubmitResponse struct {
	// ExternalJobID is the provider's job handle.
	ExternalJobID string `json:"externalJobId"`
	// ETA is the provider's completion estimate in seconds, if given.
	ETA int `json:"eta,omitempty"`
}

// Rotation is one directional frame of a generated character.
type Rotation struct {
	// Direction names the facing (e.g. north, east).
	Direction string `json:"direction"`
	// URL points at the rendered frame, when hosted.
	URL string `json:"url,omitempty"`
	// Base64 carries the frame inline, when not hosted.
	Base64 string `json:"base64,omitempty"`
}

// CharacterData is the completed generation payload.
type CharacterData struct {
	// Rotations is the ordered frame list.
	Rotations []Rotation `json:"rotations"`
	// Width and Height are the intrinsic frame dimensions.
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StatusResponse is one poll observation.
type StatusResponse struct {
	// Progress is the provider-reported percentage, 0-100.
	Progress int `json:"progress"`
	// Status is pending, processing, completed or failed.
	Status string `json:"status"`
	// Error carries the provider's failure description, if failed.
	Error string `json:"error,omitempty"`
	// CharacterData is present once Status is completed.
	CharacterData *CharacterData `json:"characterData,omitempty"`
}

// StatusError is returned for non-2xx provider responses. The status
// code and any Retry-After advice feed retry classification.
type StatusError struct {
	// Code is the HTTP status code.
	Code int
	// Body is a bounded excerpt of the response body.
	Body string
	// Advice is the parsed Retry-After delay, zero when absent.
	Advice time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("provider: unexpected status %d: %s", e.Code, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.Code }

// RetryAfter returns the provider-advised retry delay.
func (e *StatusError) RetryAfter() time.Duration { return e.Advice }

// Client talks to the external generation service.
type Client struct {
	config Config
	client *http.Client
}

// New creates a provider client from the given config.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Submit opens a generation job and returns its external handle.
func (c *Client) Submit(ctx context.Context, req *GenerationRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/generate", body, &out); err != nil {
		return nil, err
	}
	if out.ExternalJobID == "" {
		return nil, errors.New("provider: submit response missing externalJobId")
	}
	return &out, nil
}

// PollStatus fetches the current state of an open generation job.
func (c *Client) PollStatus(ctx context.Context, externalJobID string) (*StatusResponse, error) {
	if externalJobID == "" {
		return nil, errors.New("provider: external job ID is required")
	}

	var out StatusResponse
	path := "/status/" + url.PathEscape(externalJobID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchFrame downloads a hosted rotation frame. Frame URLs are
// pre-signed by the provider, so no credential is attached.
func (c *Client) FetchFrame(ctx context.Context, frameURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, frameURL, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: create frame request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: fetch frame: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: read frame: %w", err)
	}
	return data, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// do performs one request and decodes a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{
			Code:   resp.StatusCode,
			Body:   string(bytes.TrimSpace(excerpt)),
			Advice: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode response: %w", err)
	}
	// Drain any trailing bytes to allow connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
