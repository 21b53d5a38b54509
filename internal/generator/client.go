// Package generator talks to the external game generation provider.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/pkg/models"
)

const (
	defaultTimeout = 10 * time.Minute
	generatePath   = "/generate"
)

var (
	ErrGenerationFailed   = errors.New("game generation failed")
	ErrUnsupportedVariant = errors.New("unsupported api variant")
	ErrBaseURLRequired    = errors.New("generator base URL is required")
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a whole generation, including the streamed body.
	Timeout time.Duration
}

// Request is one generation job.
type Request struct {
	Prompt   string
	TargetID string
	Variant  models.APIVariant
}

type apiRequest struct {
	Prompt   string `json:"prompt"`
	TargetID string `json:"targetId"`
}

// Client starts generations on the provider and exposes their event streams.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a provider client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		// No client-level timeout: it would cut the streamed body.
		// The per-generation deadline lives on the request context.
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   8,
			},
		},
	}, nil
}

// endpoint maps an API variant to the provider path.
func endpoint(variant models.APIVariant) (string, error) {
	switch variant {
	case "", models.APIVariantStandard:
		return generatePath, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVariant, variant)
	}
}

// Generate starts a generation and returns its event stream. The caller must
// drain the stream or Close it.
func (c *Client) Generate(ctx context.Context, req Request) (*Stream, error) {
	path, err := endpoint(req.Variant)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(apiRequest{Prompt: req.Prompt, TargetID: req.TargetID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: provider returned %d: %s", ErrGenerationFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	log.Debug().
		Str("targetId", req.TargetID).
		Dur("latency", time.Since(start)).
		Msg("Generation stream opened")

	s := NewStream(resp.Body)
	s.cancel = cancel
	return s, nil
}
