package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
)

// ClientConfig configures the HTTP reasoning client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// Client submits the structured prompt to the reasoning provider and
// parses its JSON verdict.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewClient builds an HTTP-backed reasoning provider.
func NewClient(config ClientConfig) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	model := config.Model
	if model == "" {
		model = "authenticity-v1"
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Model string  `json:"model"`
	Input Request `json:"input"`
}

// Score calls the provider. A malformed or out-of-range answer is a
// transient failure so the caller's retry budget applies before the
// signal-only fallback engages.
func (c *Client) Score(ctx context.Context, request Request) (*Verdict, error) {
	payload, err := json.Marshal(scoreRequest{Model: c.model, Input: request})
	if err != nil {
		return nil, fmt.Errorf("marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reasoning request: %v", domain.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: reasoning provider", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: reasoning HTTP %d", domain.ErrProviderTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: reasoning HTTP %d", domain.ErrProviderPermanent, resp.StatusCode)
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("%w: malformed reasoning output: %v", domain.ErrProviderTransient, err)
	}
	if verdict.Score < 0 || verdict.Score > 1 {
		return nil, fmt.Errorf("%w: reasoning score %.4f outside [0,1]", domain.ErrProviderTransient, verdict.Score)
	}

	log.Debug().
		Float64("score", verdict.Score).
		Dur("duration", time.Since(start)).
		Msg("reasoning verdict received")

	return &verdict, nil
}
