package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
)

// ClientConfig configures the HTTP vision client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Client calls the vision provider's annotate endpoint and adapts its
// schema into Features.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient builds an HTTP-backed vision provider.
func NewClient(config ClientConfig) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// annotateRequest asks for both detections in one round trip.
type annotateRequest struct {
	ImageB64 string   `json:"image"`
	Features []string `json:"features"`
}

// annotateResponse is the provider's wire schema.
type annotateResponse struct {
	TextAnnotations []struct {
		Description string  `json:"description"`
		Confidence  float64 `json:"confidence"`
		Bounds      struct {
			X int `json:"x"`
			Y int `json:"y"`
			W int `json:"w"`
			H int `json:"h"`
		} `json:"bounds"`
	} `json:"textAnnotations"`
	ImageProperties struct {
		Width        int     `json:"width"`
		Height       int     `json:"height"`
		HoloVariance float64 `json:"holoVariance"`
		Blur         float64 `json:"blur"`
		Glare        float64 `json:"glare"`
	} `json:"imageProperties"`
	Borders struct {
		Top      float64 `json:"top"`
		Bottom   float64 `json:"bottom"`
		Left     float64 `json:"left"`
		Right    float64 `json:"right"`
		Symmetry float64 `json:"symmetry"`
	} `json:"borders"`
	Typography struct {
		Kerning          []float64 `json:"kerning"`
		Alignment        float64   `json:"alignment"`
		FontSizeVariance float64   `json:"fontSizeVariance"`
	} `json:"typography"`
}

// Analyze submits the image for text and label detection.
func (c *Client) Analyze(ctx context.Context, image []byte) (*Features, error) {
	payload, err := json.Marshal(annotateRequest{
		ImageB64: base64.StdEncoding.EncodeToString(image),
		Features: []string{"TEXT_DETECTION", "LABEL_DETECTION"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal annotate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images:annotate", bytes.NewReader(payload))
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
		return nil, fmt.Errorf("%w: vision request: %v", domain.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: vision provider", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: vision HTTP %d", domain.ErrProviderTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: vision HTTP %d", domain.ErrProviderPermanent, resp.StatusCode)
	}

	var body annotateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode vision response: %v", domain.ErrProviderTransient, err)
	}

	features := adapt(body)

	log.Debug().
		Int("ocr_blocks", len(features.OCR)).
		Dur("duration", time.Since(start)).
		Msg("vision analysis complete")

	return features, nil
}

// adapt converts the wire schema into provider-neutral features.
func adapt(body annotateResponse) *Features {
	features := &Features{
		Borders: domain.Borders{
			Top:      body.Borders.Top,
			Bottom:   body.Borders.Bottom,
			Left:     body.Borders.Left,
			Right:    body.Borders.Right,
			Symmetry: clamp01(body.Borders.Symmetry),
		},
		HoloVariance: clamp01(body.ImageProperties.HoloVariance),
		FontMetrics: domain.FontMetrics{
			Kerning:          body.Typography.Kerning,
			Alignment:        clamp01(body.Typography.Alignment),
			FontSizeVariance: body.Typography.FontSizeVariance,
		},
		Quality: domain.Quality{
			Blur:  body.ImageProperties.Blur,
			Glare: body.ImageProperties.Glare,
		},
		ImageMeta: domain.ImageMeta{
			Width:  body.ImageProperties.Width,
			Height: body.ImageProperties.Height,
		},
	}
	for _, t := range body.TextAnnotations {
		features.OCR = append(features.OCR, domain.OCRBlock{
			Text:       t.Description,
			Confidence: clamp01(t.Confidence),
			BoundingBox: domain.BoundingBox{
				X:      t.Bounds.X,
				Y:      t.Bounds.Y,
				Width:  t.Bounds.W,
				Height: t.Bounds.H,
			},
		})
	}
	return features
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
