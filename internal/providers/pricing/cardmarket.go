package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cardlens/cardlens/internal/domain"
)

// CardmarketAdapter queries the European marketplace article feed.
// Prices come back in EUR; fusion normalizes them.
type CardmarketAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCardmarketAdapter builds the Cardmarket client.
func NewCardmarketAdapter(baseURL, apiKey string, timeout time.Duration) *CardmarketAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CardmarketAdapter{baseURL: baseURL, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (a *CardmarketAdapter) Tag() string { return "cardmarket" }

type cardmarketResponse struct {
	Articles []struct {
		Price    float64 `json:"price"`
		Currency string  `json:"currency"`
		SoldAt   string  `json:"soldAt"`
		Link     string  `json:"link"`
	} `json:"articles"`
}

func (a *CardmarketAdapter) FetchComps(ctx context.Context, query domain.PricingQuery) ([]domain.Comp, error) {
	endpoint := fmt.Sprintf("%s/ws/v2.0/sales?name=%s&set=%s&days=%d",
		a.baseURL, url.QueryEscape(query.Name), url.QueryEscape(query.Set), query.WindowDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: cardmarket request: %v", domain.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if err := statusToError("cardmarket", resp.StatusCode); err != nil {
		return nil, err
	}

	var body cardmarketResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode cardmarket response: %v", domain.ErrProviderTransient, err)
	}

	comps := make([]domain.Comp, 0, len(body.Articles))
	for _, art := range body.Articles {
		soldAt, err := time.Parse(time.RFC3339, art.SoldAt)
		if err != nil {
			continue
		}
		currency := art.Currency
		if currency == "" {
			currency = "EUR"
		}
		comp := domain.Comp{
			Price:     art.Price,
			Currency:  currency,
			SoldAt:    soldAt,
			SourceTag: a.Tag(),
		}
		if art.Link != "" {
			link := art.Link
			comp.URL = &link
		}
		comps = append(comps, comp)
	}
	return comps, nil
}
