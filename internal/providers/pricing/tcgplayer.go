package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cardlens/cardlens/internal/domain"
)

// TCGPlayerAdapter queries the sold-listings pricing endpoint.
type TCGPlayerAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTCGPlayerAdapter builds the TCGplayer client.
func NewTCGPlayerAdapter(baseURL, apiKey string, timeout time.Duration) *TCGPlayerAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TCGPlayerAdapter{baseURL: baseURL, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (a *TCGPlayerAdapter) Tag() string { return "tcgplayer" }

type tcgRequest struct {
	ProductName string `json:"productName"`
	SetName     string `json:"setName,omitempty"`
	Number      string `json:"number,omitempty"`
	Rarity      string `json:"rarity,omitempty"`
	WindowDays  int    `json:"windowDays"`
}

type tcgResponse struct {
	Results []struct {
		Price        float64 `json:"price"`
		CurrencyCode string  `json:"currencyCode"`
		OrderDate    string  `json:"orderDate"`
		Condition    string  `json:"condition"`
	} `json:"results"`
}

func (a *TCGPlayerAdapter) FetchComps(ctx context.Context, query domain.PricingQuery) ([]domain.Comp, error) {
	payload, err := json.Marshal(tcgRequest{
		ProductName: query.Name,
		SetName:     query.Set,
		Number:      query.Number,
		Rarity:      query.Rarity,
		WindowDays:  query.WindowDays,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/pricing/sold", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: tcgplayer request: %v", domain.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if err := statusToError("tcgplayer", resp.StatusCode); err != nil {
		return nil, err
	}

	var body tcgResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode tcgplayer response: %v", domain.ErrProviderTransient, err)
	}

	comps := make([]domain.Comp, 0, len(body.Results))
	for _, r := range body.Results {
		soldAt, err := time.Parse(time.RFC3339, r.OrderDate)
		if err != nil {
			continue
		}
		comp := domain.Comp{
			Price:     r.Price,
			Currency:  r.CurrencyCode,
			SoldAt:    soldAt,
			SourceTag: a.Tag(),
		}
		if r.Condition != "" {
			condition := r.Condition
			comp.Condition = &condition
		}
		comps = append(comps, comp)
	}
	return comps, nil
}
