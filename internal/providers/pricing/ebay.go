package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cardlens/cardlens/internal/domain"
)

// EbayAdapter queries the marketplace-insights sold-item search.
type EbayAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewEbayAdapter builds the eBay client.
func NewEbayAdapter(baseURL, apiKey string, timeout time.Duration) *EbayAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EbayAdapter{baseURL: baseURL, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (a *EbayAdapter) Tag() string { return "ebay" }

type ebayResponse struct {
	ItemSales []struct {
		LastSoldPrice struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"lastSoldPrice"`
		LastSoldDate string `json:"lastSoldDate"`
		Condition    string `json:"condition"`
		ItemWebURL   string `json:"itemWebUrl"`
	} `json:"itemSales"`
}

func (a *EbayAdapter) FetchComps(ctx context.Context, query domain.PricingQuery) ([]domain.Comp, error) {
	q := strings.TrimSpace(strings.Join([]string{query.Name, query.Set, query.Number}, " "))
	endpoint := fmt.Sprintf("%s/buy/marketplace_insights/v1_beta/item_sales/search?q=%s&days=%d",
		a.baseURL, url.QueryEscape(q), query.WindowDays)

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
		return nil, fmt.Errorf("%w: ebay request: %v", domain.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if err := statusToError("ebay", resp.StatusCode); err != nil {
		return nil, err
	}

	var body ebayResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode ebay response: %v", domain.ErrProviderTransient, err)
	}

	comps := make([]domain.Comp, 0, len(body.ItemSales))
	for _, sale := range body.ItemSales {
		price, err := strconv.ParseFloat(sale.LastSoldPrice.Value, 64)
		if err != nil {
			continue
		}
		soldAt, err := time.Parse(time.RFC3339, sale.LastSoldDate)
		if err != nil {
			continue
		}
		comp := domain.Comp{
			Price:     price,
			Currency:  sale.LastSoldPrice.Currency,
			SoldAt:    soldAt,
			SourceTag: a.Tag(),
		}
		if sale.Condition != "" {
			condition := sale.Condition
			comp.Condition = &condition
		}
		if sale.ItemWebURL != "" {
			u := sale.ItemWebURL
			comp.URL = &u
		}
		comps = append(comps, comp)
	}
	return comps, nil
}

// statusToError maps marketplace HTTP statuses onto error kinds shared
// by all three adapters.
func statusToError(tag string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, tag)
	case status >= 500:
		return fmt.Errorf("%w: %s HTTP %d", domain.ErrProviderTransient, tag, status)
	default:
		return fmt.Errorf("%w: %s HTTP %d", domain.ErrProviderPermanent, tag, status)
	}
}
