package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/domain"
)

func TestEbayAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/buy/marketplace_insights/v1_beta/item_sales/search", r.URL.Path)
		assert.Equal(t, "charizard Base Set 4", r.URL.Query().Get("q"))
		assert.Equal(t, "30", r.URL.Query().Get("days"))
		w.Write([]byte(`{"itemSales": [
			{"lastSoldPrice": {"value": "450.00", "currency": "USD"}, "lastSoldDate": "2026-02-20T10:00:00Z", "condition": "Near Mint", "itemWebUrl": "https://ebay.example/1"},
			{"lastSoldPrice": {"value": "not-a-price", "currency": "USD"}, "lastSoldDate": "2026-02-21T10:00:00Z"}
		]}`))
	}))
	defer server.Close()

	adapter := NewEbayAdapter(server.URL, "key", time.Second)
	comps, err := adapter.FetchComps(context.Background(), domain.PricingQuery{Name: "charizard", Set: "Base Set", Number: "4", WindowDays: 30})
	require.NoError(t, err)

	require.Len(t, comps, 1, "unparseable rows are skipped")
	assert.Equal(t, 450.0, comps[0].Price)
	assert.Equal(t, "USD", comps[0].Currency)
	assert.Equal(t, "ebay", comps[0].SourceTag)
	require.NotNil(t, comps[0].Condition)
	assert.Equal(t, "Near Mint", *comps[0].Condition)
}

func TestTCGPlayerAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pricing/sold", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"results": [
			{"price": 425.5, "currencyCode": "USD", "orderDate": "2026-02-22T08:00:00Z", "condition": "Lightly Played"}
		]}`))
	}))
	defer server.Close()

	adapter := NewTCGPlayerAdapter(server.URL, "key", time.Second)
	comps, err := adapter.FetchComps(context.Background(), domain.PricingQuery{Name: "charizard", WindowDays: 30})
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, 425.5, comps[0].Price)
	assert.Equal(t, "tcgplayer", comps[0].SourceTag)
}

func TestCardmarketAdapter_DefaultsToEUR(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"articles": [
			{"price": 390, "soldAt": "2026-02-23T09:00:00Z", "link": "https://cardmarket.example/1"}
		]}`))
	}))
	defer server.Close()

	adapter := NewCardmarketAdapter(server.URL, "key", time.Second)
	comps, err := adapter.FetchComps(context.Background(), domain.PricingQuery{Name: "charizard", WindowDays: 30})
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "EUR", comps[0].Currency)
	assert.Equal(t, "cardmarket", comps[0].SourceTag)
}

func TestAdapters_StatusMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := NewEbayAdapter(server.URL, "key", time.Second)
	_, err := adapter.FetchComps(context.Background(), domain.PricingQuery{Name: "x", WindowDays: 30})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}
