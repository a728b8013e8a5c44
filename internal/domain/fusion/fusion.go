// Package fusion reconciles comparable sales from multiple pricing
// adapters into a single valuation tuple.
package fusion

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
)

// CanonicalCurrency is the currency every comp is normalized into.
const CanonicalCurrency = "USD"

// RateTable maps an ISO currency code onto its canonical-currency
// multiplier. The canonical currency itself maps to 1.
type RateTable map[string]float64

// DefaultRates is the static table used when no live table is supplied.
var DefaultRates = RateTable{
	"USD": 1.0,
	"EUR": 1.08,
	"GBP": 1.27,
	"JPY": 0.0067,
	"CAD": 0.73,
	"AUD": 0.65,
}

// Input carries the fan-out results fusion needs beyond the comps
// themselves: how many adapters were asked and how many answered with
// data, which together scale the confidence.
type Input struct {
	Comps            []domain.Comp
	WindowDays       int
	AsOf             time.Time
	Rates            RateTable
	AdaptersQueried  int
	AdaptersWithData int
}

// Outlier trim bounds relative to the raw median.
const (
	trimLowFactor  = 0.05
	trimHighFactor = 20.0
)

// compsForFull is the comp count at which the count term of the
// confidence saturates at 1.
const compsForFull = 20

// Fuse normalizes, trims and summarizes the comps. An empty surviving
// set yields a no-data result with zero confidence and nil values.
func Fuse(in Input) domain.PricingResult {
	rates := in.Rates
	if len(rates) == 0 {
		rates = DefaultRates
	}
	windowDays := in.WindowDays
	if windowDays < 1 {
		windowDays = 1
	}
	asOf := in.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	cutoff := asOf.AddDate(0, 0, -windowDays)

	type normComp struct {
		price  float64
		soldAt time.Time
		source string
	}

	dropped := 0
	normalized := make([]normComp, 0, len(in.Comps))
	for _, c := range in.Comps {
		rate, ok := rates[strings.ToUpper(c.Currency)]
		if !ok || rate <= 0 {
			dropped++
			continue
		}
		if c.SoldAt.Before(cutoff) || c.SoldAt.After(asOf) {
			continue
		}
		if c.Price <= 0 {
			continue
		}
		normalized = append(normalized, normComp{
			price:  c.Price * rate,
			soldAt: c.SoldAt,
			source: c.SourceTag,
		})
	}
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("comps dropped for unknown currency")
	}

	// Deterministic order regardless of adapter completion order:
	// sold time, then source tag, then price.
	sort.Slice(normalized, func(i, j int) bool {
		a, b := normalized[i], normalized[j]
		if !a.soldAt.Equal(b.soldAt) {
			return a.soldAt.Before(b.soldAt)
		}
		if a.source != b.source {
			return a.source < b.source
		}
		return a.price < b.price
	})

	noData := domain.PricingResult{
		WindowDays: windowDays,
		Confidence: 0,
		Sources:    []string{},
	}
	if len(normalized) == 0 {
		return noData
	}

	rawPrices := make([]float64, len(normalized))
	for i, c := range normalized {
		rawPrices[i] = c.price
	}
	rawMedian := percentile(rawPrices, 0.5)

	kept := normalized[:0]
	for _, c := range normalized {
		if c.price < trimLowFactor*rawMedian || c.price > trimHighFactor*rawMedian {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return noData
	}

	prices := make([]float64, len(kept))
	sources := make([]string, 0, 4)
	seen := map[string]bool{}
	for i, c := range kept {
		prices[i] = c.price
		if !seen[c.source] {
			seen[c.source] = true
			sources = append(sources, c.source)
		}
	}
	sort.Float64s(prices)

	low := percentile(prices, 0.25)
	med := percentile(prices, 0.5)
	high := percentile(prices, 0.75)

	adapterRatio := 0.0
	if in.AdaptersQueried > 0 {
		adapterRatio = float64(in.AdaptersWithData) / float64(in.AdaptersQueried)
	}
	confidence := math.Min(1, float64(len(kept))/compsForFull) * adapterRatio

	return domain.PricingResult{
		ValueLow:    &low,
		ValueMedian: &med,
		ValueHigh:   &high,
		CompsCount:  len(kept),
		WindowDays:  windowDays,
		Confidence:  confidence,
		Sources:     sources,
	}
}

// percentile computes the linearly interpolated p-quantile over sorted
// or unsorted input (it sorts a copy).
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
