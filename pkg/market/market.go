package market

import (
	"slices"
	"time"

	"github.com/gridtrade/gridtrade/pkg/types"
)

const (
	// DefaultBasePrice is the reference price in dollars per kWh.
	DefaultBasePrice = 0.20
	// HistoryLimit is the number of price samples retained.
	HistoryLimit = 100

	// fallbackRatio stands in for demand/supply when nothing is offered.
	fallbackRatio  = 2.0
	baseMultiplier = 0.5
	ratioWeight    = 0.8
	minMultiplier  = 0.3
	maxMultiplier  = 3.0
)

// Market owns the clearing price. It is not safe for concurrent use; the
// simulation serialises access to it.
type Market struct {
	basePrice     float64
	currentPrice  float64
	totalSupplyKW float64
	totalDemandKW float64
	history       []types.PricePoint

	now func() time.Time
}

// New creates a market whose current price starts at basePrice.
func New(basePrice float64) *Market {
	return &Market{
		basePrice:    basePrice,
		currentPrice: basePrice,
		history:      make([]types.PricePoint, 0, HistoryLimit),
		now:          time.Now,
	}
}

// Multiplier maps aggregate supply and demand to a price multiplier in
// [0.3, 3.0]. A market with no supply is priced as if demand were twice the
// supply.
func Multiplier(totalSupply, totalDemand float64) float64 {
	ratio := fallbackRatio
	if totalSupply > 0 {
		ratio = totalDemand / totalSupply
	}
	return min(max(baseMultiplier+ratio*ratioWeight, minMultiplier), maxMultiplier)
}

// UpdatePrice recomputes the current price from this tick's aggregate supply
// and demand, records it in the bounded history and returns it.
func (m *Market) UpdatePrice(totalSupply, totalDemand float64) float64 {
	m.totalSupplyKW = totalSupply
	m.totalDemandKW = totalDemand
	m.currentPrice = types.Round(m.basePrice*Multiplier(totalSupply, totalDemand), 4)

	m.history = append(m.history, types.PricePoint{
		Timestamp: m.now().UTC(),
		Price:     m.currentPrice,
	})
	if over := len(m.history) - HistoryLimit; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	return m.currentPrice
}

// CurrentPrice returns the price clearing happens at.
func (m *Market) CurrentPrice() float64 {
	return m.currentPrice
}

// BasePrice returns the immutable reference price.
func (m *Market) BasePrice() float64 {
	return m.basePrice
}

// LatestPrice returns the most recent history sample, if any.
func (m *Market) LatestPrice() (types.PricePoint, bool) {
	if len(m.history) == 0 {
		return types.PricePoint{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the price history, oldest first.
func (m *Market) History() []types.PricePoint {
	return slices.Clone(m.history)
}

// State returns the market section of a snapshot, aggregates rounded to 2
// decimals.
func (m *Market) State() types.MarketState {
	return types.MarketState{
		Timestamp:     m.now().UTC(),
		CurrentPrice:  m.currentPrice,
		TotalSupplyKW: types.Round(m.totalSupplyKW, 2),
		TotalDemandKW: types.Round(m.totalDemandKW, 2),
		BasePrice:     m.basePrice,
	}
}
