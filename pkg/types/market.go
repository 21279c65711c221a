package types

import "time"

// MarketState is the market portion of a snapshot.
type MarketState struct {
	Timestamp     time.Time `json:"timestamp"`
	CurrentPrice  float64   `json:"current_price"`
	TotalSupplyKW float64   `json:"total_supply_kw"`
	TotalDemandKW float64   `json:"total_demand_kw"`
	BasePrice     float64   `json:"base_price"`
}

// PricePoint is one sample of the market price history.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// Transaction is a single executed trade between two households. It is never
// modified once created.
type Transaction struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	EnergyKWH   float64   `json:"energy_kwh"`
	PricePerKWH float64   `json:"price_per_kwh"`
	TotalCost   float64   `json:"total_cost"`
}

// Rounded returns the transaction as it is presented externally: energy and
// cost to 2 decimals, price to 4.
func (t Transaction) Rounded() Transaction {
	t.EnergyKWH = Round(t.EnergyKWH, 2)
	t.PricePerKWH = Round(t.PricePerKWH, 4)
	t.TotalCost = Round(t.TotalCost, 2)
	return t
}
