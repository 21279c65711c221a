package clearing

import (
	"cmp"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gridtrade/gridtrade/pkg/types"
)

// Party is the side of a trade that can be settled. agent.Policy satisfies it.
type Party interface {
	ID() string
	Settle(deltaMoney, boughtKWH, soldKWH float64)
}

// Order is one buy or sell intent tagged with its owner.
type Order struct {
	Party     Party
	AmountKWH float64
}

// Result is the outcome of clearing a single tick.
type Result struct {
	Transactions []types.Transaction
	// TotalSupplyKWH and TotalDemandKWH are the pre-matching sums of all sell
	// and buy orders. They drive the next price update, not TradedKWH.
	TotalSupplyKWH float64
	TotalDemandKWH float64
	TradedKWH      float64
}

// IDFunc generates transaction ids.
type IDFunc func() string

// NewID is the default IDFunc, a random UUID.
func NewID() string {
	return uuid.NewString()
}

// Clear matches buy orders against sell orders at a single price and settles
// both parties of every trade.
//
// Buyers and sellers are ordered by agent id ascending. For each buyer, every
// seller is visited once in order and the pair trades min(remaining buy,
// remaining sell), so an order can be split across several counterparties.
// Orders with a non-positive amount are ignored. The inputs are not modified.
func Clear(buys, sells []Order, price float64, now time.Time, newID IDFunc) Result {
	if newID == nil {
		newID = NewID
	}

	buyers := sortedOrders(buys)
	sellers := sortedOrders(sells)

	var res Result
	for _, o := range buyers {
		res.TotalDemandKWH += o.AmountKWH
	}
	for _, o := range sellers {
		res.TotalSupplyKWH += o.AmountKWH
	}

	ts := now.UTC()
	for bi := range buyers {
		buyer := &buyers[bi]
		for si := range sellers {
			seller := &sellers[si]
			if buyer.AmountKWH <= 0 {
				break
			}
			if seller.AmountKWH <= 0 || buyer.Party.ID() == seller.Party.ID() {
				continue
			}

			trade := min(buyer.AmountKWH, seller.AmountKWH)
			cost := trade * price
			buyer.Party.Settle(-cost, trade, 0)
			seller.Party.Settle(cost, 0, trade)
			buyer.AmountKWH -= trade
			seller.AmountKWH -= trade
			res.TradedKWH += trade

			res.Transactions = append(res.Transactions, types.Transaction{
				ID:          newID(),
				Timestamp:   ts,
				BuyerID:     buyer.Party.ID(),
				SellerID:    seller.Party.ID(),
				EnergyKWH:   trade,
				PricePerKWH: price,
				TotalCost:   cost,
			})
		}
	}
	return res
}

// sortedOrders copies the positive orders and stable-sorts them by agent id.
func sortedOrders(orders []Order) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.AmountKWH > 0 {
			out = append(out, o)
		}
	}
	slices.SortStableFunc(out, func(a, b Order) int {
		return cmp.Compare(a.Party.ID(), b.Party.ID())
	})
	return out
}
