package clearing

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testParty struct {
	id      string
	balance float64
	bought  float64
	sold    float64
}

func (p *testParty) ID() string { return p.id }

func (p *testParty) Settle(deltaMoney, boughtKWH, soldKWH float64) {
	p.balance += deltaMoney
	p.bought += boughtKWH
	p.sold += soldKWH
}

func counterIDs() IDFunc {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("tx-%d", n)
	}
}

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func TestClearSingleSellerSingleBuyer(t *testing.T) {
	seller := &testParty{id: "home_002", balance: 100}
	buyer := &testParty{id: "home_001", balance: 100}

	res := Clear(
		[]Order{{Party: buyer, AmountKWH: 4}},
		[]Order{{Party: seller, AmountKWH: 10}},
		0.20, testNow, counterIDs(),
	)

	require.Len(t, res.Transactions, 1)
	tx := res.Transactions[0]
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, testNow, tx.Timestamp)
	assert.Equal(t, "home_001", tx.BuyerID)
	assert.Equal(t, "home_002", tx.SellerID)
	assert.Equal(t, 4.0, tx.EnergyKWH)
	assert.Equal(t, 0.20, tx.PricePerKWH)
	assert.InDelta(t, 0.8, tx.TotalCost, 1e-12)

	assert.Equal(t, 10.0, res.TotalSupplyKWH)
	assert.Equal(t, 4.0, res.TotalDemandKWH)
	assert.Equal(t, 4.0, res.TradedKWH)
	assert.Equal(t, 6.0, res.TotalSupplyKWH-res.TradedKWH, "seller keeps 6 kWh untraded")

	assert.Equal(t, 4.0, buyer.bought)
	assert.InDelta(t, 99.2, buyer.balance, 1e-12)
	assert.Equal(t, 4.0, seller.sold)
	assert.InDelta(t, 100.8, seller.balance, 1e-12)
}

func TestClearNoCounterparty(t *testing.T) {
	buyer := &testParty{id: "home_001"}

	res := Clear([]Order{{Party: buyer, AmountKWH: 5}}, nil, 0.2, testNow, nil)
	assert.Empty(t, res.Transactions)
	assert.Equal(t, 5.0, res.TotalDemandKWH)
	assert.Zero(t, res.TotalSupplyKWH)
	assert.Zero(t, buyer.balance)

	seller := &testParty{id: "home_002"}
	res = Clear(nil, []Order{{Party: seller, AmountKWH: 3}}, 0.2, testNow, nil)
	assert.Empty(t, res.Transactions)
	assert.Equal(t, 3.0, res.TotalSupplyKWH)
	assert.Zero(t, res.TotalDemandKWH)
}

func TestClearPartialFills(t *testing.T) {
	b1 := &testParty{id: "home_001"}
	b2 := &testParty{id: "home_003"}
	s1 := &testParty{id: "home_002"}
	s2 := &testParty{id: "home_004"}

	// given out of id order; matching must follow id order
	res := Clear(
		[]Order{{Party: b2, AmountKWH: 3}, {Party: b1, AmountKWH: 5}},
		[]Order{{Party: s2, AmountKWH: 4}, {Party: s1, AmountKWH: 2}},
		0.25, testNow, counterIDs(),
	)

	require.Len(t, res.Transactions, 3)
	type pair struct {
		buyer, seller string
		kwh           float64
	}
	var got []pair
	for _, tx := range res.Transactions {
		got = append(got, pair{tx.BuyerID, tx.SellerID, tx.EnergyKWH})
	}
	assert.Equal(t, []pair{
		{"home_001", "home_002", 2},
		{"home_001", "home_004", 3},
		{"home_003", "home_004", 1},
	}, got)

	assert.Equal(t, 6.0, res.TradedKWH)
	assert.Equal(t, 5.0, b1.bought)
	assert.Equal(t, 1.0, b2.bought, "home_003 is only partially served")
	assert.Equal(t, 2.0, s1.sold)
	assert.Equal(t, 4.0, s2.sold)
}

func TestClearSkipsSameParty(t *testing.T) {
	p := &testParty{id: "home_001"}
	other := &testParty{id: "home_002"}

	res := Clear(
		[]Order{{Party: p, AmountKWH: 2}},
		[]Order{{Party: p, AmountKWH: 2}, {Party: other, AmountKWH: 1}},
		0.2, testNow, nil,
	)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "home_002", res.Transactions[0].SellerID)
	for _, tx := range res.Transactions {
		assert.NotEqual(t, tx.BuyerID, tx.SellerID)
	}
}

func TestClearIgnoresEmptyOrdersAndKeepsInputs(t *testing.T) {
	buyer := &testParty{id: "home_001"}
	seller := &testParty{id: "home_002"}
	buys := []Order{{Party: buyer, AmountKWH: 1}, {Party: &testParty{id: "home_000"}, AmountKWH: 0}}
	sells := []Order{{Party: seller, AmountKWH: 3}}

	res := Clear(buys, sells, 0.2, testNow, nil)
	require.Len(t, res.Transactions, 1)
	assert.NotEmpty(t, res.Transactions[0].ID, "default ids are generated")

	assert.Equal(t, 1.0, buys[0].AmountKWH)
	assert.Equal(t, "home_001", buys[0].Party.ID())
	assert.Equal(t, 3.0, sells[0].AmountKWH)
}

func TestClearConservation(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	for round := 0; round < 200; round++ {
		var buys, sells []Order
		parties := map[string]*testParty{}
		n := rng.IntN(25)
		for i := 0; i < n; i++ {
			p := &testParty{id: fmt.Sprintf("home_%03d", i+1)}
			parties[p.id] = p
			amount := rng.Float64() * 0.5
			if rng.IntN(2) == 0 {
				buys = append(buys, Order{Party: p, AmountKWH: amount})
			} else {
				sells = append(sells, Order{Party: p, AmountKWH: amount})
			}
		}

		res := Clear(buys, sells, 0.2, testNow, nil)

		var traded float64
		for _, tx := range res.Transactions {
			require.Greater(t, tx.EnergyKWH, 0.0)
			require.NotEqual(t, tx.BuyerID, tx.SellerID)
			require.InDelta(t, tx.EnergyKWH*tx.PricePerKWH, tx.TotalCost, 1e-12)
			traded += tx.EnergyKWH
		}
		require.InDelta(t, res.TradedKWH, traded, 1e-9)
		require.LessOrEqual(t, traded, min(res.TotalDemandKWH, res.TotalSupplyKWH)+1e-9)
		// greedy matching serves the smaller side in full
		require.InDelta(t, min(res.TotalDemandKWH, res.TotalSupplyKWH), traded, 1e-9)

		for _, o := range buys {
			p := parties[o.Party.ID()]
			require.LessOrEqual(t, p.bought, o.AmountKWH+1e-9)
			require.Zero(t, p.sold)
		}
		for _, o := range sells {
			p := parties[o.Party.ID()]
			require.LessOrEqual(t, p.sold, o.AmountKWH+1e-9)
			require.Zero(t, p.bought)
		}
	}
}
