package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/types"
)

// Policy constants. These are fixed for every household.
const (
	PanelEfficiency       = 0.18
	DefaultForecastGHI    = 400.0
	chargeRate            = 0.1
	tradeRate             = 0.1
	maxDischargeOfLevel   = 0.3
	chargeBelowPct        = 0.8
	sellAbovePct          = 0.7
	dischargeAbovePct     = 0.2
	urgentBuyBelowPct     = 0.15
	minSellSurplusKW      = 0.1
	minBuyDeficitKW       = 0.05
	sellAbovePrice        = 0.15
	forecastBuyBelowPrice = 0.25
	cheapBuyBelowPrice    = 0.18
	wattsPerKilowatt      = 1000.0
)

// ErrInvariant is wrapped by every invariant violation.
var ErrInvariant = errors.New("household invariant violated")

// StrictInvariants makes invariant violations panic instead of being logged.
// Tests turn it on so policy bugs surface immediately.
var StrictInvariants = false

// Household is a home with rooftop solar, a battery, and a load. Money
// balance has no floor: households may run an unbounded negative balance.
type Household struct {
	id                 string
	name               string
	solarCapacityKW    float64
	batteryCapacityKWH float64

	batteryLevelKWH      float64
	currentSolarOutputKW float64
	consumptionKW        float64
	moneyBalance         float64
	totalBoughtKWH       float64
	totalSoldKWH         float64
	forecastGHI          []float64

	rng *rand.Rand
}

var _ Policy = (*Household)(nil)

// Params are the physical and financial starting values of a household.
type Params struct {
	SolarCapacityKW    float64
	BatteryCapacityKWH float64
	BatteryLevelKWH    float64
	ConsumptionKW      float64
	MoneyBalance       float64
}

// NewHousehold creates a household with the given parameters. The initial
// battery level is limited to the battery capacity.
func NewHousehold(id, name string, p Params, rng *rand.Rand) *Household {
	return &Household{
		id:                 id,
		name:               name,
		solarCapacityKW:    p.SolarCapacityKW,
		batteryCapacityKWH: p.BatteryCapacityKWH,
		batteryLevelKWH:    min(max(p.BatteryLevelKWH, 0), p.BatteryCapacityKWH),
		consumptionKW:      p.ConsumptionKW,
		moneyBalance:       p.MoneyBalance,
		rng:                rng,
	}
}

// ID implements Policy.
func (h *Household) ID() string {
	return h.id
}

// UpdatePhysicalState implements Policy.
func (h *Household) UpdatePhysicalState(w types.Weather, now time.Time) {
	h.currentSolarOutputKW = solarOutput(w.GHI, h.solarCapacityKW)
	h.consumptionKW = sampleConsumption(h.rng, w.Hour(now))
	h.forecastGHI = slices.Clone(w.ForecastGHI)
}

// Decide implements Policy.
func (h *Household) Decide(marketPrice float64, forecast []float64) types.Intent {
	h.checkInvariants()
	defer h.checkInvariants()

	netEnergy := h.currentSolarOutputKW - h.consumptionKW
	batteryPct := h.batteryPct()
	forecastSolarAvg := h.forecastSolar(forecast)

	if netEnergy > 0 {
		if batteryPct < chargeBelowPct {
			headroom := h.batteryCapacityKWH - h.batteryLevelKWH
			charge := min(netEnergy*chargeRate, headroom)
			if charge >= headroom {
				h.batteryLevelKWH = h.batteryCapacityKWH
			} else {
				h.batteryLevelKWH += charge
			}
			netEnergy -= charge
		}
		if netEnergy > minSellSurplusKW && (marketPrice > sellAbovePrice || batteryPct > sellAbovePct) {
			return types.Intent{Action: types.ActionSell, AmountKWH: netEnergy * tradeRate, Price: marketPrice}
		}
		return types.Hold()
	}

	deficit := -netEnergy
	if batteryPct > dischargeAbovePct && deficit < h.batteryLevelKWH {
		discharge := min(deficit*chargeRate, h.batteryLevelKWH*maxDischargeOfLevel)
		h.batteryLevelKWH -= discharge
		deficit -= discharge
	}
	if deficit > minBuyDeficitKW {
		if forecastSolarAvg > h.consumptionKW && marketPrice < forecastBuyBelowPrice {
			return types.Intent{Action: types.ActionBuy, AmountKWH: deficit * tradeRate, Price: marketPrice}
		}
		if batteryPct < urgentBuyBelowPct || marketPrice < cheapBuyBelowPrice {
			return types.Intent{Action: types.ActionBuy, AmountKWH: deficit * tradeRate, Price: marketPrice}
		}
	}
	return types.Hold()
}

// Settle implements Policy.
func (h *Household) Settle(deltaMoney, boughtKWH, soldKWH float64) {
	h.moneyBalance += deltaMoney
	h.totalBoughtKWH += boughtKWH
	h.totalSoldKWH += soldKWH
	h.checkInvariants()
}

// State implements Policy.
func (h *Household) State() types.AgentState {
	return types.AgentState{
		ID:                   h.id,
		Name:                 h.name,
		SolarCapacityKW:      h.solarCapacityKW,
		BatteryCapacityKWH:   h.batteryCapacityKWH,
		BatteryLevelKWH:      h.batteryLevelKWH,
		CurrentSolarOutputKW: h.currentSolarOutputKW,
		ConsumptionKW:        h.consumptionKW,
		MoneyBalance:         h.moneyBalance,
		TotalEnergyBoughtKWH: h.totalBoughtKWH,
		TotalEnergySoldKWH:   h.totalSoldKWH,
		Status:               types.StatusForBattery(h.batteryPct()),
	}
}

func (h *Household) batteryPct() float64 {
	if h.batteryCapacityKWH <= 0 {
		return 0
	}
	return h.batteryLevelKWH / h.batteryCapacityKWH
}

// forecastSolar is the expected solar output in kW given the mean of the
// forecast irradiance.
func (h *Household) forecastSolar(forecast []float64) float64 {
	avg := DefaultForecastGHI
	if len(forecast) > 0 {
		var sum float64
		for _, v := range forecast {
			sum += v
		}
		avg = sum / float64(len(forecast))
	}
	return solarOutput(avg, h.solarCapacityKW)
}

func solarOutput(ghi, capacityKW float64) float64 {
	return ghi / wattsPerKilowatt * capacityKW * PanelEfficiency
}

func (h *Household) checkInvariants() {
	var err error
	switch {
	case h.batteryLevelKWH < 0 || h.batteryLevelKWH > h.batteryCapacityKWH:
		err = fmt.Errorf("%w: %s battery level %.6f outside [0, %.6f]", ErrInvariant, h.id, h.batteryLevelKWH, h.batteryCapacityKWH)
	case h.totalBoughtKWH < 0 || h.totalSoldKWH < 0:
		err = fmt.Errorf("%w: %s negative energy totals (bought=%.6f sold=%.6f)", ErrInvariant, h.id, h.totalBoughtKWH, h.totalSoldKWH)
	}
	if err == nil {
		return
	}
	if StrictInvariants {
		panic(err)
	}
	ctx := context.Background()
	log.Ctx(ctx).ErrorContext(ctx, "household invariant violated", slog.String("agentID", h.id), slog.Any("error", err))
}
