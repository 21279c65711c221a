package agent

import (
	"log/slog"
	"math/rand/v2"

	"github.com/gridtrade/gridtrade/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
	StrictInvariants = true
}

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

// newTestHousehold builds a household whose current solar output and load are
// set directly so decisions are deterministic.
func newTestHousehold(capacity, level, solarCapacity, solarOutput, consumption float64) *Household {
	h := NewHousehold("home_test", "Home Test", Params{
		SolarCapacityKW:    solarCapacity,
		BatteryCapacityKWH: capacity,
		BatteryLevelKWH:    level,
		MoneyBalance:       100,
	}, testRand())
	h.currentSolarOutputKW = solarOutput
	h.consumptionKW = consumption
	return h
}
