package agent

import (
	"fmt"
	"math/rand/v2"
)

// PopulationSize is the number of households in a market.
const PopulationSize = 25

// Ranges households are drawn from at creation.
var (
	SolarCapacityRangeKW    = [2]float64{3.0, 8.0}
	BatteryCapacityRangeKWH = [2]float64{8.0, 15.0}
	BatteryLevelRangeKWH    = [2]float64{4.0, 10.0}
	ConsumptionRangeKW      = [2]float64{0.5, 2.5}
	MoneyBalanceRange       = [2]float64{80.0, 150.0}
)

// NewPopulation creates n households with randomized physical parameters.
// Ids are home_001, home_002, ... and names Home 1, Home 2, ...
func NewPopulation(rng *rand.Rand, n int) []Policy {
	agents := make([]Policy, 0, n)
	for i := 1; i <= n; i++ {
		agents = append(agents, NewHousehold(
			fmt.Sprintf("home_%03d", i),
			fmt.Sprintf("Home %d", i),
			RandomParams(rng),
			rng,
		))
	}
	return agents
}

// RandomParams draws a set of household parameters from the fixed ranges.
func RandomParams(rng *rand.Rand) Params {
	return Params{
		SolarCapacityKW:    uniform(rng, SolarCapacityRangeKW[0], SolarCapacityRangeKW[1]),
		BatteryCapacityKWH: uniform(rng, BatteryCapacityRangeKWH[0], BatteryCapacityRangeKWH[1]),
		BatteryLevelKWH:    uniform(rng, BatteryLevelRangeKWH[0], BatteryLevelRangeKWH[1]),
		ConsumptionKW:      uniform(rng, ConsumptionRangeKW[0], ConsumptionRangeKW[1]),
		MoneyBalance:       uniform(rng, MoneyBalanceRange[0], MoneyBalanceRange[1]),
	}
}
