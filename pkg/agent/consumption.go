package agent

import "math/rand/v2"

type consumptionBand struct {
	min, max float64
}

var (
	peakBand      = consumptionBand{1.5, 3.0}
	daytimeBand   = consumptionBand{0.5, 1.5}
	overnightBand = consumptionBand{0.3, 0.8}
)

const consumptionNoiseKW = 0.2

// bandForHour returns the household load range for a local hour of day.
// Mornings 06-09 and evenings 17-22 are peak, 09-17 is midday, the rest is
// overnight.
func bandForHour(hour int) consumptionBand {
	switch {
	case hour >= 6 && hour < 9, hour >= 17 && hour < 22:
		return peakBand
	case hour >= 9 && hour < 17:
		return daytimeBand
	default:
		return overnightBand
	}
}

// sampleConsumption draws a load in kW for the hour, plus noise. The result is
// never negative.
func sampleConsumption(rng *rand.Rand, hour int) float64 {
	b := bandForHour(hour)
	v := uniform(rng, b.min, b.max) + uniform(rng, -consumptionNoiseKW, consumptionNoiseKW)
	return max(v, 0)
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
