package types

import (
	"slices"
	"time"
)

const (
	FallbackGHI         = 600.0
	FallbackTemperature = 15.0
	FallbackForecastGHI = 400.0
	ForecastHours       = 24
)

// Weather is one sample of environmental input. ForecastGHI holds up to 24
// hourly irradiance values starting at the current hour. Location is the
// time zone the hourly series was indexed in.
type Weather struct {
	Timestamp   time.Time      `json:"timestamp"`
	GHI         float64        `json:"ghi"`
	Temperature float64        `json:"temperature"`
	ForecastGHI []float64      `json:"forecast_ghi"`
	Location    *time.Location `json:"-"`
}

// Hour returns the hour of day of now in the sample's location, so load and
// irradiance follow the same clock. Without a location now is used as is.
func (w Weather) Hour(now time.Time) int {
	if w.Location != nil {
		now = now.In(w.Location)
	}
	return now.Hour()
}

// Clone returns a deep copy so the forecast slice is not shared.
func (w Weather) Clone() Weather {
	w.ForecastGHI = slices.Clone(w.ForecastGHI)
	return w
}

// FallbackWeather is substituted whenever the weather provider fails. The
// sample keeps now's location.
func FallbackWeather(now time.Time) Weather {
	forecast := make([]float64, ForecastHours)
	for i := range forecast {
		forecast[i] = FallbackForecastGHI
	}
	return Weather{
		Timestamp:   now.UTC(),
		GHI:         FallbackGHI,
		Temperature: FallbackTemperature,
		ForecastGHI: forecast,
		Location:    now.Location(),
	}
}
