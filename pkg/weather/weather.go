package weather

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gridtrade/gridtrade/pkg/types"
)

// Provider returns the current irradiance and temperature plus an hourly
// irradiance forecast starting at the current hour.
type Provider interface {
	Fetch(ctx context.Context) (types.Weather, error)
}

// Configured sets up the weather provider based on flags.
func Configured() Provider {
	provider := lflag.String("weather-provider", "open-meteo", "Weather provider to use (available: open-meteo, static)")

	var p struct{ Provider }

	om := configuredOpenMeteo()

	lflag.Do(func() {
		switch *provider {
		case "open-meteo":
			if err := om.Validate(); err != nil {
				panic(fmt.Sprintf("open-meteo validation failed: %v", err))
			}
			p.Provider = om
		case "static":
			p.Provider = NewStatic(types.FallbackWeather(time.Now()))
		default:
			panic(fmt.Sprintf("unknown weather provider: %s", *provider))
		}
	})

	return &p
}

// Static always returns the same weather sample, stamped with the fetch time.
type Static struct {
	mu  sync.Mutex
	w   types.Weather
	err error
	now func() time.Time
}

// NewStatic returns a Static provider serving w.
func NewStatic(w types.Weather) *Static {
	return &Static{w: w.Clone(), now: time.Now}
}

// Set replaces the served sample and error.
func (s *Static) Set(w types.Weather, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w.Clone()
	s.err = err
}

// Fetch implements Provider.
func (s *Static) Fetch(ctx context.Context) (types.Weather, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.Weather{}, s.err
	}
	w := s.w.Clone()
	w.Timestamp = s.now().UTC()
	return w, nil
}
