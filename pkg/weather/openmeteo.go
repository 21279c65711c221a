package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gridtrade/gridtrade/pkg/common"
	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/types"
)

const (
	defaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"
	forecastDays        = 2
)

// OpenMeteo fetches hourly shortwave radiation and temperature from the
// open-meteo forecast API.
type OpenMeteo struct {
	apiURL    string
	latitude  string
	longitude string
	timezone  string
	location  *time.Location
	client    *http.Client
	now       func() time.Time
}

// configuredOpenMeteo registers the open-meteo flags and returns the instance.
func configuredOpenMeteo() *OpenMeteo {
	o := &OpenMeteo{
		client: common.HTTPClient(10 * time.Second),
		now:    time.Now,
	}
	apiURL := lflag.String("weather-api-url", defaultOpenMeteoURL, "URL for the open-meteo forecast API")
	latitude := lflag.String("weather-latitude", "48.4914", "Latitude of the micro-grid")
	longitude := lflag.String("weather-longitude", "9.2103", "Longitude of the micro-grid")
	timezone := lflag.String("weather-timezone", "Europe/Berlin", "IANA timezone used for the hourly series")

	lflag.Do(func() {
		o.apiURL = *apiURL
		o.latitude = *latitude
		o.longitude = *longitude
		o.timezone = *timezone
	})

	return o
}

// NewOpenMeteo returns an OpenMeteo provider. An empty apiURL uses the public
// endpoint.
func NewOpenMeteo(apiURL string, latitude, longitude float64, timezone string, client *http.Client) (*OpenMeteo, error) {
	if apiURL == "" {
		apiURL = defaultOpenMeteoURL
	}
	if client == nil {
		client = common.HTTPClient(10 * time.Second)
	}
	o := &OpenMeteo{
		apiURL:    apiURL,
		latitude:  strconv.FormatFloat(latitude, 'f', -1, 64),
		longitude: strconv.FormatFloat(longitude, 'f', -1, 64),
		timezone:  timezone,
		client:    client,
		now:       time.Now,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the configuration and resolves the timezone.
func (o *OpenMeteo) Validate() error {
	if o.apiURL == "" {
		return fmt.Errorf("weather-api-url is required")
	}
	if _, err := url.Parse(o.apiURL); err != nil {
		return fmt.Errorf("failed to parse weather url (%s): %w", o.apiURL, err)
	}
	lat, err := strconv.ParseFloat(o.latitude, 64)
	if err != nil || lat < -90 || lat > 90 {
		return fmt.Errorf("invalid weather-latitude: %q", o.latitude)
	}
	lon, err := strconv.ParseFloat(o.longitude, 64)
	if err != nil || lon < -180 || lon > 180 {
		return fmt.Errorf("invalid weather-longitude: %q", o.longitude)
	}
	if o.timezone == "" {
		o.timezone = "UTC"
	}
	loc, err := time.LoadLocation(o.timezone)
	if err != nil {
		return fmt.Errorf("failed to load weather timezone (%s): %w", o.timezone, err)
	}
	o.location = loc
	return nil
}

type openMeteoResponse struct {
	Hourly struct {
		Time               []string  `json:"time"`
		ShortwaveRadiation []float64 `json:"shortwave_radiation"`
		Temperature2m      []float64 `json:"temperature_2m"`
	} `json:"hourly"`
}

// Fetch implements Provider. The series starts at local midnight of the
// configured timezone, so the current local hour indexes into it.
func (o *OpenMeteo) Fetch(ctx context.Context) (types.Weather, error) {
	u, err := url.Parse(o.apiURL)
	if err != nil {
		return types.Weather{}, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	params.Set("latitude", o.latitude)
	params.Set("longitude", o.longitude)
	params.Set("hourly", "shortwave_radiation,temperature_2m")
	params.Set("forecast_days", strconv.Itoa(forecastDays))
	params.Set("timezone", o.timezone)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return types.Weather{}, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching weather from open-meteo", slog.String("url", u.String()))

	resp, err := o.client.Do(req)
	if err != nil {
		return types.Weather{}, fmt.Errorf("failed to fetch weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Weather{}, fmt.Errorf("open-meteo api returned status: %d", resp.StatusCode)
	}

	var data openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.Weather{}, fmt.Errorf("failed to decode response: %w", err)
	}

	now := o.now()
	loc := o.location
	if loc == nil {
		loc = time.UTC
	}
	w := parseHourly(data, now.In(loc).Hour())
	w.Timestamp = now.UTC()
	w.Location = loc

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched weather",
		slog.Float64("ghi", w.GHI),
		slog.Float64("temperature", w.Temperature),
		slog.Int("forecastHours", len(w.ForecastGHI)),
	)
	return w, nil
}

// parseHourly picks the sample at hour and the forecast window of up to 24
// hours starting there. Missing irradiance reads as 0 and missing
// temperature as the fallback temperature.
func parseHourly(data openMeteoResponse, hour int) types.Weather {
	ghi := data.Hourly.ShortwaveRadiation
	temps := data.Hourly.Temperature2m

	var w types.Weather
	if hour < len(ghi) {
		w.GHI = ghi[hour]
		end := min(hour+types.ForecastHours, len(ghi))
		w.ForecastGHI = append([]float64{}, ghi[hour:end]...)
	} else {
		w.ForecastGHI = []float64{}
	}
	if hour < len(temps) {
		w.Temperature = temps[hour]
	} else {
		w.Temperature = types.FallbackTemperature
	}
	return w
}
