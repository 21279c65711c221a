// Package simulation drives the household market: it advances ticks, owns the
// run-state and publishes snapshots.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gridtrade/gridtrade/pkg/agent"
	"github.com/gridtrade/gridtrade/pkg/clearing"
	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/market"
	"github.com/gridtrade/gridtrade/pkg/storage"
	"github.com/gridtrade/gridtrade/pkg/types"
	"github.com/gridtrade/gridtrade/pkg/weather"
)

const (
	MinSpeed = 1
	MaxSpeed = 5

	// WeatherRefreshTicks is how often the weather is refetched.
	WeatherRefreshTicks = 10

	TransactionLogLimit     = 50
	RecentTransactionsLimit = 20

	DefaultTickInterval   = 2 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultWeatherTimeout = 10 * time.Second
	defaultArchiveTimeout = 5 * time.Second
)

// Sink receives every snapshot produced by a tick. A failing sink is logged
// and does not affect the others.
type Sink interface {
	Publish(ctx context.Context, snap types.Snapshot) error
}

// PopulationFunc builds the agent population. It is called at construction
// and on every reset.
type PopulationFunc func(rng *rand.Rand, n int) []agent.Policy

// Options configures a Simulation. Zero values select the defaults.
type Options struct {
	Population     int
	Seed           uint64
	WeatherTimeout time.Duration
	TickInterval   time.Duration
	PollInterval   time.Duration

	Weather       weather.Provider
	Storage       storage.Database
	Sinks         []Sink
	NewPopulation PopulationFunc
	NewID         clearing.IDFunc
	Now           func() time.Time
}

// Simulation is the market context: population, market, transaction log and
// run-state. All methods are safe for concurrent use. Ticks and control
// operations are serialised so a control operation lands either before or
// after a tick, never during one.
type Simulation struct {
	mu           sync.Mutex
	state        types.RunState
	speed        int
	tick         int
	agents       []agent.Policy
	market       *market.Market
	transactions []types.Transaction
	weather      *types.Weather

	// weatherLoc is the location of the last fetched sample, reused for
	// fallback samples
	weatherLoc atomic.Pointer[time.Location]

	population     int
	rng            *rand.Rand
	weatherP       weather.Provider
	weatherTimeout time.Duration
	tickInterval   time.Duration
	pollInterval   time.Duration
	db             storage.Database
	sinks          []Sink
	newPopulation  PopulationFunc
	newID          clearing.IDFunc
	now            func() time.Time

	// tickMu serialises ticks, including their weather fetch and publishing,
	// so snapshots leave in tick order. It is never held by readers or control
	// operations.
	tickMu sync.Mutex
}

// Configured registers the simulation flags and returns a Simulation that is
// usable once lflag.Configure has run.
func Configured(wp weather.Provider, db storage.Database, sinks ...Sink) *Simulation {
	population := lflag.String("sim-population", strconv.Itoa(agent.PopulationSize), "Number of households in the market")
	seed := lflag.String("sim-seed", "0", "Seed for the household random source (0 picks a random seed)")
	weatherTimeout := lflag.Duration("weather-timeout", DefaultWeatherTimeout, "Timeout for a single weather fetch")

	s := &Simulation{}
	lflag.Do(func() {
		n, err := strconv.Atoi(*population)
		if err != nil || n <= 0 {
			panic(fmt.Sprintf("invalid sim-population: %q", *population))
		}
		sd, err := strconv.ParseUint(*seed, 10, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid sim-seed: %q", *seed))
		}
		s.init(Options{
			Population:     n,
			Seed:           sd,
			WeatherTimeout: *weatherTimeout,
			Weather:        wp,
			Storage:        db,
			Sinks:          sinks,
		})
	})
	return s
}

// New returns a paused Simulation at tick 0 with a fresh population. No
// weather is fetched until the first tick or RefreshWeather.
func New(opts Options) *Simulation {
	s := &Simulation{}
	s.init(opts)
	return s
}

func (s *Simulation) init(opts Options) {
	if opts.Population <= 0 {
		opts.Population = agent.PopulationSize
	}
	if opts.Seed == 0 {
		opts.Seed = rand.Uint64()
	}
	if opts.WeatherTimeout <= 0 {
		opts.WeatherTimeout = DefaultWeatherTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Storage == nil {
		opts.Storage = storage.Nop{}
	}
	if opts.NewPopulation == nil {
		opts.NewPopulation = agent.NewPopulation
	}
	if opts.NewID == nil {
		opts.NewID = clearing.NewID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s.state = types.RunStatePaused
	s.speed = MinSpeed
	s.market = market.New(market.DefaultBasePrice)
	s.population = opts.Population
	s.rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	s.weatherP = opts.Weather
	s.weatherTimeout = opts.WeatherTimeout
	s.tickInterval = opts.TickInterval
	s.pollInterval = opts.PollInterval
	s.db = opts.Storage
	s.sinks = opts.Sinks
	s.newPopulation = opts.NewPopulation
	s.newID = opts.NewID
	s.now = opts.Now
	s.agents = s.newPopulation(s.rng, s.population)
}

// Start sets the run-state to running.
func (s *Simulation) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.RunStateRunning
	log.Ctx(ctx).InfoContext(ctx, "simulation started", slog.Int("tick", s.tick))
}

// Pause sets the run-state to paused. A tick in progress completes.
func (s *Simulation) Pause(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.RunStatePaused
	log.Ctx(ctx).InfoContext(ctx, "simulation paused", slog.Int("tick", s.tick))
}

// Reset pauses the simulation, zeroes the tick counter, clears the
// transaction log, rebuilds the population and refetches the weather. The
// market and its price history carry over. The weather is fetched before the
// state lock is taken.
func (s *Simulation) Reset(ctx context.Context) {
	w := s.fetchWeather(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.RunStatePaused
	s.tick = 0
	s.transactions = nil
	s.agents = s.newPopulation(s.rng, s.population)
	s.weather = &w
	log.Ctx(ctx).InfoContext(ctx, "simulation reset", slog.Int("agents", len(s.agents)))
}

// SetSpeed clamps n to [MinSpeed, MaxSpeed], stores it and returns the stored
// value.
func (s *Simulation) SetSpeed(ctx context.Context, n int) int {
	n = max(MinSpeed, min(n, MaxSpeed))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed = n
	log.Ctx(ctx).InfoContext(ctx, "simulation speed set", slog.Int("speed", n))
	return n
}

// State returns a snapshot of the current state.
func (s *Simulation) State() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// PriceHistory returns the market's recent price samples, oldest first.
func (s *Simulation) PriceHistory() []types.PricePoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.market.History()
}

// RefreshWeather fetches the weather now, substituting the fallback sample
// on failure.
func (s *Simulation) RefreshWeather(ctx context.Context) types.Weather {
	w := s.fetchWeather(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.weather = &w
	return w.Clone()
}

// fetchWeather asks the provider for a sample under the weather timeout and
// substitutes the fallback sample on failure. It must be called without s.mu
// held.
func (s *Simulation) fetchWeather(ctx context.Context) types.Weather {
	if s.weatherP == nil {
		return s.fallbackWeather()
	}
	fctx, cancel := context.WithTimeout(ctx, s.weatherTimeout)
	defer cancel()

	w, err := s.weatherP.Fetch(fctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch weather, using fallback", slog.Any("error", err))
		return s.fallbackWeather()
	}
	if w.Location != nil {
		s.weatherLoc.Store(w.Location)
	}
	return w
}

func (s *Simulation) fallbackWeather() types.Weather {
	now := s.now()
	if loc := s.weatherLoc.Load(); loc != nil {
		now = now.In(loc)
	}
	return types.FallbackWeather(now)
}

// weatherDueLocked reports whether the next tick must refresh the weather.
func (s *Simulation) weatherDueLocked() bool {
	return s.weather == nil || (s.tick+1)%WeatherRefreshTicks == 0
}

// Tick advances the simulation by one tick regardless of the run-state and
// returns the resulting snapshot after it was published.
func (s *Simulation) Tick(ctx context.Context) types.Snapshot {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	due := s.weatherDueLocked()
	s.mu.Unlock()

	var fetched *types.Weather
	if due {
		w := s.fetchWeather(ctx)
		fetched = &w
	}

	s.mu.Lock()
	snap, res := s.tickLocked(ctx, fetched)
	s.mu.Unlock()

	s.finish(ctx, snap, res)
	return snap
}

// step runs one tick if the simulation is running. It reports whether a tick
// ran and the delay until the next one. A pause that lands while the weather
// is being fetched keeps the fetched sample but skips the tick.
func (s *Simulation) step(ctx context.Context) (bool, time.Duration) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	if s.state != types.RunStateRunning {
		s.mu.Unlock()
		return false, s.pollInterval
	}
	due := s.weatherDueLocked()
	s.mu.Unlock()

	var fetched *types.Weather
	if due {
		w := s.fetchWeather(ctx)
		fetched = &w
	}

	s.mu.Lock()
	if s.state != types.RunStateRunning {
		if fetched != nil {
			s.weather = fetched
		}
		s.mu.Unlock()
		return false, s.pollInterval
	}
	snap, res := s.tickLocked(ctx, fetched)
	interval := s.tickInterval / time.Duration(s.speed)
	s.mu.Unlock()

	s.finish(ctx, snap, res)
	return true, interval
}

type tickResult struct {
	tick         int
	transactions []types.Transaction
	price        types.PricePoint
}

// tickLocked runs one tick with s.mu held. fetched, when not nil, replaces
// the current weather sample before the agents see it.
func (s *Simulation) tickLocked(ctx context.Context, fetched *types.Weather) (types.Snapshot, tickResult) {
	s.tick++
	ctx = log.WithAttrs(ctx, slog.Int("tick", s.tick))

	switch {
	case fetched != nil:
		s.weather = fetched
	case s.weather == nil:
		// the due check covers a missing sample; never fetch under the lock
		w := s.fallbackWeather()
		s.weather = &w
	}
	w := s.weather.Clone()
	now := s.now()

	for _, a := range s.agents {
		a.UpdatePhysicalState(w, now)
	}

	price := s.market.CurrentPrice()
	var buys, sells []clearing.Order
	for _, a := range s.agents {
		intent := a.Decide(price, w.ForecastGHI)
		switch intent.Action {
		case types.ActionBuy:
			buys = append(buys, clearing.Order{Party: a, AmountKWH: intent.AmountKWH})
		case types.ActionSell:
			sells = append(sells, clearing.Order{Party: a, AmountKWH: intent.AmountKWH})
		}
	}

	res := clearing.Clear(buys, sells, price, now, s.newID)
	newPrice := s.market.UpdatePrice(res.TotalSupplyKWH, res.TotalDemandKWH)

	s.transactions = append(s.transactions, res.Transactions...)
	if over := len(s.transactions) - TransactionLogLimit; over > 0 {
		s.transactions = slices.Clone(s.transactions[over:])
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"tick complete",
		slog.Int("buyers", len(buys)),
		slog.Int("sellers", len(sells)),
		slog.Int("trades", len(res.Transactions)),
		slog.Float64("tradedKWH", res.TradedKWH),
		slog.Float64("clearingPrice", price),
		slog.Float64("nextPrice", newPrice),
	)

	latest, _ := s.market.LatestPrice()
	return s.snapshotLocked(), tickResult{
		tick:         s.tick,
		transactions: res.Transactions,
		price:        latest,
	}
}

// finish publishes the snapshot to every sink and archives the tick. Neither
// step can fail the tick. It runs with tickMu held.
func (s *Simulation) finish(ctx context.Context, snap types.Snapshot, res tickResult) {
	ctx = log.WithAttrs(ctx, slog.Int("tick", res.tick))
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, snap); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish snapshot", slog.Any("error", err))
		}
	}

	actx, cancel := context.WithTimeout(ctx, defaultArchiveTimeout)
	defer cancel()
	if len(res.transactions) > 0 {
		if err := s.db.InsertTransactions(actx, res.transactions); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to archive transactions", slog.Any("error", err))
		}
	}
	if !res.price.Timestamp.IsZero() {
		if err := s.db.InsertPrice(actx, res.price); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to archive price", slog.Any("error", err))
		}
	}
}

func (s *Simulation) snapshotLocked() types.Snapshot {
	agents := make([]types.AgentState, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a.State().Rounded())
	}

	recent := s.transactions[max(0, len(s.transactions)-RecentTransactionsLimit):]
	txs := make([]types.Transaction, 0, len(recent))
	for _, tx := range recent {
		txs = append(txs, tx.Rounded())
	}

	var w *types.Weather
	if s.weather != nil {
		c := s.weather.Clone()
		w = &c
	}

	ms := s.market.State()
	ms.Timestamp = s.now().UTC()

	return types.Snapshot{
		IsRunning:          s.state == types.RunStateRunning,
		Speed:              s.speed,
		Tick:               s.tick,
		Weather:            w,
		Market:             ms,
		Agents:             agents,
		RecentTransactions: txs,
	}
}

// Run drives ticks until ctx is done. While running it waits TickInterval
// divided by the speed between ticks; while paused it polls the run-state.
// It returns nil once ctx is cancelled.
func (s *Simulation) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "simulation loop started")
	for {
		_, wait := s.step(ctx)
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "simulation loop stopped")
			return nil
		case <-time.After(wait):
		}
	}
}
