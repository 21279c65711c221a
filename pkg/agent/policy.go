package agent

import (
	"time"

	"github.com/gridtrade/gridtrade/pkg/types"
)

// Policy is the narrow surface the simulation needs from a household. The
// only production implementation is Household; tests substitute their own.
type Policy interface {
	// ID returns the immutable agent id.
	ID() string

	// UpdatePhysicalState refreshes solar output and consumption from the
	// current weather. It must run before Decide within a tick.
	UpdatePhysicalState(w types.Weather, now time.Time)

	// Decide returns the agent's intent for this tick. It may charge or
	// discharge the battery as a side effect but touches nothing else.
	Decide(marketPrice float64, forecast []float64) types.Intent

	// Settle applies a matched trade to the agent's balance and totals.
	Settle(deltaMoney, boughtKWH, soldKWH float64)

	// State returns the public, unrounded view of the agent.
	State() types.AgentState
}
