package types

// RunState is the run-state of the simulation driver.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStatePaused  RunState = "paused"
)

// Snapshot is a point-in-time copy of the whole simulation. Nothing in it is
// shared with the live simulation, so it is safe to hand to any number of
// readers.
type Snapshot struct {
	IsRunning          bool          `json:"is_running"`
	Speed              int           `json:"speed"`
	Tick               int           `json:"tick"`
	Weather            *Weather      `json:"weather"`
	Market             MarketState   `json:"market"`
	Agents             []AgentState  `json:"agents"`
	RecentTransactions []Transaction `json:"recent_transactions"`
}
