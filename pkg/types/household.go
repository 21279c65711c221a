package types

// Status is the self-assessment of a household derived from its battery
// percentage.
type Status string

const (
	StatusSurplus  Status = "surplus"
	StatusDeficit  Status = "deficit"
	StatusBalanced Status = "balanced"
)

// StatusForBattery maps a battery percentage (0..1) onto a Status.
func StatusForBattery(pct float64) Status {
	switch {
	case pct > 0.7:
		return StatusSurplus
	case pct < 0.3:
		return StatusDeficit
	default:
		return StatusBalanced
	}
}

// Action is what a household wants to do on the market this tick.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Intent is a household's requested action for a single tick. It is consumed
// by the clearing engine in the same tick it was produced.
type Intent struct {
	Action    Action  `json:"action"`
	AmountKWH float64 `json:"amount"`
	Price     float64 `json:"price"`
}

// Hold is the zero-volume intent.
func Hold() Intent {
	return Intent{Action: ActionHold}
}

// AgentState is the public view of a household as exposed in snapshots.
type AgentState struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	SolarCapacityKW      float64 `json:"solar_capacity_kw"`
	BatteryCapacityKWH   float64 `json:"battery_capacity_kwh"`
	BatteryLevelKWH      float64 `json:"battery_level_kwh"`
	CurrentSolarOutputKW float64 `json:"current_solar_output_kw"`
	ConsumptionKW        float64 `json:"consumption_kw"`
	MoneyBalance         float64 `json:"money_balance"`
	TotalEnergyBoughtKWH float64 `json:"total_energy_bought_kwh"`
	TotalEnergySoldKWH   float64 `json:"total_energy_sold_kwh"`
	Status               Status  `json:"status"`
}

// Rounded returns a copy with every quantity rounded to 2 decimals.
func (a AgentState) Rounded() AgentState {
	a.SolarCapacityKW = Round(a.SolarCapacityKW, 2)
	a.BatteryCapacityKWH = Round(a.BatteryCapacityKWH, 2)
	a.BatteryLevelKWH = Round(a.BatteryLevelKWH, 2)
	a.CurrentSolarOutputKW = Round(a.CurrentSolarOutputKW, 2)
	a.ConsumptionKW = Round(a.ConsumptionKW, 2)
	a.MoneyBalance = Round(a.MoneyBalance, 2)
	a.TotalEnergyBoughtKWH = Round(a.TotalEnergyBoughtKWH, 2)
	a.TotalEnergySoldKWH = Round(a.TotalEnergySoldKWH, 2)
	return a
}
