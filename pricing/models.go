package pricing

// Factor is one named multiplicative adjustment applied to a task's base price.
type Factor struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier"`
}

// PriceRange is the surge-adjusted reference price for a task.
type PriceRange struct {
	Base       int64    `json:"base"`
	Adjusted   int64    `json:"adjusted"`
	Multiplier float64  `json:"multiplier"`
	Factors    []Factor `json:"factors"`
}

const (
	FactorUrgency     = "urgency"
	FactorEveningRush = "evening_rush"
	FactorWeekend     = "weekend"
	FactorLateNight   = "late_night"
	FactorHighDemand  = "high_demand"
)
