// Package pricing computes surge-adjusted reference prices for tasks.
package pricing

import (
	"context"
	"log"
	"math"
	"time"

	"helpmarket/task"
)

var urgencyMultipliers = map[task.Urgency]float64{
	task.UrgencyEmergency: 2.0,
	task.UrgencyUrgent:    1.5,
	task.UrgencyStandard:  1.2,
	task.UrgencyRoutine:   1.0,
}

const (
	eveningRushMultiplier = 1.2
	weekendMultiplier     = 1.15
	lateNightMultiplier   = 1.3
	highDemandMultiplier  = 1.25
)

// Engine is safe for concurrent use; it holds no per-call state.
type Engine struct {
	demand   DemandSignal
	now      func() time.Time
	location *time.Location
}

func NewEngine(demand DemandSignal) *Engine {
	if demand == nil {
		demand = NoDemand
	}
	return &Engine{
		demand:   demand,
		now:      time.Now,
		location: time.UTC,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithLocation sets the zone used to evaluate time-of-day and weekend windows.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	if loc != nil {
		e.location = loc
	}
	return e
}

// ComputePriceRange never fails. A demand lookup error is logged and treated
// as normal demand.
func (e *Engine) ComputePriceRange(ctx context.Context, t task.Task) PriceRange {
	base := t.BudgetMax
	factors := make([]Factor, 0, 5)

	if m, ok := urgencyMultipliers[t.Urgency]; ok && m > 1.0 {
		factors = append(factors, Factor{Name: FactorUrgency, Multiplier: m})
	}

	at := e.now().In(e.location)
	if isEveningRush(at) {
		factors = append(factors, Factor{Name: FactorEveningRush, Multiplier: eveningRushMultiplier})
	}
	if isWeekend(at) {
		factors = append(factors, Factor{Name: FactorWeekend, Multiplier: weekendMultiplier})
	}
	if isLateNight(at) {
		factors = append(factors, Factor{Name: FactorLateNight, Multiplier: lateNightMultiplier})
	}

	high, err := e.demand.HighDemand(ctx, t)
	if err != nil {
		log.Printf("pricing: demand signal for task %s: %v", t.ID, err)
	}
	if high && err == nil {
		factors = append(factors, Factor{Name: FactorHighDemand, Multiplier: highDemandMultiplier})
	}

	multiplier := 1.0
	for _, f := range factors {
		multiplier *= f.Multiplier
	}

	return PriceRange{
		Base:       base,
		Adjusted:   int64(math.Round(float64(base) * multiplier)),
		Multiplier: multiplier,
		Factors:    factors,
	}
}

// Evening rush covers 17:00 to 19:59.
func isEveningRush(t time.Time) bool {
	h := t.Hour()
	return h >= 17 && h < 20
}

func isWeekend(t time.Time) bool {
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}

// Late night covers 22:00 to 04:59.
func isLateNight(t time.Time) bool {
	h := t.Hour()
	return h >= 22 || h < 5
}
