package pricing

import (
	"context"

	"helpmarket/task"
)

// DemandSignal reports whether the market around a task is currently under
// high demand. Real deployments back it with live telemetry.
type DemandSignal interface {
	HighDemand(ctx context.Context, t task.Task) (bool, error)
}

// DemandFunc adapts a function to DemandSignal.
type DemandFunc func(ctx context.Context, t task.Task) (bool, error)

func (f DemandFunc) HighDemand(ctx context.Context, t task.Task) (bool, error) {
	return f(ctx, t)
}

// NoDemand never reports high demand.
var NoDemand DemandSignal = DemandFunc(func(context.Context, task.Task) (bool, error) { return false, nil })

// FixedDemand always returns v.
func FixedDemand(v bool) DemandSignal {
	return DemandFunc(func(context.Context, task.Task) (bool, error) { return v, nil })
}

// OpenTaskCounter is the read side the ratio signal needs: how many tasks in
// a category are open against how many helpers are available for it.
type OpenTaskCounter interface {
	OpenTasks(ctx context.Context, category string) (int, error)
	AvailableHelpers(ctx context.Context, category string) (int, error)
}

// RatioDemand flags high demand when open tasks outnumber available helpers by
// at least threshold.
type RatioDemand struct {
	Counter   OpenTaskCounter
	Threshold float64
}

func (r RatioDemand) HighDemand(ctx context.Context, t task.Task) (bool, error) {
	open, err := r.Counter.OpenTasks(ctx, t.Category)
	if err != nil {
		return false, err
	}
	helpers, err := r.Counter.AvailableHelpers(ctx, t.Category)
	if err != nil {
		return false, err
	}
	if helpers == 0 {
		return open > 0, nil
	}
	return float64(open)/float64(helpers) >= r.Threshold, nil
}
