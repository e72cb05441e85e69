package infra

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"helpmarket/bidding"
	"helpmarket/emergency"
	"helpmarket/escrow"
	"helpmarket/helper"
	"helpmarket/outbox"
	"helpmarket/pricing"
	"helpmarket/schedule"
	"helpmarket/task"
)

// Stack is the Postgres-backed service graph the stress actors drive.
type Stack struct {
	Tasks      *task.Service
	Matching   *bidding.Engine
	Escrows    *escrow.Service
	Dispatcher *emergency.Dispatcher
	Relay      *outbox.Relay
	Sched      *schedule.Scheduler

	// Notices counts helper notifications handed to the notifier.
	Notices atomic.Int64
}

// NewStack wires every engine against pool with a real clock. Bidding windows
// last window; the relay polls every poll.
func NewStack(pool *pgxpool.Pool, window, poll time.Duration) (*Stack, error) {
	sealer, err := bidding.NewRandomSealer()
	if err != nil {
		return nil, err
	}
	s := &Stack{
		Sched: schedule.NewScheduler(nil),
		Relay: outbox.NewRelay(pool, poll),
	}
	events := outbox.NewPGWriter(pool)
	helpers := helper.NewService(helper.NewRepository(pool))
	prices := pricing.NewEngine(pricing.NoDemand).WithClock(s.Sched.Now)

	s.Tasks = task.NewService(task.NewRepository(pool))
	s.Matching = bidding.NewEngine(bidding.NewPGLedger(pool), helpers, prices, sealer, s.Sched).
		WithOutbox(events).
		WithWindow(window)
	s.Tasks.WithEscalationHook(s.Matching)

	s.Escrows = escrow.NewService(escrow.NewPGStore(pool), s.Sched).
		WithArbitration(escrow.NewCaseLog()).
		WithOutbox(events)
	s.Relay.Subscribe(outbox.TopicBidAccepted, s.Escrows.HandleAcceptance)

	s.Dispatcher = emergency.NewDispatcher(helpers, prices, emergency.NewPGStore(pool), s.Sched).
		WithOutbox(events).
		WithNotifier(emergency.NotifierFunc(func(context.Context, emergency.Notice) error {
			s.Notices.Add(1)
			return nil
		}))
	return s, nil
}

func (s *Stack) Close() {
	s.Sched.Close()
}
