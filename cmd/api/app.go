package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helpmarket/auth"
	"helpmarket/bidding"
	"helpmarket/config"
	"helpmarket/db"
	"helpmarket/emergency"
	"helpmarket/escrow"
	"helpmarket/helper"
	"helpmarket/metrics"
	"helpmarket/outbox"
	"helpmarket/pricing"
	"helpmarket/schedule"
	"helpmarket/task"
)

type subscriber interface {
	Subscribe(topic string, h outbox.Handler)
}

// app holds the wired services behind one Server.
type app struct {
	server *Server
	tokens *auth.Service
	sched  *schedule.Scheduler
	pool   *pgxpool.Pool
	relay  *outbox.Relay

	tasks      *task.Service
	matching   *bidding.Engine
	escrows    *escrow.Service
	dispatcher *emergency.Dispatcher
}

// newApp wires every component from cfg. With an empty database URL all
// stores live in memory and events flow through an in-process bus.
func newApp(ctx context.Context, cfg config.Config, clock schedule.Clock) (*app, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("api: jwt_secret is required")
	}
	loc, err := time.LoadLocation(cfg.Pricing.Timezone)
	if err != nil {
		return nil, fmt.Errorf("api: pricing timezone: %w", err)
	}
	key, err := cfg.SealingKeyBytes()
	if err != nil {
		return nil, err
	}
	var sealer *bidding.Sealer
	if key == nil {
		log.Printf("api: no sealing_key configured, sealed bids will not survive a restart")
		sealer, err = bidding.NewRandomSealer()
	} else {
		sealer, err = bidding.NewSealer(key)
	}
	if err != nil {
		return nil, fmt.Errorf("api: sealer: %w", err)
	}

	a := &app{
		tokens: auth.NewService(cfg.JWTSecret),
		sched:  schedule.NewScheduler(clock),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		taskRepo      task.Repository
		profiles      helper.ProfileReader
		ledger        bidding.Ledger
		escrowStore   escrow.Store
		dispatchStore emergency.Store
		events        outbox.Writer
		bus           subscriber
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("api: database pool: %w", err)
		}
		a.pool = pool
		taskRepo = task.NewRepository(pool)
		profiles = helper.NewRepository(pool)
		ledger = bidding.NewPGLedger(pool)
		escrowStore = escrow.NewPGStore(pool)
		dispatchStore = emergency.NewPGStore(pool)
		a.relay = outbox.NewRelay(pool, cfg.Outbox.PollInterval)
		events = outbox.NewPGWriter(pool)
		bus = a.relay
	} else {
		dir := helper.NewMemoryDirectory()
		if cfg.HelpersFile != "" {
			dir, err = helper.LoadDirectoryFile(cfg.HelpersFile)
			if err != nil {
				return nil, err
			}
		}
		taskRepo = task.NewMemoryRepository()
		profiles = dir
		memBus := outbox.NewMemoryBus()
		ledger = bidding.NewMemoryLedger().WithOutbox(memBus)
		escrowStore = escrow.NewMemoryStore()
		dispatchStore = emergency.NewMemoryStore()
		events = memBus
		bus = memBus
	}

	helpers := helper.NewService(profiles)
	a.tasks = task.NewService(taskRepo)

	var demand pricing.DemandSignal = pricing.NoDemand
	if cfg.Pricing.DemandRatio > 0 {
		demand = pricing.RatioDemand{
			Counter:   marketCounter{windows: ledger, tasks: a.tasks, helpers: helpers},
			Threshold: cfg.Pricing.DemandRatio,
		}
	}
	prices := pricing.NewEngine(demand).WithLocation(loc).WithClock(a.sched.Now)

	a.matching = bidding.NewEngine(ledger, helpers, prices, sealer, a.sched).
		WithOutbox(events).
		WithMetrics(m).
		WithWindow(cfg.Bidding.Window).
		WithMaxBidRatio(cfg.Bidding.MaxBidRatio)
	a.tasks.WithEscalationHook(a.matching)

	a.escrows = escrow.NewService(escrowStore, a.sched).
		WithArbitration(escrow.NewCaseLog()).
		WithOutbox(events).
		WithMetrics(m).
		WithDefaults(cfg.Escrow.AutoReleaseHours, cfg.Escrow.InsuranceCoverage)
	bus.Subscribe(outbox.TopicBidAccepted, a.escrows.HandleAcceptance)

	a.dispatcher = emergency.NewDispatcher(helpers, prices, dispatchStore, a.sched).
		WithNotifier(emergency.LogNotifier).
		WithOutbox(events).
		WithMetrics(m).
		WithLimits(cfg.Emergency.NotificationTTL, cfg.Emergency.MaxRadiusKm, cfg.Emergency.NotifyConcurrency)

	a.server = &Server{
		taskService:   a.tasks,
		prices:        prices,
		matching:      a.matching,
		escrowService: a.escrows,
		dispatcher:    a.dispatcher,
		tokens:        a.tokens,
		metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}
	return a, nil
}

// restore reloads in-flight windows, escrows and broadcasts and re-arms
// their timers.
func (a *app) restore(ctx context.Context) error {
	windows, err := a.matching.Restore(ctx)
	if err != nil {
		return fmt.Errorf("api: restore windows: %w", err)
	}
	escrows, err := a.escrows.Restore(ctx)
	if err != nil {
		return fmt.Errorf("api: restore escrows: %w", err)
	}
	broadcasts, err := a.dispatcher.Restore(ctx)
	if err != nil {
		return fmt.Errorf("api: restore broadcasts: %w", err)
	}
	log.Printf("api: restored %d windows, %d escrows, %d broadcasts", windows, escrows, broadcasts)
	return nil
}

func (a *app) close() {
	a.sched.Close()
	if a.pool != nil {
		a.pool.Close()
	}
}

// marketCounter feeds the ratio demand signal. Open tasks are those with a
// bidding window still collecting.
type marketCounter struct {
	windows windowLister
	tasks   taskGetter
	helpers availabilityCounter
}

type windowLister interface {
	ListWindows(ctx context.Context, state bidding.WindowState) ([]bidding.Window, error)
}

type taskGetter interface {
	Get(ctx context.Context, id string) (task.Task, error)
}

type availabilityCounter interface {
	CountAvailable(ctx context.Context, category string) (int, error)
}

func (c marketCounter) OpenTasks(ctx context.Context, category string) (int, error) {
	windows, err := c.windows.ListWindows(ctx, bidding.WindowCollecting)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range windows {
		t, err := c.tasks.Get(ctx, w.TaskID)
		if err != nil {
			return 0, fmt.Errorf("api: task for window %s: %w", w.TaskID, err)
		}
		if t.Category == category {
			n++
		}
	}
	return n, nil
}

func (c marketCounter) AvailableHelpers(ctx context.Context, category string) (int, error) {
	return c.helpers.CountAvailable(ctx, category)
}
