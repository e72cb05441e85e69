// Package emergency fans emergency tasks out to nearby certified helpers and
// tracks their time-boxed responses.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"helpmarket/geo"
	"helpmarket/helper"
	"helpmarket/metrics"
	"helpmarket/outbox"
	"helpmarket/pricing"
	"helpmarket/schedule"
	"helpmarket/task"
)

var (
	ErrBroadcastRadiusExceeded = errors.New("emergency: broadcast radius exceeds maximum")
	ErrNotificationExpired     = errors.New("emergency: notification expired")
	ErrBroadcastNotFound       = errors.New("emergency: broadcast not found")
	ErrBroadcastStopped        = errors.New("emergency: broadcast stopped")
	ErrInvalidRadius           = errors.New("emergency: radius must grow by a positive amount")
	ErrNotificationNotFound    = errors.New("emergency: helper was not notified")
	ErrAlreadyResponded        = errors.New("emergency: helper already responded")
	ErrInvalidDecision         = errors.New("emergency: decision must be accept or decline")
)

const (
	DefaultNotificationTTL = 5 * time.Minute
	DefaultMaxRadiusKm     = 10.0
	DefaultConcurrency     = 8

	radiusEpsilon = 1e-9
	timerTimeout  = 30 * time.Second
)

// HelperSource lists helpers that may receive emergency broadcasts.
type HelperSource interface {
	ListEmergencyAvailable(ctx context.Context) ([]helper.Profile, error)
}

// PriceQuoter supplies the surge price offered as the emergency incentive.
type PriceQuoter interface {
	ComputePriceRange(ctx context.Context, t task.Task) pricing.PriceRange
}

// broadcastState guards one broadcast. issueMu serialises notification waves
// so a helper is never picked twice; mu guards the record itself and is not
// held while notices are delivered.
type broadcastState struct {
	issueMu sync.Mutex
	mu      sync.Mutex
	b       Broadcast
	snap    atomic.Pointer[Broadcast]
}

func (s *broadcastState) publish() {
	b := s.b.clone()
	s.snap.Store(&b)
}

type Dispatcher struct {
	helpers  HelperSource
	prices   PriceQuoter
	store    Store
	sched    *schedule.Scheduler
	notifier Notifier
	events   outbox.Writer
	metrics  *metrics.Metrics
	newID    func() string

	ttl         time.Duration
	maxRadiusKm float64
	concurrency int

	mu         sync.RWMutex
	broadcasts map[string]*broadcastState
}

func NewDispatcher(helpers HelperSource, prices PriceQuoter, store Store, sched *schedule.Scheduler) *Dispatcher {
	if sched == nil {
		sched = schedule.NewScheduler(nil)
	}
	return &Dispatcher{
		helpers:     helpers,
		prices:      prices,
		store:       store,
		sched:       sched,
		notifier:    LogNotifier,
		events:      outbox.Discard,
		newID:       uuid.NewString,
		ttl:         DefaultNotificationTTL,
		maxRadiusKm: DefaultMaxRadiusKm,
		concurrency: DefaultConcurrency,
		broadcasts:  make(map[string]*broadcastState),
	}
}

func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	if n != nil {
		d.notifier = n
	}
	return d
}

func (d *Dispatcher) WithOutbox(w outbox.Writer) *Dispatcher {
	if w != nil {
		d.events = w
	}
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) WithIDGenerator(fn func() string) *Dispatcher {
	d.newID = fn
	return d
}

// WithLimits overrides the notification TTL, the radius cap and the number of
// concurrent deliveries. Non-positive values keep the defaults.
func (d *Dispatcher) WithLimits(ttl time.Duration, maxRadiusKm float64, concurrency int) *Dispatcher {
	if ttl > 0 {
		d.ttl = ttl
	}
	if maxRadiusKm > 0 {
		d.maxRadiusKm = maxRadiusKm
	}
	if concurrency > 0 {
		d.concurrency = concurrency
	}
	return d
}

func expiryKey(broadcastID, helperID string) string {
	return "notif:" + broadcastID + ":" + helperID
}

func (d *Dispatcher) lookup(id string) *broadcastState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.broadcasts[id]
}

func (d *Dispatcher) register(b Broadcast) *broadcastState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.broadcasts[b.ID]; ok {
		return st
	}
	st := &broadcastState{b: b}
	st.publish()
	d.broadcasts[b.ID] = st
	return st
}

func (d *Dispatcher) load(ctx context.Context, id string) (*broadcastState, error) {
	if st := d.lookup(id); st != nil {
		return st, nil
	}
	b, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.register(b), nil
}

// ValidateStart reports whether StartBroadcast would accept origin and
// radiusKm, without side effects.
func (d *Dispatcher) ValidateStart(origin geo.Location, radiusKm float64) error {
	if radiusKm <= 0 {
		return ErrInvalidRadius
	}
	if radiusKm > d.maxRadiusKm+radiusEpsilon {
		return ErrBroadcastRadiusExceeded
	}
	if err := origin.Validate(); err != nil {
		return fmt.Errorf("emergency: origin: %w", err)
	}
	return nil
}

// StartBroadcast notifies every qualified helper within radiusKm of origin.
// When the first wave cannot be issued the broadcast is stopped and returned
// alongside the error, so no live broadcast is left without notifications.
func (d *Dispatcher) StartBroadcast(ctx context.Context, t task.Task, origin geo.Location, radiusKm float64) (Broadcast, error) {
	if err := d.ValidateStart(origin, radiusKm); err != nil {
		return Broadcast{}, err
	}

	t.Urgency = task.UrgencyEmergency
	quote := d.prices.ComputePriceRange(ctx, t)
	now := d.sched.Now()
	b := Broadcast{
		ID:        d.newID(),
		TaskID:    t.ID,
		SeekerID:  t.SeekerID,
		Origin:    origin,
		RadiusKm:  radiusKm,
		Incentive: quote.Adjusted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Create(ctx, b); err != nil {
		return Broadcast{}, fmt.Errorf("emergency: create broadcast: %w", err)
	}
	st := d.register(b)

	if err := d.issue(ctx, st); err != nil {
		stopped, stopErr := d.StopBroadcast(ctx, b.ID)
		if stopErr != nil {
			log.Printf("emergency: stop broadcast %s after failed start: %v", b.ID, stopErr)
			stopped = st.snap.Load().clone()
		}
		return stopped, err
	}
	out := st.snap.Load().clone()
	d.emit(ctx, outbox.TopicBroadcastStarted, map[string]any{
		"broadcast_id": out.ID, "task_id": out.TaskID, "radius_km": out.RadiusKm, "notified": len(out.Notifications),
	})
	return out, nil
}

// ExpandRadius grows the radius by deltaKm and notifies helpers that the
// larger radius newly includes. Already notified helpers are skipped.
func (d *Dispatcher) ExpandRadius(ctx context.Context, broadcastID string, deltaKm float64) (Broadcast, error) {
	if deltaKm <= 0 {
		return Broadcast{}, ErrInvalidRadius
	}
	st, err := d.load(ctx, broadcastID)
	if err != nil {
		return Broadcast{}, err
	}

	st.issueMu.Lock()
	defer st.issueMu.Unlock()

	st.mu.Lock()
	if st.b.Stopped {
		st.mu.Unlock()
		return Broadcast{}, ErrBroadcastStopped
	}
	next := st.b.clone()
	next.RadiusKm += deltaKm
	if next.RadiusKm > d.maxRadiusKm+radiusEpsilon {
		st.mu.Unlock()
		return Broadcast{}, ErrBroadcastRadiusExceeded
	}
	next.UpdatedAt = d.sched.Now()
	if err := d.store.Save(ctx, next, nil); err != nil {
		st.mu.Unlock()
		return Broadcast{}, fmt.Errorf("emergency: save radius: %w", err)
	}
	st.b = next
	st.publish()
	st.mu.Unlock()

	if err := d.issueLocked(ctx, st); err != nil {
		return Broadcast{}, err
	}
	return st.snap.Load().clone(), nil
}

func (d *Dispatcher) issue(ctx context.Context, st *broadcastState) error {
	st.issueMu.Lock()
	defer st.issueMu.Unlock()
	return d.issueLocked(ctx, st)
}

type candidate struct {
	profile  helper.Profile
	distance float64
}

// issueLocked sends one wave. The caller holds issueMu.
func (d *Dispatcher) issueLocked(ctx context.Context, st *broadcastState) error {
	profiles, err := d.helpers.ListEmergencyAvailable(ctx)
	if err != nil {
		return fmt.Errorf("emergency: list helpers: %w", err)
	}

	current := st.snap.Load()
	if current.Stopped {
		return nil
	}
	var candidates []candidate
	for _, p := range profiles {
		if !p.EmergencyQualified() || current.notified(p.ID) {
			continue
		}
		dist := geo.DistanceKm(current.Origin, p.Location)
		if dist > current.RadiusKm+radiusEpsilon {
			continue
		}
		candidates = append(candidates, candidate{profile: p, distance: dist})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].profile.ID < candidates[j].profile.ID
	})

	wave := current.Waves + 1
	sentAt := d.sched.Now()
	expiresAt := sentAt.Add(d.ttl)
	delivered := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			err := d.notifier.Notify(gctx, Notice{
				BroadcastID: current.ID,
				TaskID:      current.TaskID,
				HelperID:    c.profile.ID,
				DistanceKm:  c.distance,
				Incentive:   current.Incentive,
				ExpiresAt:   expiresAt,
			})
			if err != nil {
				log.Printf("emergency: notify helper %s for broadcast %s: %v", c.profile.ID, current.ID, err)
				d.metrics.Notification("failed")
				return nil
			}
			delivered[i] = true
			d.metrics.Notification("sent")
			return nil
		})
	}
	_ = g.Wait()

	var appended []Notification
	for i, c := range candidates {
		if !delivered[i] {
			continue
		}
		appended = append(appended, Notification{
			HelperID:   c.profile.ID,
			DistanceKm: c.distance,
			Wave:       wave,
			Incentive:  current.Incentive,
			SentAt:     sentAt,
			ExpiresAt:  expiresAt,
			State:      ResponsePending,
		})
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.b.clone()
	next.Waves = wave
	next.Notifications = append(next.Notifications, appended...)
	next.UpdatedAt = sentAt
	if err := d.store.Save(ctx, next, appended); err != nil {
		return fmt.Errorf("emergency: record notifications: %w", err)
	}
	st.b = next
	st.publish()
	for _, n := range appended {
		d.armExpiry(next.ID, n.HelperID, n.ExpiresAt)
	}
	return nil
}

func (d *Dispatcher) armExpiry(broadcastID, helperID string, at time.Time) {
	d.sched.Schedule(expiryKey(broadcastID, helperID), at, func() { d.expire(broadcastID, helperID) })
}

// expire is the timer path. Answered notifications make it a no-op.
func (d *Dispatcher) expire(broadcastID, helperID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timerTimeout)
	defer cancel()

	st, err := d.load(ctx, broadcastID)
	if err != nil {
		log.Printf("emergency: expire %s/%s: %v", broadcastID, helperID, err)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	i := st.b.notificationIndex(helperID)
	if i < 0 || st.b.Notifications[i].State != ResponsePending {
		return
	}
	if err := d.markExpiredLocked(ctx, st, i); err != nil {
		log.Printf("emergency: expire %s/%s: %v (retrying)", broadcastID, helperID, err)
		d.armExpiry(broadcastID, helperID, d.sched.Now().Add(time.Second))
	}
}

func (d *Dispatcher) markExpiredLocked(ctx context.Context, st *broadcastState, i int) error {
	next := st.b.clone()
	next.Notifications[i].State = ResponseExpired
	next.UpdatedAt = d.sched.Now()
	if err := d.store.Save(ctx, next, nil); err != nil {
		return err
	}
	st.b = next
	st.publish()
	d.metrics.Notification("expired")
	return nil
}

// RecordResponse accepts a helper's answer while their notification is
// pending and unexpired. A late answer marks the notification expired and
// fails with ErrNotificationExpired.
func (d *Dispatcher) RecordResponse(ctx context.Context, broadcastID, helperID string, decision Decision) (Notification, error) {
	if decision != DecisionAccept && decision != DecisionDecline {
		return Notification{}, ErrInvalidDecision
	}
	st, err := d.load(ctx, broadcastID)
	if err != nil {
		return Notification{}, err
	}

	st.mu.Lock()
	i := st.b.notificationIndex(helperID)
	if i < 0 {
		st.mu.Unlock()
		return Notification{}, ErrNotificationNotFound
	}
	switch st.b.Notifications[i].State {
	case ResponsePending:
	case ResponseExpired:
		st.mu.Unlock()
		return Notification{}, ErrNotificationExpired
	default:
		st.mu.Unlock()
		return Notification{}, ErrAlreadyResponded
	}

	now := d.sched.Now()
	if !now.Before(st.b.Notifications[i].ExpiresAt) {
		err := d.markExpiredLocked(ctx, st, i)
		st.mu.Unlock()
		d.sched.Cancel(expiryKey(broadcastID, helperID))
		if err != nil {
			return Notification{}, fmt.Errorf("emergency: record expiry: %w", err)
		}
		return Notification{}, ErrNotificationExpired
	}

	next := st.b.clone()
	n := &next.Notifications[i]
	n.State = ResponseDeclined
	if decision == DecisionAccept {
		n.State = ResponseAccepted
	}
	n.RespondedAt = &now
	next.UpdatedAt = now
	if err := d.store.Save(ctx, next, nil); err != nil {
		st.mu.Unlock()
		return Notification{}, fmt.Errorf("emergency: record response: %w", err)
	}
	st.b = next
	st.publish()
	answered := *n
	st.mu.Unlock()

	d.sched.Cancel(expiryKey(broadcastID, helperID))
	d.metrics.Response(string(decision))
	d.emit(ctx, outbox.TopicHelperResponded, map[string]any{
		"broadcast_id": broadcastID, "task_id": next.TaskID, "helper_id": helperID, "decision": decision,
	})
	return answered, nil
}

// StopBroadcast ends issuance of new notifications. Outstanding notifications
// keep running until answered or expired. Stopping twice is a no-op.
func (d *Dispatcher) StopBroadcast(ctx context.Context, broadcastID string) (Broadcast, error) {
	st, err := d.load(ctx, broadcastID)
	if err != nil {
		return Broadcast{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.b.Stopped {
		return st.b.clone(), nil
	}
	now := d.sched.Now()
	next := st.b.clone()
	next.Stopped = true
	next.StoppedAt = &now
	next.UpdatedAt = now
	if err := d.store.Save(ctx, next, nil); err != nil {
		return Broadcast{}, fmt.Errorf("emergency: stop: %w", err)
	}
	st.b = next
	st.publish()
	return next.clone(), nil
}

// GetBroadcastStatus returns the latest published snapshot.
func (d *Dispatcher) GetBroadcastStatus(ctx context.Context, broadcastID string) (Broadcast, error) {
	st, err := d.load(ctx, broadcastID)
	if err != nil {
		return Broadcast{}, err
	}
	return st.snap.Load().clone(), nil
}

// Restore reloads broadcasts with pending notifications and re-arms their
// expiry timers. It returns the number of timers armed.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	broadcasts, err := d.store.ListWithPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("emergency: restore: %w", err)
	}
	armed := 0
	for _, b := range broadcasts {
		st := d.register(b)
		for _, n := range st.snap.Load().Notifications {
			if n.State == ResponsePending {
				d.armExpiry(b.ID, n.HelperID, n.ExpiresAt)
				armed++
			}
		}
	}
	return armed, nil
}

func (d *Dispatcher) emit(ctx context.Context, topic string, payload any) {
	if err := d.events.Enqueue(ctx, topic, payload); err != nil {
		log.Printf("emergency: enqueue %s: %v", topic, err)
	}
}
