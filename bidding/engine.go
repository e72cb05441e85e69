// Package bidding runs sealed-bid windows: helpers submit encrypted offers
// while a task collects bids, and every offer is revealed, scored and ranked
// in one step when the window closes.
package bidding

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

	"helpmarket/helper"
	"helpmarket/metrics"
	"helpmarket/outbox"
	"helpmarket/pricing"
	"helpmarket/schedule"
	"helpmarket/task"
)

var (
	ErrInvalidBid      = errors.New("bidding: invalid bid")
	ErrWindowClosed    = errors.New("bidding: bidding window closed")
	ErrDuplicateBid    = errors.New("bidding: helper already has a pending bid")
	ErrBidNotFound     = errors.New("bidding: bid not found")
	ErrAlreadyResolved = errors.New("bidding: task already resolved")
	ErrTaskNotFound    = errors.New("bidding: no bidding window for task")
	ErrWindowOpen      = errors.New("bidding: bidding window still collecting")
	ErrWindowExists    = errors.New("bidding: bidding window already exists")
	ErrBidNotPending   = errors.New("bidding: bid is not pending")
	ErrEmergencyTask   = errors.New("bidding: emergency tasks are dispatched, not bid on")
)

const (
	DefaultWindow      = 24 * time.Hour
	DefaultMaxBidRatio = 2.0

	closeRetryDelay = 5 * time.Second
	deadlineTimeout = 30 * time.Second
)

// ProfileLookup resolves the helper stats used for scoring.
type ProfileLookup interface {
	GetByID(ctx context.Context, id string) (helper.Profile, error)
}

// PriceQuoter supplies the reference price a window is opened with.
type PriceQuoter interface {
	ComputePriceRange(ctx context.Context, t task.Task) pricing.PriceRange
}

type view struct {
	window Window
	bids   []Bid
}

// taskState serialises every mutation of one task's window. Readers use the
// published view and never take mu.
type taskState struct {
	mu     sync.Mutex
	window Window
	bids   []Bid
	snap   atomic.Pointer[view]
}

func (s *taskState) publish() {
	bids := make([]Bid, len(s.bids))
	for i, b := range s.bids {
		bids[i] = cloneBid(b)
	}
	sort.SliceStable(bids, func(i, j int) bool {
		a, b := bids[i], bids[j]
		if (a.Rank == 0) != (b.Rank == 0) {
			return a.Rank != 0
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	s.snap.Store(&view{window: s.window, bids: bids})
}

type Engine struct {
	ledger   Ledger
	profiles ProfileLookup
	prices   PriceQuoter
	sealer   *Sealer
	sched    *schedule.Scheduler
	events   outbox.Writer
	metrics  *metrics.Metrics

	newID         func() string
	window        time.Duration
	maxBidRatio   float64
	retryDeadline time.Duration

	mu    sync.RWMutex
	tasks map[string]*taskState
}

func NewEngine(ledger Ledger, profiles ProfileLookup, prices PriceQuoter, sealer *Sealer, sched *schedule.Scheduler) *Engine {
	if sched == nil {
		sched = schedule.NewScheduler(nil)
	}
	return &Engine{
		ledger:        ledger,
		profiles:      profiles,
		prices:        prices,
		sealer:        sealer,
		sched:         sched,
		events:        outbox.Discard,
		newID:         uuid.NewString,
		window:        DefaultWindow,
		maxBidRatio:   DefaultMaxBidRatio,
		retryDeadline: closeRetryDelay,
		tasks:         make(map[string]*taskState),
	}
}

func (e *Engine) WithIDGenerator(fn func() string) *Engine {
	e.newID = fn
	return e
}

func (e *Engine) WithOutbox(w outbox.Writer) *Engine {
	if w != nil {
		e.events = w
	}
	return e
}

func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithWindow sets the collection period used when OpenWindow gets no duration.
func (e *Engine) WithWindow(d time.Duration) *Engine {
	if d > 0 {
		e.window = d
	}
	return e
}

// WithMaxBidRatio caps bids at ratio times the window's reference price.
// A ratio of zero disables the cap.
func (e *Engine) WithMaxBidRatio(ratio float64) *Engine {
	if ratio >= 0 {
		e.maxBidRatio = ratio
	}
	return e
}

func closeKey(taskID string) string { return "window:" + taskID }

func (e *Engine) lookup(taskID string) *taskState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tasks[taskID]
}

func (e *Engine) register(w Window, bids []Bid) *taskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.tasks[w.TaskID]; ok {
		return st
	}
	st := &taskState{window: w, bids: bids}
	st.publish()
	e.tasks[w.TaskID] = st
	return st
}

// load returns the in-memory state for a task, hydrating it from the ledger
// on first use.
func (e *Engine) load(ctx context.Context, taskID string) (*taskState, error) {
	if st := e.lookup(taskID); st != nil {
		return st, nil
	}
	w, err := e.ledger.GetWindow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	bids, err := e.ledger.ListBids(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.register(w, bids), nil
}

// OpenWindow starts collecting bids for t. A zero duration uses the engine
// default.
func (e *Engine) OpenWindow(ctx context.Context, t task.Task, d time.Duration) (Window, error) {
	if t.ID == "" {
		return Window{}, ErrTaskNotFound
	}
	if t.Urgency == task.UrgencyEmergency {
		return Window{}, ErrEmergencyTask
	}
	if d <= 0 {
		d = e.window
	}
	if e.lookup(t.ID) != nil {
		return Window{}, ErrWindowExists
	}

	quote := e.prices.ComputePriceRange(ctx, t)
	now := e.sched.Now()
	w := Window{
		TaskID:         t.ID,
		SeekerID:       t.SeekerID,
		State:          WindowCollecting,
		OpensAt:        now,
		ClosesAt:       now.Add(d),
		ReferencePrice: quote.Adjusted,
	}
	if err := e.ledger.CreateWindow(ctx, w); err != nil {
		return Window{}, err
	}
	e.register(w, nil)
	e.armClose(w.TaskID, w.ClosesAt)
	return w, nil
}

func (e *Engine) armClose(taskID string, at time.Time) {
	e.sched.Schedule(closeKey(taskID), at, func() { e.closeOnDeadline(taskID) })
}

// closeOnDeadline is the timer path. A failed close is retried so a window
// can never stay collecting past its deadline.
func (e *Engine) closeOnDeadline(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), deadlineTimeout)
	defer cancel()

	_, err := e.closeWindow(ctx, taskID)
	switch {
	case err == nil, errors.Is(err, ErrWindowClosed), errors.Is(err, ErrTaskNotFound):
	default:
		log.Printf("bidding: close window %s at deadline: %v (retrying in %s)", taskID, err, e.retryDeadline)
		e.armClose(taskID, e.sched.Now().Add(e.retryDeadline))
	}
}

func validatePayload(p SubmitParams) error {
	if p.TaskID == "" || p.HelperID == "" {
		return fmt.Errorf("%w: task and helper are required", ErrInvalidBid)
	}
	if p.Payload.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	}
	if p.Payload.CompletionEstimate < 0 {
		return fmt.Errorf("%w: completion estimate must not be negative", ErrInvalidBid)
	}
	var sum int64
	for i, m := range p.Payload.Milestones {
		if m.Amount <= 0 {
			return fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidBid, i+1)
		}
		sum += m.Amount
	}
	if sum > p.Payload.Amount {
		return fmt.Errorf("%w: milestones total %d exceeds amount %d", ErrInvalidBid, sum, p.Payload.Amount)
	}
	return nil
}

// SubmitBid seals and records a bid. The payload is validated before it is
// encrypted; once sealed its content is not visible until the window closes.
func (e *Engine) SubmitBid(ctx context.Context, p SubmitParams) (Receipt, error) {
	if err := validatePayload(p); err != nil {
		e.metrics.BidRefused("invalid")
		return Receipt{}, err
	}
	st, err := e.load(ctx, p.TaskID)
	if err != nil {
		return Receipt{}, err
	}
	if _, err := e.profiles.GetByID(ctx, p.HelperID); err != nil {
		if errors.Is(err, helper.ErrNotFound) {
			e.metrics.BidRefused("invalid")
			return Receipt{}, fmt.Errorf("%w: unknown helper %s", ErrInvalidBid, p.HelperID)
		}
		return Receipt{}, fmt.Errorf("bidding: lookup helper: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.sched.Now()
	w := st.window
	if w.State != WindowCollecting || !now.Before(w.ClosesAt) {
		e.metrics.BidRefused("closed")
		return Receipt{}, ErrWindowClosed
	}
	if ceiling := e.ceiling(w); ceiling > 0 && p.Payload.Amount > ceiling {
		e.metrics.BidRefused("invalid")
		return Receipt{}, fmt.Errorf("%w: amount %d exceeds ceiling %d", ErrInvalidBid, p.Payload.Amount, ceiling)
	}
	for _, b := range st.bids {
		if b.HelperID == p.HelperID && b.State == BidSealed {
			e.metrics.BidRefused("duplicate")
			return Receipt{}, ErrDuplicateBid
		}
	}

	bid := Bid{
		ID:          e.newID(),
		TaskID:      p.TaskID,
		HelperID:    p.HelperID,
		State:       BidSealed,
		SubmittedAt: now,
	}
	sealed, err := e.sealer.Seal(bid.TaskID, bid.ID, bid.HelperID, p.Payload)
	if err != nil {
		return Receipt{}, err
	}
	bid.Sealed = sealed
	if err := e.ledger.InsertBid(ctx, bid); err != nil {
		if errors.Is(err, ErrDuplicateBid) {
			e.metrics.BidRefused("duplicate")
		}
		return Receipt{}, err
	}
	st.bids = append(st.bids, bid)
	st.publish()
	e.metrics.BidSubmitted()

	return Receipt{
		BidID:          bid.ID,
		TaskID:         bid.TaskID,
		SubmittedAt:    now,
		RevealAt:       w.ClosesAt,
		ReferencePrice: w.ReferencePrice,
	}, nil
}

func (e *Engine) ceiling(w Window) int64 {
	if e.maxBidRatio <= 0 || w.ReferencePrice <= 0 {
		return 0
	}
	return int64(e.maxBidRatio * float64(w.ReferencePrice))
}

// WithdrawBid lets a helper pull a sealed bid while the window collects.
func (e *Engine) WithdrawBid(ctx context.Context, taskID, bidID, helperID string) (Bid, error) {
	st, err := e.load(ctx, taskID)
	if err != nil {
		return Bid{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.window.State != WindowCollecting || !e.sched.Now().Before(st.window.ClosesAt) {
		return Bid{}, ErrWindowClosed
	}
	idx := indexOf(st.bids, bidID)
	if idx < 0 || st.bids[idx].HelperID != helperID {
		return Bid{}, ErrBidNotFound
	}
	if st.bids[idx].State != BidSealed {
		return Bid{}, ErrBidNotPending
	}

	now := e.sched.Now()
	b := cloneBid(st.bids[idx])
	b.State = BidWithdrawn
	b.DecidedAt = &now
	if err := e.ledger.SaveTransition(ctx, st.window, []Bid{b}); err != nil {
		return Bid{}, err
	}
	st.bids[idx] = b
	st.publish()
	return cloneBid(b), nil
}

// CloseWindow ends collection early. Every sealed bid is revealed, scored and
// ranked before any caller can observe the window as closed.
func (e *Engine) CloseWindow(ctx context.Context, taskID string) ([]Bid, error) {
	return e.closeWindow(ctx, taskID)
}

func (e *Engine) closeWindow(ctx context.Context, taskID string) ([]Bid, error) {
	st, err := e.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	ranked, w, err := e.revealLocked(ctx, st)
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.sched.Cancel(closeKey(taskID))
	scores := make([]float64, len(ranked))
	for i, b := range ranked {
		scores[i] = b.Score.Total
	}
	e.metrics.WindowClosed(scores)
	event := map[string]any{"task_id": taskID, "revealed": len(ranked), "closed_at": w.ClosesAt}
	if err := e.events.Enqueue(ctx, outbox.TopicWindowClosed, event); err != nil {
		log.Printf("bidding: enqueue window closed for task %s: %v", taskID, err)
	}
	return ranked, nil
}

func (e *Engine) revealLocked(ctx context.Context, st *taskState) ([]Bid, Window, error) {
	if st.window.State != WindowCollecting {
		return nil, Window{}, ErrWindowClosed
	}
	now := e.sched.Now()

	next := make([]Bid, len(st.bids))
	var (
		open      []int
		maxAmount int64
	)
	for i, b := range st.bids {
		next[i] = cloneBid(b)
		if b.State != BidSealed {
			continue
		}
		payload, err := e.sealer.Open(b)
		if err != nil {
			log.Printf("bidding: rejecting unreadable bid %s: %v", b.ID, err)
			next[i].State = BidRejected
			next[i].DecidedAt = &now
			continue
		}
		next[i].Payload = &payload
		next[i].State = BidRevealed
		next[i].RevealedAt = &now
		if payload.Amount > maxAmount {
			maxAmount = payload.Amount
		}
		open = append(open, i)
	}

	ranked := make([]Bid, 0, len(open))
	for _, i := range open {
		profile, err := e.profiles.GetByID(ctx, next[i].HelperID)
		if err != nil && !errors.Is(err, helper.ErrNotFound) {
			return nil, Window{}, fmt.Errorf("bidding: lookup helper %s: %w", next[i].HelperID, err)
		}
		score := ScoreBid(next[i].Payload.Amount, maxAmount, profile)
		next[i].Score = &score
		ranked = append(ranked, next[i])
	}
	rankBids(ranked)
	for _, r := range ranked {
		next[indexOf(next, r.ID)].Rank = r.Rank
	}

	w := st.window
	w.State = WindowRevealing
	w.RevealedAt = &now
	if now.Before(w.ClosesAt) {
		w.ClosesAt = now
	}
	if err := e.ledger.SaveTransition(ctx, w, next); err != nil {
		return nil, Window{}, err
	}
	st.window = w
	st.bids = next
	st.publish()

	for i := range ranked {
		ranked[i] = cloneBid(ranked[i])
	}
	return ranked, w, nil
}

// AcceptBid resolves the task in favour of one revealed bid and rejects the
// rest. The bid.accepted event is stored by the ledger with the transition.
// Accepting the already accepted bid again returns the same acceptance and
// re-emits its event.
func (e *Engine) AcceptBid(ctx context.Context, taskID, bidID string) (Acceptance, error) {
	st, err := e.load(ctx, taskID)
	if err != nil {
		return Acceptance{}, err
	}

	st.mu.Lock()
	acc, fresh, err := e.acceptLocked(ctx, st, bidID)
	st.mu.Unlock()
	if err != nil {
		return Acceptance{}, err
	}

	if fresh {
		e.metrics.BidAccepted()
		return acc, nil
	}
	if err := e.events.Enqueue(ctx, outbox.TopicBidAccepted, acc); err != nil {
		log.Printf("bidding: enqueue acceptance for task %s: %v", taskID, err)
		return acc, fmt.Errorf("bidding: acceptance recorded but not published: %w", err)
	}
	return acc, nil
}

func (e *Engine) acceptLocked(ctx context.Context, st *taskState, bidID string) (Acceptance, bool, error) {
	w := st.window
	if w.State == WindowCollecting {
		return Acceptance{}, false, ErrWindowOpen
	}
	idx := indexOf(st.bids, bidID)
	if w.AcceptedBidID != "" {
		if w.AcceptedBidID == bidID && idx >= 0 {
			return acceptanceFor(w, st.bids[idx]), false, nil
		}
		return Acceptance{}, false, ErrAlreadyResolved
	}
	if w.State == WindowResolved {
		return Acceptance{}, false, ErrAlreadyResolved
	}
	if idx < 0 {
		return Acceptance{}, false, ErrBidNotFound
	}
	if st.bids[idx].State != BidRevealed {
		return Acceptance{}, false, ErrBidNotPending
	}

	now := e.sched.Now()
	next := make([]Bid, len(st.bids))
	for i, b := range st.bids {
		next[i] = cloneBid(b)
		switch {
		case i == idx:
			next[i].State = BidAccepted
			next[i].DecidedAt = &now
		case b.State == BidRevealed || b.State == BidSealed:
			next[i].State = BidRejected
			next[i].DecidedAt = &now
		}
	}
	w.State = WindowResolved
	w.AcceptedBidID = bidID
	acc := acceptanceFor(w, next[idx])
	if err := e.ledger.SaveAcceptance(ctx, w, next, acc); err != nil {
		return Acceptance{}, false, err
	}
	st.window = w
	st.bids = next
	st.publish()
	return acc, true, nil
}

func acceptanceFor(w Window, b Bid) Acceptance {
	acc := Acceptance{
		TaskID:   w.TaskID,
		BidID:    b.ID,
		HelperID: b.HelperID,
		SeekerID: w.SeekerID,
	}
	if b.Payload != nil {
		acc.Amount = b.Payload.Amount
		acc.Milestones = append([]MilestoneProposal(nil), b.Payload.Milestones...)
	}
	if b.DecidedAt != nil {
		acc.AcceptedAt = *b.DecidedAt
	}
	return acc
}

// RejectBid declines one revealed bid without resolving the task.
func (e *Engine) RejectBid(ctx context.Context, taskID, bidID string) (Bid, error) {
	st, err := e.load(ctx, taskID)
	if err != nil {
		return Bid{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.window.State {
	case WindowCollecting:
		return Bid{}, ErrWindowOpen
	case WindowResolved:
		return Bid{}, ErrAlreadyResolved
	}
	idx := indexOf(st.bids, bidID)
	if idx < 0 {
		return Bid{}, ErrBidNotFound
	}
	if st.bids[idx].State != BidRevealed {
		return Bid{}, ErrBidNotPending
	}

	now := e.sched.Now()
	b := cloneBid(st.bids[idx])
	b.State = BidRejected
	b.DecidedAt = &now
	if err := e.ledger.SaveTransition(ctx, st.window, []Bid{b}); err != nil {
		return Bid{}, err
	}
	st.bids[idx] = b
	st.publish()
	return cloneBid(b), nil
}

// AbortWindow resolves a task without a winner, rejecting every pending bid.
// Aborting a resolved window is a no-op.
func (e *Engine) AbortWindow(ctx context.Context, taskID string) (Window, error) {
	st, err := e.load(ctx, taskID)
	if err != nil {
		return Window{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.window.State == WindowResolved {
		return st.window, nil
	}
	now := e.sched.Now()
	next := make([]Bid, len(st.bids))
	for i, b := range st.bids {
		next[i] = cloneBid(b)
		if b.State == BidSealed || b.State == BidRevealed {
			next[i].State = BidRejected
			next[i].DecidedAt = &now
		}
	}
	w := st.window
	w.State = WindowResolved
	w.Aborted = true
	if now.Before(w.ClosesAt) {
		w.ClosesAt = now
	}
	if err := e.ledger.SaveTransition(ctx, w, next); err != nil {
		return Window{}, err
	}
	st.window = w
	st.bids = next
	st.publish()
	e.sched.Cancel(closeKey(taskID))
	return w, nil
}

// TaskEscalated aborts any window on a task that has become an emergency.
func (e *Engine) TaskEscalated(ctx context.Context, t task.Task) error {
	_, err := e.AbortWindow(ctx, t.ID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	return err
}

// GetBidsForTask returns the latest published bids, ranked bids first. It
// never waits on an in-flight transition.
func (e *Engine) GetBidsForTask(ctx context.Context, taskID string) ([]Bid, error) {
	st, err := e.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	v := st.snap.Load()
	out := make([]Bid, len(v.bids))
	for i, b := range v.bids {
		out[i] = cloneBid(b)
	}
	return out, nil
}

func (e *Engine) Window(ctx context.Context, taskID string) (Window, error) {
	st, err := e.load(ctx, taskID)
	if err != nil {
		return Window{}, err
	}
	return st.snap.Load().window, nil
}

// Restore re-arms the close deadline of every window still collecting.
// Deadlines that passed while the process was down fire immediately.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	windows, err := e.ledger.ListWindows(ctx, WindowCollecting)
	if err != nil {
		return 0, fmt.Errorf("bidding: restore: %w", err)
	}
	for _, w := range windows {
		if _, err := e.load(ctx, w.TaskID); err != nil {
			return 0, fmt.Errorf("bidding: restore task %s: %w", w.TaskID, err)
		}
		e.armClose(w.TaskID, w.ClosesAt)
	}
	return len(windows), nil
}

func indexOf(bids []Bid, id string) int {
	for i, b := range bids {
		if b.ID == id {
			return i
		}
	}
	return -1
}
