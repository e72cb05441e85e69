// Package escrow holds custody for accepted bids and walks their milestones to
// release. Each contract is guarded by its own lock; readers get published
// snapshots.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"helpmarket/bidding"
	"helpmarket/metrics"
	"helpmarket/outbox"
	"helpmarket/schedule"
)

var (
	ErrInvalidMilestoneState = errors.New("escrow: invalid milestone state")
	ErrEscrowAlreadyReleased = errors.New("escrow: already released")
	ErrEscrowNotFound        = errors.New("escrow: not found")
	ErrMilestoneNotFound     = errors.New("escrow: milestone not found")
	ErrInvalidMilestones     = errors.New("escrow: invalid milestones")
	ErrInvalidCoverage       = errors.New("escrow: insurance coverage must be between 0 and 100")
	ErrInvalidDecision       = errors.New("escrow: invalid arbitration decision")

	errBidHasEscrow = errors.New("escrow: bid already has an escrow")
)

const (
	DefaultAutoReleaseHours = 72

	releaseRetryDelay = 30 * time.Second
	timerTimeout      = 30 * time.Second
)

type contractState struct {
	mu   sync.Mutex
	c    Contract
	snap atomic.Pointer[Contract]
}

func (s *contractState) publish() {
	c := s.c.clone()
	s.snap.Store(&c)
}

type Service struct {
	store   Store
	sched   *schedule.Scheduler
	arbiter Arbitration
	events  outbox.Writer
	metrics *metrics.Metrics
	newID   func() string

	autoReleaseHours int
	coverage         float64

	openMu sync.Mutex

	mu        sync.RWMutex
	contracts map[string]*contractState
}

func NewService(store Store, sched *schedule.Scheduler) *Service {
	if sched == nil {
		sched = schedule.NewScheduler(nil)
	}
	return &Service{
		store:            store,
		sched:            sched,
		events:           outbox.Discard,
		newID:            uuid.NewString,
		autoReleaseHours: DefaultAutoReleaseHours,
		contracts:        make(map[string]*contractState),
	}
}

func (s *Service) WithIDGenerator(fn func() string) *Service {
	s.newID = fn
	return s
}

func (s *Service) WithArbitration(a Arbitration) *Service {
	s.arbiter = a
	return s
}

func (s *Service) WithOutbox(w outbox.Writer) *Service {
	if w != nil {
		s.events = w
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// WithDefaults sets the auto-release window and insurance coverage applied
// when OpenParams leaves them unset.
func (s *Service) WithDefaults(autoReleaseHours int, coverage float64) *Service {
	if autoReleaseHours > 0 {
		s.autoReleaseHours = autoReleaseHours
	}
	if coverage >= 0 && coverage <= 100 {
		s.coverage = coverage
	}
	return s
}

func releaseKey(escrowID string) string { return "escrow:" + escrowID }

func (s *Service) lookup(id string) *contractState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contracts[id]
}

func (s *Service) register(c Contract) *contractState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.contracts[c.ID]; ok {
		return st
	}
	st := &contractState{c: c}
	st.publish()
	s.contracts[c.ID] = st
	return st
}

func (s *Service) load(ctx context.Context, id string) (*contractState, error) {
	if st := s.lookup(id); st != nil {
		return st, nil
	}
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.register(c), nil
}

func (s *Service) resolveDefaults(p OpenParams) (OpenParams, error) {
	if p.InsuranceCoverage < 0 {
		p.InsuranceCoverage = s.coverage
	}
	if p.InsuranceCoverage > 100 {
		return p, ErrInvalidCoverage
	}
	if p.AutoReleaseHours <= 0 {
		p.AutoReleaseHours = s.autoReleaseHours
	}
	if p.BidID == "" || p.TotalAmount <= 0 {
		return p, fmt.Errorf("%w: bid and a positive total are required", ErrInvalidMilestones)
	}
	if len(p.Milestones) == 0 {
		p.Milestones = []MilestoneSpec{{Description: "Full amount", Amount: p.TotalAmount}}
	}
	var sum int64
	for i, m := range p.Milestones {
		if m.Amount <= 0 {
			return p, fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidMilestones, i+1)
		}
		sum += m.Amount
	}
	if sum > p.TotalAmount {
		return p, fmt.Errorf("%w: milestones total %d exceeds escrow total %d", ErrInvalidMilestones, sum, p.TotalAmount)
	}
	return p, nil
}

// Open creates custody for an accepted bid. Opening the same bid twice
// returns the existing contract.
func (s *Service) Open(ctx context.Context, p OpenParams) (Contract, error) {
	p, err := s.resolveDefaults(p)
	if err != nil {
		return Contract{}, err
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	if existing, err := s.store.GetByBid(ctx, p.BidID); err == nil {
		return s.register(existing).snap.Load().clone(), nil
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return Contract{}, fmt.Errorf("escrow: lookup bid %s: %w", p.BidID, err)
	}

	now := s.sched.Now()
	c := Contract{
		ID:                s.newID(),
		TaskID:            p.TaskID,
		BidID:             p.BidID,
		SeekerID:          p.SeekerID,
		HelperID:          p.HelperID,
		TotalAmount:       p.TotalAmount,
		State:             StateLocked,
		InsuranceCoverage: p.InsuranceCoverage,
		CoveredAmount:     int64(math.Round(float64(p.TotalAmount) * p.InsuranceCoverage / 100)),
		AutoReleaseAfter:  time.Duration(p.AutoReleaseHours) * time.Hour,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for i, m := range p.Milestones {
		c.Milestones = append(c.Milestones, Milestone{
			ID:          s.newID(),
			EscrowID:    c.ID,
			Sequence:    i + 1,
			Description: m.Description,
			Amount:      m.Amount,
			State:       MilestonePending,
		})
	}
	// Funds are locked at creation and become pending as soon as milestones are attached.
	c.State = StatePending

	if err := s.store.Create(ctx, c); err != nil {
		if errors.Is(err, errBidHasEscrow) {
			existing, getErr := s.store.GetByBid(ctx, p.BidID)
			if getErr != nil {
				return Contract{}, getErr
			}
			return s.register(existing).snap.Load().clone(), nil
		}
		return Contract{}, err
	}
	st := s.register(c)
	s.metrics.EscrowOpened()
	s.emit(ctx, outbox.TopicEscrowOpened, map[string]any{
		"escrow_id": c.ID, "task_id": c.TaskID, "bid_id": c.BidID, "total_amount": c.TotalAmount,
	})
	return st.snap.Load().clone(), nil
}

// HandleAcceptance opens custody from a bid.accepted outbox message.
func (s *Service) HandleAcceptance(ctx context.Context, msg outbox.Message) error {
	var acc bidding.Acceptance
	if err := json.Unmarshal(msg.Payload, &acc); err != nil {
		return fmt.Errorf("escrow: decode acceptance %s: %w", msg.ID, err)
	}
	specs := make([]MilestoneSpec, len(acc.Milestones))
	for i, m := range acc.Milestones {
		specs[i] = MilestoneSpec{Description: m.Description, Amount: m.Amount}
	}
	_, err := s.Open(ctx, OpenParams{
		TaskID:            acc.TaskID,
		BidID:             acc.BidID,
		SeekerID:          acc.SeekerID,
		HelperID:          acc.HelperID,
		TotalAmount:       acc.Amount,
		Milestones:        specs,
		InsuranceCoverage: -1,
	})
	return err
}

// mutate runs fn against a copy of the contract under its lock and persists
// the result before publishing it.
func (s *Service) mutate(ctx context.Context, escrowID string, fn func(c *Contract, now time.Time) error) (Contract, error) {
	st, err := s.load(ctx, escrowID)
	if err != nil {
		return Contract{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.c.State == StateReleased {
		return Contract{}, ErrEscrowAlreadyReleased
	}
	next := st.c.clone()
	before := len(next.Transactions)
	now := s.sched.Now()
	if err := fn(&next, now); err != nil {
		return Contract{}, err
	}
	next.UpdatedAt = now
	if err := s.store.Save(ctx, next, next.Transactions[before:]); err != nil {
		return Contract{}, err
	}
	st.c = next
	st.publish()
	return next.clone(), nil
}

// CompleteMilestone records the helper's deliverables. The milestone stays
// pending until the seeker approves it.
func (s *Service) CompleteMilestone(ctx context.Context, escrowID, milestoneID string, deliverables []string) (Contract, error) {
	return s.mutate(ctx, escrowID, func(c *Contract, now time.Time) error {
		i := c.milestoneIndex(milestoneID)
		if i < 0 {
			return ErrMilestoneNotFound
		}
		m := &c.Milestones[i]
		if m.State != MilestonePending {
			return ErrInvalidMilestoneState
		}
		m.Deliverables = append(m.Deliverables, deliverables...)
		m.CompletedAt = &now
		return nil
	})
}

func (s *Service) ApproveMilestone(ctx context.Context, escrowID, milestoneID string) (Contract, error) {
	c, err := s.mutate(ctx, escrowID, func(c *Contract, now time.Time) error {
		i := c.milestoneIndex(milestoneID)
		if i < 0 {
			return ErrMilestoneNotFound
		}
		if c.Milestones[i].State != MilestonePending {
			return ErrInvalidMilestoneState
		}
		s.releaseMilestone(c, i, now, TxMilestoneRelease)
		return nil
	})
	if err != nil {
		return Contract{}, err
	}
	s.afterApproval(ctx, c, milestoneID)
	return c, nil
}

func (s *Service) releaseMilestone(c *Contract, i int, now time.Time, kind TransactionKind) {
	m := &c.Milestones[i]
	m.State = MilestoneApproved
	m.ReleasedAmount = m.Amount
	m.ReleasedAt = &now
	if m.CompletedAt == nil {
		m.CompletedAt = &now
	}
	c.ReleasedAmount += m.Amount
	appendTransaction(c, s.newID(), kind, m.ID, m.Amount, now)

	if !c.hasDispute() {
		c.State = StatePending
	}
	if c.allApproved() {
		at := now.Add(c.AutoReleaseAfter)
		c.AutoReleaseAt = &at
	}
}

func (s *Service) afterApproval(ctx context.Context, c Contract, milestoneID string) {
	s.metrics.MilestoneTransition(string(MilestoneApproved))
	if c.AutoReleaseAt != nil {
		s.armRelease(c.ID, *c.AutoReleaseAt)
	}
	s.emit(ctx, outbox.TopicMilestoneApproved, map[string]any{
		"escrow_id": c.ID, "milestone_id": milestoneID, "released_amount": c.ReleasedAmount,
	})
}

// DisputeMilestone blocks release of a pending milestone until arbitration
// decides it. Other milestones and their timers are unaffected.
func (s *Service) DisputeMilestone(ctx context.Context, escrowID, milestoneID, reason string) (Contract, error) {
	var filed Case
	c, err := s.mutate(ctx, escrowID, func(c *Contract, now time.Time) error {
		i := c.milestoneIndex(milestoneID)
		if i < 0 {
			return ErrMilestoneNotFound
		}
		m := &c.Milestones[i]
		if m.State != MilestonePending {
			return ErrInvalidMilestoneState
		}
		m.State = MilestoneDisputed
		m.DisputeReason = reason
		c.State = StateDisputed
		filed = Case{
			EscrowID:    c.ID,
			MilestoneID: m.ID,
			TaskID:      c.TaskID,
			Amount:      m.Amount,
			Reason:      reason,
			OpenedAt:    now,
		}
		return nil
	})
	if err != nil {
		return Contract{}, err
	}

	s.metrics.MilestoneTransition(string(MilestoneDisputed))
	if s.arbiter != nil {
		if err := s.arbiter.FileCase(ctx, filed); err != nil {
			log.Printf("escrow: file arbitration case for %s/%s: %v", escrowID, milestoneID, err)
		}
	}
	s.emit(ctx, outbox.TopicMilestoneDisputed, map[string]any{
		"escrow_id": escrowID, "milestone_id": milestoneID, "reason": reason,
	})
	return c, nil
}

// ResolveDispute applies an external arbitration decision. Approve releases
// the milestone in full. Partial releases the awarded amount and terminates
// the escrow, refunding what was never released.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, milestoneID string, d Decision) (Contract, error) {
	if d.Outcome != OutcomeApprove && d.Outcome != OutcomePartial {
		return Contract{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidDecision, d.Outcome)
	}
	var resolvedAt time.Time
	c, err := s.mutate(ctx, escrowID, func(c *Contract, now time.Time) error {
		resolvedAt = now
		i := c.milestoneIndex(milestoneID)
		if i < 0 {
			return ErrMilestoneNotFound
		}
		m := &c.Milestones[i]
		if m.State != MilestoneDisputed {
			return ErrInvalidMilestoneState
		}
		if d.Outcome == OutcomeApprove {
			s.releaseMilestone(c, i, now, TxArbitrationRelease)
			return nil
		}

		if d.ReleaseAmount < 0 || d.ReleaseAmount > m.Amount {
			return fmt.Errorf("%w: release amount %d outside 0..%d", ErrInvalidDecision, d.ReleaseAmount, m.Amount)
		}
		m.ReleasedAmount = d.ReleaseAmount
		m.ReleasedAt = &now
		if d.ReleaseAmount > 0 {
			c.ReleasedAmount += d.ReleaseAmount
			appendTransaction(c, s.newID(), TxArbitrationRelease, m.ID, d.ReleaseAmount, now)
		}
		if refund := c.TotalAmount - c.ReleasedAmount; refund > 0 {
			c.RefundedAmount = refund
			appendTransaction(c, s.newID(), TxRefund, "", refund, now)
		}
		c.State = StateReleased
		c.ReleaseTrigger = TriggerArbitration
		c.ReleasedAt = &now
		c.AutoReleaseAt = nil
		return nil
	})
	if err != nil {
		return Contract{}, err
	}

	if closer, ok := s.arbiter.(caseCloser); ok {
		if err := closer.CloseCase(ctx, escrowID, milestoneID, d, resolvedAt); err != nil {
			log.Printf("escrow: close arbitration case %s/%s: %v", escrowID, milestoneID, err)
		}
	}
	if c.State == StateReleased {
		s.sched.Cancel(releaseKey(c.ID))
		s.released(ctx, c)
		return c, nil
	}
	s.afterApproval(ctx, c, milestoneID)
	return c, nil
}

// FinalRelease settles the escrow once every milestone is approved. The
// check and the transition happen under the contract lock, so no approval can
// interleave with it.
func (s *Service) FinalRelease(ctx context.Context, escrowID string) (Contract, error) {
	c, err := s.finalize(ctx, escrowID, TriggerManual)
	if err != nil {
		return Contract{}, err
	}
	s.sched.Cancel(releaseKey(escrowID))
	s.released(ctx, c)
	return c, nil
}

func (s *Service) finalize(ctx context.Context, escrowID, trigger string) (Contract, error) {
	return s.mutate(ctx, escrowID, func(c *Contract, now time.Time) error {
		if !c.allApproved() {
			return ErrInvalidMilestoneState
		}
		if rest := c.TotalAmount - c.ReleasedAmount; rest > 0 {
			c.ReleasedAmount += rest
			appendTransaction(c, s.newID(), TxFinalRelease, "", rest, now)
		}
		c.State = StateReleased
		c.ReleaseTrigger = trigger
		c.ReleasedAt = &now
		c.AutoReleaseAt = nil
		return nil
	})
}

func (s *Service) armRelease(escrowID string, at time.Time) {
	s.sched.Schedule(releaseKey(escrowID), at, func() { s.autoRelease(escrowID) })
}

// autoRelease is the timer path. A contract that is already released makes it
// a no-op; store failures are retried.
func (s *Service) autoRelease(escrowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timerTimeout)
	defer cancel()

	c, err := s.finalize(ctx, escrowID, TriggerAuto)
	switch {
	case err == nil:
		log.Printf("escrow: auto-released %s", escrowID)
		s.released(ctx, c)
	case errors.Is(err, ErrEscrowAlreadyReleased), errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrInvalidMilestoneState):
		log.Printf("escrow: auto-release of %s skipped: %v", escrowID, err)
	default:
		log.Printf("escrow: auto-release of %s failed: %v (retrying in %s)", escrowID, err, releaseRetryDelay)
		s.armRelease(escrowID, s.sched.Now().Add(releaseRetryDelay))
	}
}

func (s *Service) released(ctx context.Context, c Contract) {
	s.metrics.EscrowReleased(c.ReleaseTrigger)
	s.emit(ctx, outbox.TopicEscrowReleased, map[string]any{
		"escrow_id":       c.ID,
		"trigger":         c.ReleaseTrigger,
		"released_amount": c.ReleasedAmount,
		"refunded_amount": c.RefundedAmount,
	})
}

// GetEscrowStatus returns the latest published snapshot without waiting on
// in-flight transitions.
func (s *Service) GetEscrowStatus(ctx context.Context, escrowID string) (Contract, error) {
	st, err := s.load(ctx, escrowID)
	if err != nil {
		return Contract{}, err
	}
	return st.snap.Load().clone(), nil
}

// GetByBid resolves the escrow opened for an accepted bid.
func (s *Service) GetByBid(ctx context.Context, bidID string) (Contract, error) {
	c, err := s.store.GetByBid(ctx, bidID)
	if err != nil {
		return Contract{}, err
	}
	return s.GetEscrowStatus(ctx, c.ID)
}

// Restore reloads unreleased contracts and re-arms pending auto-release
// deadlines. It returns the number of deadlines armed.
func (s *Service) Restore(ctx context.Context) (int, error) {
	contracts, err := s.store.ListUnreleased(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: restore: %w", err)
	}
	armed := 0
	for _, c := range contracts {
		st := s.register(c)
		if at := st.snap.Load().AutoReleaseAt; at != nil {
			s.armRelease(c.ID, *at)
			armed++
		}
	}
	return armed, nil
}

func (s *Service) emit(ctx context.Context, topic string, payload any) {
	if err := s.events.Enqueue(ctx, topic, payload); err != nil {
		log.Printf("escrow: enqueue %s: %v", topic, err)
	}
}
