package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"helpmarket/bidding"
	"helpmarket/outbox"
	"helpmarket/schedule"
	"helpmarket/schedule/schedtest"
)

var testStart = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	clock *schedtest.ManualClock
	sched *schedule.Scheduler
	store *MemoryStore
	bus   *outbox.MemoryBus
	cases *CaseLog
}

func newFixture() *fixture {
	f := &fixture{
		clock: schedtest.NewManualClock(testStart),
		store: NewMemoryStore(),
		bus:   outbox.NewMemoryBus(),
		cases: NewCaseLog(),
	}
	f.sched = schedule.NewScheduler(f.clock)
	f.svc = f.newService()
	return f
}

func (f *fixture) newService() *Service {
	n := 0
	return NewService(f.store, f.sched).
		WithOutbox(f.bus).
		WithArbitration(f.cases).
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		})
}

func threeMilestones() OpenParams {
	return OpenParams{
		TaskID:      "task-1",
		BidID:       "bid-1",
		SeekerID:    "seeker-1",
		HelperID:    "h1",
		TotalAmount: 150,
		Milestones: []MilestoneSpec{
			{Description: "prep", Amount: 50},
			{Description: "work", Amount: 50},
			{Description: "cleanup", Amount: 50},
		},
		AutoReleaseHours: 1,
	}
}

func (f *fixture) open(t *testing.T, p OpenParams) Contract {
	t.Helper()
	c, err := f.svc.Open(context.Background(), p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return c
}

func TestScenario_FinalReleaseWaitsForDispute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.open(t, threeMilestones())
	if c.State != StatePending {
		t.Fatalf("expected pending after open, got %s", c.State)
	}
	m := c.Milestones

	for _, id := range []string{m[0].ID, m[1].ID} {
		if _, err := f.svc.ApproveMilestone(ctx, c.ID, id); err != nil {
			t.Fatalf("approve %s: %v", id, err)
		}
	}
	disputed, err := f.svc.DisputeMilestone(ctx, c.ID, m[2].ID, "incomplete cleanup")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.State != StateDisputed || disputed.ReleasedAmount != 100 {
		t.Fatalf("unexpected contract after dispute: state %s released %d", disputed.State, disputed.ReleasedAmount)
	}

	if _, err := f.svc.FinalRelease(ctx, c.ID); !errors.Is(err, ErrInvalidMilestoneState) {
		t.Fatalf("expected ErrInvalidMilestoneState, got %v", err)
	}

	resolved, err := f.svc.ResolveDispute(ctx, c.ID, m[2].ID, Decision{Outcome: OutcomeApprove})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.State != StatePending {
		t.Fatalf("expected pending after approval ruling, got %s", resolved.State)
	}

	released, err := f.svc.FinalRelease(ctx, c.ID)
	if err != nil {
		t.Fatalf("final release: %v", err)
	}
	if released.State != StateReleased || released.ReleasedAmount != 150 || released.ReleaseTrigger != TriggerManual {
		t.Fatalf("unexpected released contract %+v", released)
	}
	if err := VerifyChain(released.Transactions); err != nil {
		t.Fatalf("ledger chain: %v", err)
	}
	if got := f.cases.List(CaseResolved); len(got) != 1 || got[0].MilestoneID != m[2].ID {
		t.Fatalf("expected the case to be closed, got %+v", got)
	}
}

func TestMilestoneStateGuards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.open(t, threeMilestones())
	m := c.Milestones

	if _, err := f.svc.ApproveMilestone(ctx, c.ID, "missing"); !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}
	if _, err := f.svc.ApproveMilestone(ctx, "missing", m[0].ID); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
	if _, err := f.svc.ApproveMilestone(ctx, c.ID, m[0].ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.ApproveMilestone(ctx, c.ID, m[0].ID); !errors.Is(err, ErrInvalidMilestoneState) {
		t.Fatalf("double approve: expected ErrInvalidMilestoneState, got %v", err)
	}
	if _, err := f.svc.DisputeMilestone(ctx, c.ID, m[0].ID, "late"); !errors.Is(err, ErrInvalidMilestoneState) {
		t.Fatalf("dispute approved: expected ErrInvalidMilestoneState, got %v", err)
	}
	if _, err := f.svc.ResolveDispute(ctx, c.ID, m[1].ID, Decision{Outcome: OutcomeApprove}); !errors.Is(err, ErrInvalidMilestoneState) {
		t.Fatalf("resolve pending: expected ErrInvalidMilestoneState, got %v", err)
	}
	if _, err := f.svc.ResolveDispute(ctx, c.ID, m[1].ID, Decision{Outcome: "coin-flip"}); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}

	done, err := f.svc.CompleteMilestone(ctx, c.ID, m[1].ID, []string{"photo-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := done.Milestones[1]; got.State != MilestonePending || got.CompletedAt == nil || len(got.Deliverables) != 1 {
		t.Fatalf("unexpected milestone after completion %+v", got)
	}
}

func TestAutoRelease_FiresOnceAfterLastApproval(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.open(t, threeMilestones())

	for _, m := range c.Milestones {
		if _, err := f.svc.ApproveMilestone(ctx, c.ID, m.ID); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if !f.sched.Pending(releaseKey(c.ID)) {
		t.Fatal("expected auto-release to be armed after the last approval")
	}

	f.clock.Advance(59 * time.Minute)
	if got, _ := f.svc.GetEscrowStatus(ctx, c.ID); got.State == StateReleased {
		t.Fatal("released before the deadline")
	}
	f.clock.Advance(time.Minute)
	got, err := f.svc.GetEscrowStatus(ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.State != StateReleased || got.ReleaseTrigger != TriggerAuto {
		t.Fatalf("expected auto release, got %s/%s", got.State, got.ReleaseTrigger)
	}

	f.clock.Advance(10 * time.Hour)
	if n := len(f.bus.Messages(outbox.TopicEscrowReleased)); n != 1 {
		t.Fatalf("expected exactly one release event, got %d", n)
	}
	if _, err := f.svc.FinalRelease(ctx, c.ID); !errors.Is(err, ErrEscrowAlreadyReleased) {
		t.Fatalf("expected ErrEscrowAlreadyReleased, got %v", err)
	}
}

func TestFinalRelease_CancelsAutoRelease(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := threeMilestones()
	p.TotalAmount = 200
	c := f.open(t, p)

	for _, m := range c.Milestones {
		if _, err := f.svc.ApproveMilestone(ctx, c.ID, m.ID); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	released, err := f.svc.FinalRelease(ctx, c.ID)
	if err != nil {
		t.Fatalf("final release: %v", err)
	}
	if released.ReleasedAmount != 200 {
		t.Fatalf("expected the unallocated remainder released, got %d", released.ReleasedAmount)
	}
	last := released.Transactions[len(released.Transactions)-1]
	if last.Kind != TxFinalRelease || last.Amount != 50 {
		t.Fatalf("unexpected final transaction %+v", last)
	}
	if f.sched.Pending(releaseKey(c.ID)) {
		t.Fatal("auto-release still armed after final release")
	}

	f.clock.Advance(24 * time.Hour)
	got, _ := f.svc.GetEscrowStatus(ctx, c.ID)
	if got.ReleaseTrigger != TriggerManual {
		t.Fatalf("auto-release fired after final release: %s", got.ReleaseTrigger)
	}
	if _, err := f.svc.ApproveMilestone(ctx, c.ID, c.Milestones[0].ID); !errors.Is(err, ErrEscrowAlreadyReleased) {
		t.Fatalf("expected ErrEscrowAlreadyReleased, got %v", err)
	}
}

func TestResolveDispute_PartialTerminates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := threeMilestones()
	p.Milestones = p.Milestones[:2]
	c := f.open(t, p)
	m := c.Milestones

	if _, err := f.svc.ApproveMilestone(ctx, c.ID, m[0].ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.DisputeMilestone(ctx, c.ID, m[1].ID, "no show"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if open := f.cases.List(CaseUnderReview); len(open) != 1 || open[0].Amount != 50 {
		t.Fatalf("expected one open case, got %+v", open)
	}

	if _, err := f.svc.ResolveDispute(ctx, c.ID, m[1].ID, Decision{Outcome: OutcomePartial, ReleaseAmount: 60}); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision for an award above the milestone, got %v", err)
	}
	got, err := f.svc.ResolveDispute(ctx, c.ID, m[1].ID, Decision{Outcome: OutcomePartial, ReleaseAmount: 20})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.State != StateReleased || got.ReleaseTrigger != TriggerArbitration {
		t.Fatalf("expected terminated escrow, got %s/%s", got.State, got.ReleaseTrigger)
	}
	if got.ReleasedAmount != 70 || got.RefundedAmount != 80 {
		t.Fatalf("expected 70 released and 80 refunded, got %d/%d", got.ReleasedAmount, got.RefundedAmount)
	}
	if err := VerifyChain(got.Transactions); err != nil {
		t.Fatalf("ledger chain: %v", err)
	}
}

func TestOpen_Validation(t *testing.T) {
	f := newFixture()
	f.svc.WithDefaults(48, 10)

	bad := threeMilestones()
	bad.InsuranceCoverage = 120
	if _, err := f.svc.Open(context.Background(), bad); !errors.Is(err, ErrInvalidCoverage) {
		t.Fatalf("expected ErrInvalidCoverage, got %v", err)
	}
	bad = threeMilestones()
	bad.TotalAmount = 120
	if _, err := f.svc.Open(context.Background(), bad); !errors.Is(err, ErrInvalidMilestones) {
		t.Fatalf("expected ErrInvalidMilestones, got %v", err)
	}

	c := f.open(t, OpenParams{BidID: "bid-9", TaskID: "task-9", TotalAmount: 150, InsuranceCoverage: -1})
	if len(c.Milestones) != 1 || c.Milestones[0].Amount != 150 {
		t.Fatalf("expected a single full-amount milestone, got %+v", c.Milestones)
	}
	if c.CoveredAmount != 15 || c.AutoReleaseAfter != 48*time.Hour {
		t.Fatalf("expected defaults applied, got covered %d after %s", c.CoveredAmount, c.AutoReleaseAfter)
	}
}

func TestHandleAcceptance_OpensOncePerBid(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.bus.Subscribe(outbox.TopicBidAccepted, f.svc.HandleAcceptance)

	acc := bidding.Acceptance{
		TaskID:     "task-1",
		BidID:      "bid-7",
		HelperID:   "h1",
		SeekerID:   "seeker-1",
		Amount:     90,
		Milestones: []bidding.MilestoneProposal{{Description: "half", Amount: 45}, {Description: "rest", Amount: 45}},
	}
	for i := 0; i < 2; i++ {
		if err := f.bus.Enqueue(ctx, outbox.TopicBidAccepted, acc); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for _, m := range f.bus.Messages(outbox.TopicBidAccepted) {
		if m.Status != outbox.StatusProcessed {
			t.Fatalf("delivery %s ended %s: %s", m.ID, m.Status, m.LastError)
		}
	}

	c, err := f.svc.GetByBid(ctx, "bid-7")
	if err != nil {
		t.Fatalf("get by bid: %v", err)
	}
	if c.TotalAmount != 90 || len(c.Milestones) != 2 || c.AutoReleaseAfter != DefaultAutoReleaseHours*time.Hour {
		t.Fatalf("unexpected contract %+v", c)
	}
	if n := len(f.bus.Messages(outbox.TopicEscrowOpened)); n != 1 {
		t.Fatalf("expected one escrow opened event, got %d", n)
	}

	bad := outbox.Message{ID: "m-bad", Topic: outbox.TopicBidAccepted, Payload: []byte("{")}
	if err := f.svc.HandleAcceptance(ctx, bad); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRestore_RearmsAutoRelease(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.open(t, threeMilestones())
	for _, m := range c.Milestones {
		if _, err := f.svc.ApproveMilestone(ctx, c.ID, m.ID); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	f.sched.Close()

	f.sched = schedule.NewScheduler(f.clock)
	restarted := f.newService()
	armed, err := restarted.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if armed != 1 {
		t.Fatalf("expected 1 deadline re-armed, got %d", armed)
	}
	f.clock.Advance(2 * time.Hour)
	got, _ := restarted.GetEscrowStatus(ctx, c.ID)
	if got.State != StateReleased || got.ReleaseTrigger != TriggerAuto {
		t.Fatalf("expected restored auto release, got %s/%s", got.State, got.ReleaseTrigger)
	}
}

func TestReleasedAmountIsMonotone(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture()
		ctx := context.Background()
		n := rapid.IntRange(1, 5).Draw(t, "milestones")
		p := OpenParams{BidID: "bid-1", TotalAmount: rapid.Int64Range(int64(n)*10, 1000).Draw(t, "total"), AutoReleaseHours: 1}
		for i := 0; i < n; i++ {
			p.Milestones = append(p.Milestones, MilestoneSpec{Description: "m", Amount: 10})
		}
		c, err := f.svc.Open(ctx, p)
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		var last int64
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			m := c.Milestones[rapid.IntRange(0, n-1).Draw(t, "milestone")].ID
			switch rapid.IntRange(0, 5).Draw(t, "op") {
			case 0:
				_, _ = f.svc.ApproveMilestone(ctx, c.ID, m)
			case 1:
				_, _ = f.svc.DisputeMilestone(ctx, c.ID, m, "reason")
			case 2:
				_, _ = f.svc.ResolveDispute(ctx, c.ID, m, Decision{Outcome: OutcomeApprove})
			case 3:
				award := rapid.Int64Range(0, 10).Draw(t, "award")
				_, _ = f.svc.ResolveDispute(ctx, c.ID, m, Decision{Outcome: OutcomePartial, ReleaseAmount: award})
			case 4:
				_, _ = f.svc.FinalRelease(ctx, c.ID)
			case 5:
				f.clock.Advance(time.Duration(rapid.IntRange(0, 90).Draw(t, "minutes")) * time.Minute)
			}

			got, err := f.svc.GetEscrowStatus(ctx, c.ID)
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if got.ReleasedAmount < last {
				t.Fatalf("released amount decreased from %d to %d", last, got.ReleasedAmount)
			}
			if got.ReleasedAmount+got.RefundedAmount > got.TotalAmount {
				t.Fatalf("released %d + refunded %d exceeds total %d", got.ReleasedAmount, got.RefundedAmount, got.TotalAmount)
			}
			last = got.ReleasedAmount
		}
	})
}
