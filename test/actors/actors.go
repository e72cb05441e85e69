package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"helpmarket/bidding"
	"helpmarket/emergency"
	"helpmarket/escrow"
	"helpmarket/test/infra"
)

// Stats counts what the actors got done. Transient counts errors that were
// not domain refusals, such as connections cut by chaos.
type Stats struct {
	Submitted atomic.Int64
	Accepted  atomic.Int64
	Settled   atomic.Int64
	Responses atomic.Int64
	Refused   atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("submitted=%d accepted=%d settled=%d responses=%d refused=%d transient=%d",
		s.Submitted.Load(), s.Accepted.Load(), s.Settled.Load(), s.Responses.Load(), s.Refused.Load(), s.Transient.Load())
}

// classify records err as a refusal when it matches one of the sentinels and
// as transient otherwise.
func (s *Stats) classify(err error, refusals ...error) {
	for _, r := range refusals {
		if errors.Is(err, r) {
			s.Refused.Add(1)
			return
		}
	}
	s.Transient.Add(1)
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Bidder submits sealed bids for helperID across tasks, racing other bidders
// and the window deadlines. Duplicates and late bids are refused.
func Bidder(ctx context.Context, s *infra.Stack, helperID string, tasks []string, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		taskID := tasks[rand.Intn(len(tasks))]
		amount := int64(50 + rand.Intn(51))
		payload := bidding.Payload{
			Amount:             amount,
			CompletionEstimate: time.Duration(30+rand.Intn(240)) * time.Minute,
			Proposal:           "stress bid from " + helperID,
		}
		if rand.Intn(2) == 0 {
			first := amount / 2
			payload.Milestones = []bidding.MilestoneProposal{
				{Description: "start", Amount: first},
				{Description: "finish", Amount: amount - first},
			}
		}
		_, err := s.Matching.SubmitBid(ctx, bidding.SubmitParams{TaskID: taskID, HelperID: helperID, Payload: payload})
		if err == nil {
			stats.Submitted.Add(1)
		} else if ctx.Err() == nil {
			stats.classify(err, bidding.ErrDuplicateBid, bidding.ErrWindowClosed, bidding.ErrTaskNotFound)
		}
		if rand.Intn(8) == 0 {
			withdraw(ctx, s, taskID, helperID, stats)
		}
		pause(10, 30)
	}
	return nil
}

func withdraw(ctx context.Context, s *infra.Stack, taskID, helperID string, stats *Stats) {
	bids, err := s.Matching.GetBidsForTask(ctx, taskID)
	if err != nil {
		return
	}
	for _, b := range bids {
		if b.HelperID != helperID || b.State != bidding.BidSealed {
			continue
		}
		if _, err := s.Matching.WithdrawBid(ctx, taskID, b.ID, helperID); err != nil && ctx.Err() == nil {
			stats.classify(err, bidding.ErrWindowClosed, bidding.ErrBidNotPending)
		}
	}
}

// Closer closes windows early at random, racing the deadline timers.
func Closer(ctx context.Context, s *infra.Stack, tasks []string, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		taskID := tasks[rand.Intn(len(tasks))]
		if _, err := s.Matching.CloseWindow(ctx, taskID); err != nil && ctx.Err() == nil {
			stats.classify(err, bidding.ErrWindowClosed, bidding.ErrAlreadyResolved, bidding.ErrTaskNotFound)
		}
		pause(200, 400)
	}
	return nil
}

// Acceptor accepts a random revealed bid. Several acceptors race on the same
// task; at most one acceptance may stick.
func Acceptor(ctx context.Context, s *infra.Stack, tasks []string, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		taskID := tasks[rand.Intn(len(tasks))]
		bids, err := s.Matching.GetBidsForTask(ctx, taskID)
		if err != nil || len(bids) == 0 {
			pause(20, 40)
			continue
		}
		b := bids[rand.Intn(len(bids))]
		acc, err := s.Matching.AcceptBid(ctx, taskID, b.ID)
		switch {
		case err == nil:
			stats.Accepted.Add(1)
		case acc.BidID != "":
			// Accepted but the event write failed; accepting again re-emits it.
			stats.Transient.Add(1)
		case ctx.Err() == nil:
			stats.classify(err, bidding.ErrWindowOpen, bidding.ErrAlreadyResolved, bidding.ErrBidNotPending,
				bidding.ErrBidNotFound, bidding.ErrTaskNotFound)
		}
		pause(20, 60)
	}
	return nil
}

// Settler drives escrows of accepted bids to settlement, mixing approvals,
// disputes, arbitration and final releases from several goroutines at once.
func Settler(ctx context.Context, s *infra.Stack, tasks []string, stats *Stats, stop <-chan struct{}) error {
	refusals := []error{escrow.ErrInvalidMilestoneState, escrow.ErrEscrowAlreadyReleased, escrow.ErrEscrowNotFound}
	for !done(ctx, stop) {
		c, ok := acceptedEscrow(ctx, s, tasks[rand.Intn(len(tasks))])
		if !ok {
			pause(30, 60)
			continue
		}

		var err error
		switch m := pickMilestone(c); {
		case m == nil:
			_, err = s.Escrows.FinalRelease(ctx, c.ID)
			if err == nil {
				stats.Settled.Add(1)
			}
		case m.State == escrow.MilestoneDisputed:
			_, err = s.Escrows.ResolveDispute(ctx, c.ID, m.ID, escrow.Decision{
				Outcome:       escrow.OutcomePartial,
				ReleaseAmount: m.Amount / 2,
				Note:          "split",
			})
			if err == nil {
				stats.Settled.Add(1)
			}
		case rand.Intn(6) == 0:
			_, err = s.Escrows.DisputeMilestone(ctx, c.ID, m.ID, "stress dispute")
		default:
			_, err = s.Escrows.ApproveMilestone(ctx, c.ID, m.ID)
		}
		if err != nil && ctx.Err() == nil {
			stats.classify(err, refusals...)
		}
		pause(20, 50)
	}
	return nil
}

func acceptedEscrow(ctx context.Context, s *infra.Stack, taskID string) (escrow.Contract, bool) {
	w, err := s.Matching.Window(ctx, taskID)
	if err != nil || w.AcceptedBidID == "" {
		return escrow.Contract{}, false
	}
	c, err := s.Escrows.GetByBid(ctx, w.AcceptedBidID)
	if err != nil || c.State == escrow.StateReleased {
		return escrow.Contract{}, false
	}
	return c, true
}

// pickMilestone returns a random unsettled milestone, or nil when all are
// approved.
func pickMilestone(c escrow.Contract) *escrow.Milestone {
	var open []*escrow.Milestone
	for i := range c.Milestones {
		if c.Milestones[i].State != escrow.MilestoneApproved {
			open = append(open, &c.Milestones[i])
		}
	}
	if len(open) == 0 {
		return nil
	}
	return open[rand.Intn(len(open))]
}

// Responder answers a broadcast for helperID once, racing the expiry timer
// and other responders.
func Responder(ctx context.Context, s *infra.Stack, broadcastID, helperID string, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		decision := emergency.DecisionAccept
		if rand.Intn(3) == 0 {
			decision = emergency.DecisionDecline
		}
		_, err := s.Dispatcher.RecordResponse(ctx, broadcastID, helperID, decision)
		if err == nil {
			stats.Responses.Add(1)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		stats.classify(err, emergency.ErrNotificationNotFound, emergency.ErrNotificationExpired, emergency.ErrAlreadyResponded)
		if errors.Is(err, emergency.ErrNotificationExpired) || errors.Is(err, emergency.ErrAlreadyResponded) {
			return nil
		}
		pause(50, 100)
	}
	return nil
}

// Expander widens a broadcast in small steps until the radius cap refuses.
func Expander(ctx context.Context, s *infra.Stack, broadcastID string, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		_, err := s.Dispatcher.ExpandRadius(ctx, broadcastID, 0.5)
		if err != nil && ctx.Err() == nil {
			stats.classify(err, emergency.ErrBroadcastRadiusExceeded, emergency.ErrBroadcastStopped)
			if errors.Is(err, emergency.ErrBroadcastRadiusExceeded) || errors.Is(err, emergency.ErrBroadcastStopped) {
				return nil
			}
		}
		pause(100, 200)
	}
	return nil
}
