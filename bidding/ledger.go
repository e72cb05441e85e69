package bidding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"helpmarket/outbox"
)

// Ledger persists windows and bids. Implementations must apply SaveTransition
// atomically: either the window and every listed bid are written, or none are.
// SaveAcceptance extends the same guarantee to the bid.accepted event.
type Ledger interface {
	CreateWindow(ctx context.Context, w Window) error
	GetWindow(ctx context.Context, taskID string) (Window, error)
	ListWindows(ctx context.Context, state WindowState) ([]Window, error)
	InsertBid(ctx context.Context, b Bid) error
	ListBids(ctx context.Context, taskID string) ([]Bid, error)
	SaveTransition(ctx context.Context, w Window, bids []Bid) error
	SaveAcceptance(ctx context.Context, w Window, bids []Bid, acc Acceptance) error
}

// MemoryLedger keeps windows and bids in process.
type MemoryLedger struct {
	mu      sync.Mutex
	windows map[string]Window
	bids    map[string][]Bid
	events  outbox.Writer
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		windows: make(map[string]Window),
		bids:    make(map[string][]Bid),
		events:  outbox.Discard,
	}
}

// WithOutbox sets the writer that receives acceptance events.
func (l *MemoryLedger) WithOutbox(w outbox.Writer) *MemoryLedger {
	if w != nil {
		l.events = w
	}
	return l
}

func (l *MemoryLedger) CreateWindow(_ context.Context, w Window) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.windows[w.TaskID]; ok {
		return ErrWindowExists
	}
	l.windows[w.TaskID] = w
	return nil
}

func (l *MemoryLedger) GetWindow(_ context.Context, taskID string) (Window, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[taskID]
	if !ok {
		return Window{}, ErrTaskNotFound
	}
	return w, nil
}

func (l *MemoryLedger) ListWindows(_ context.Context, state WindowState) ([]Window, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Window, 0, len(l.windows))
	for _, w := range l.windows {
		if w.State == state {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (l *MemoryLedger) InsertBid(_ context.Context, b Bid) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.windows[b.TaskID]; !ok {
		return ErrTaskNotFound
	}
	for _, existing := range l.bids[b.TaskID] {
		if existing.HelperID == b.HelperID && existing.State == BidSealed {
			return ErrDuplicateBid
		}
	}
	l.bids[b.TaskID] = append(l.bids[b.TaskID], cloneBid(b))
	return nil
}

func (l *MemoryLedger) ListBids(_ context.Context, taskID string) ([]Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := l.bids[taskID]
	out := make([]Bid, len(stored))
	for i, b := range stored {
		out[i] = cloneBid(b)
	}
	return out, nil
}

func (l *MemoryLedger) SaveTransition(_ context.Context, w Window, bids []Bid) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _, err := l.applyLocked(w, bids)
	return err
}

// SaveAcceptance applies the transition, then enqueues the acceptance event
// outside the lock. A failed enqueue restores the previous window and bids.
func (l *MemoryLedger) SaveAcceptance(ctx context.Context, w Window, bids []Bid, acc Acceptance) error {
	l.mu.Lock()
	prevWindow, prevBids, err := l.applyLocked(w, bids)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if err := l.events.Enqueue(ctx, outbox.TopicBidAccepted, acc); err != nil {
		l.mu.Lock()
		l.windows[w.TaskID] = prevWindow
		l.bids[w.TaskID] = prevBids
		l.mu.Unlock()
		return fmt.Errorf("bidding: record acceptance event: %w", err)
	}
	return nil
}

// applyLocked writes w and bids and returns the records it replaced.
func (l *MemoryLedger) applyLocked(w Window, bids []Bid) (Window, []Bid, error) {
	prev, ok := l.windows[w.TaskID]
	if !ok {
		return Window{}, nil, ErrTaskNotFound
	}
	stored := l.bids[w.TaskID]
	index := make(map[string]int, len(stored))
	for i, b := range stored {
		index[b.ID] = i
	}
	for _, b := range bids {
		if _, ok := index[b.ID]; !ok {
			return Window{}, nil, ErrBidNotFound
		}
	}
	next := make([]Bid, len(stored))
	copy(next, stored)
	for _, b := range bids {
		next[index[b.ID]] = cloneBid(b)
	}
	l.windows[w.TaskID] = w
	l.bids[w.TaskID] = next
	return prev, stored, nil
}

func cloneBid(b Bid) Bid {
	if b.Payload != nil {
		p := *b.Payload
		p.Milestones = append([]MilestoneProposal(nil), p.Milestones...)
		b.Payload = &p
	}
	if b.Score != nil {
		s := *b.Score
		b.Score = &s
	}
	return b
}
