package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

type CaseStatus string

const (
	CaseUnderReview CaseStatus = "under_review"
	CaseResolved    CaseStatus = "resolved"
)

// Case is a disputed milestone handed to arbitration.
type Case struct {
	EscrowID    string     `json:"escrow_id"`
	MilestoneID string     `json:"milestone_id"`
	TaskID      string     `json:"task_id"`
	Amount      int64      `json:"amount"`
	Reason      string     `json:"reason"`
	Status      CaseStatus `json:"status"`
	OpenedAt    time.Time  `json:"opened_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Decision    *Decision  `json:"decision,omitempty"`
}

// Arbitration is the external capability that decides disputes. Its verdict
// comes back through Service.ResolveDispute.
type Arbitration interface {
	FileCase(ctx context.Context, c Case) error
}

// caseCloser is implemented by arbitration backends that track case status.
type caseCloser interface {
	CloseCase(ctx context.Context, escrowID, milestoneID string, d Decision, at time.Time) error
}

// CaseLog is an in-process arbitration inbox. Arbiters list open cases from it
// and answer through the HTTP surface.
type CaseLog struct {
	mu    sync.Mutex
	cases map[string]Case
}

func NewCaseLog() *CaseLog {
	return &CaseLog{cases: make(map[string]Case)}
}

func caseKey(escrowID, milestoneID string) string { return escrowID + "/" + milestoneID }

func (l *CaseLog) FileCase(_ context.Context, c Case) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.Status = CaseUnderReview
	l.cases[caseKey(c.EscrowID, c.MilestoneID)] = c
	return nil
}

func (l *CaseLog) CloseCase(_ context.Context, escrowID, milestoneID string, d Decision, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := caseKey(escrowID, milestoneID)
	c, ok := l.cases[key]
	if !ok {
		return nil
	}
	c.Status = CaseResolved
	c.ResolvedAt = &at
	c.Decision = &d
	l.cases[key] = c
	return nil
}

// List returns cases in the given status, oldest first. An empty status lists all.
func (l *CaseLog) List(status CaseStatus) []Case {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Case, 0, len(l.cases))
	for _, c := range l.cases {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return caseKey(out[i].EscrowID, out[i].MilestoneID) < caseKey(out[j].EscrowID, out[j].MilestoneID)
	})
	return out
}
