package escrow

import "time"

// State is the lifecycle of an escrow contract.
type State string

const (
	StateLocked   State = "locked"
	StatePending  State = "pending"
	StateDisputed State = "disputed"
	StateReleased State = "released"
)

type MilestoneState string

const (
	MilestonePending  MilestoneState = "pending"
	MilestoneApproved MilestoneState = "approved"
	MilestoneDisputed MilestoneState = "disputed"
)

// Release triggers recorded on a released contract.
const (
	TriggerManual      = "manual"
	TriggerAuto        = "auto"
	TriggerArbitration = "arbitration"
)

type Milestone struct {
	ID             string         `json:"id"`
	EscrowID       string         `json:"escrow_id"`
	Sequence       int            `json:"sequence"`
	Description    string         `json:"description"`
	Amount         int64          `json:"amount"`
	State          MilestoneState `json:"state"`
	Deliverables   []string       `json:"deliverables,omitempty"`
	DisputeReason  string         `json:"dispute_reason,omitempty"`
	ReleasedAmount int64          `json:"released_amount"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ReleasedAt     *time.Time     `json:"released_at,omitempty"`
}

// Contract holds custody of an accepted bid's amount. Amounts are in the
// smallest currency unit.
type Contract struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"task_id"`
	BidID             string        `json:"bid_id"`
	SeekerID          string        `json:"seeker_id"`
	HelperID          string        `json:"helper_id"`
	TotalAmount       int64         `json:"total_amount"`
	ReleasedAmount    int64         `json:"released_amount"`
	RefundedAmount    int64         `json:"refunded_amount"`
	State             State         `json:"state"`
	Milestones        []Milestone   `json:"milestones"`
	InsuranceCoverage float64       `json:"insurance_coverage"`
	CoveredAmount     int64         `json:"covered_amount"`
	AutoReleaseAfter  time.Duration `json:"auto_release_after"`
	AutoReleaseAt     *time.Time    `json:"auto_release_at,omitempty"`
	ReleaseTrigger    string        `json:"release_trigger,omitempty"`
	Transactions      []Transaction `json:"transactions"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	ReleasedAt        *time.Time    `json:"released_at,omitempty"`
}

func (c Contract) milestoneIndex(id string) int {
	for i, m := range c.Milestones {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c Contract) allApproved() bool {
	for _, m := range c.Milestones {
		if m.State != MilestoneApproved {
			return false
		}
	}
	return true
}

func (c Contract) hasDispute() bool {
	for _, m := range c.Milestones {
		if m.State == MilestoneDisputed {
			return true
		}
	}
	return false
}

func (c Contract) clone() Contract {
	out := c
	out.Milestones = make([]Milestone, len(c.Milestones))
	for i, m := range c.Milestones {
		m.Deliverables = append([]string(nil), m.Deliverables...)
		out.Milestones[i] = m
	}
	out.Transactions = append([]Transaction(nil), c.Transactions...)
	return out
}

// MilestoneSpec describes one milestone at opening time.
type MilestoneSpec struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// OpenParams opens custody for an accepted bid. A zero AutoReleaseHours or a
// negative InsuranceCoverage falls back to the service defaults.
type OpenParams struct {
	TaskID            string
	BidID             string
	SeekerID          string
	HelperID          string
	TotalAmount       int64
	Milestones        []MilestoneSpec
	InsuranceCoverage float64
	AutoReleaseHours  int
}

type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomePartial Outcome = "partial"
)

// Decision is the arbitration outcome for one disputed milestone.
// ReleaseAmount applies to OutcomePartial only.
type Decision struct {
	Outcome       Outcome `json:"outcome"`
	ReleaseAmount int64   `json:"release_amount,omitempty"`
	Note          string  `json:"note,omitempty"`
}
