package bidding

import "time"

type WindowState string

const (
	WindowCollecting WindowState = "collecting"
	WindowRevealing  WindowState = "revealing"
	WindowResolved   WindowState = "resolved"
)

type BidState string

const (
	BidSealed    BidState = "sealed"
	BidRevealed  BidState = "revealed"
	BidAccepted  BidState = "accepted"
	BidRejected  BidState = "rejected"
	BidWithdrawn BidState = "withdrawn"
)

// MilestoneProposal is one step of a helper's proposed payment schedule.
type MilestoneProposal struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// Payload is the content a helper seals into a bid. Amounts are in the
// smallest currency unit.
type Payload struct {
	Amount             int64               `json:"amount"`
	CompletionEstimate time.Duration       `json:"completion_estimate"`
	Proposal           string              `json:"proposal"`
	Milestones         []MilestoneProposal `json:"milestones,omitempty"`
}

// SealedPayload is the ciphertext stored while the window is collecting.
// Commitment is the SHA-256 of the plaintext and is checked at reveal.
type SealedPayload struct {
	Ciphertext []byte
	Nonce      []byte
	Commitment []byte
}

// Score breaks a bid's ranking score into its weighted components, each on a 0-100 scale.
type Score struct {
	Total      float64 `json:"total"`
	Price      float64 `json:"price"`
	Rating     float64 `json:"rating"`
	Completion float64 `json:"completion"`
	Response   float64 `json:"response"`
}

// Bid is a helper's offer on a task. Payload and Score stay nil until the
// window closes.
type Bid struct {
	ID          string
	TaskID      string
	HelperID    string
	State       BidState
	SubmittedAt time.Time
	Sealed      SealedPayload
	Payload     *Payload
	Score       *Score
	Rank        int
	RevealedAt  *time.Time
	DecidedAt   *time.Time
}

// Window is the bidding lifecycle of one task.
type Window struct {
	TaskID         string
	SeekerID       string
	State          WindowState
	OpensAt        time.Time
	ClosesAt       time.Time
	ReferencePrice int64
	RevealedAt     *time.Time
	AcceptedBidID  string
	Aborted        bool
}

// Receipt confirms a sealed submission.
type Receipt struct {
	BidID          string    `json:"bid_id"`
	TaskID         string    `json:"task_id"`
	SubmittedAt    time.Time `json:"submitted_at"`
	RevealAt       time.Time `json:"reveal_at"`
	ReferencePrice int64     `json:"reference_price"`
}

// Acceptance is emitted once per task when a bid is accepted. The escrow
// opens custody from it.
type Acceptance struct {
	TaskID     string              `json:"task_id"`
	BidID      string              `json:"bid_id"`
	HelperID   string              `json:"helper_id"`
	SeekerID   string              `json:"seeker_id"`
	Amount     int64               `json:"amount"`
	Milestones []MilestoneProposal `json:"milestones,omitempty"`
	AcceptedAt time.Time           `json:"accepted_at"`
}

// SubmitParams carries a helper's submission.
type SubmitParams struct {
	TaskID   string
	HelperID string
	Payload  Payload
}
