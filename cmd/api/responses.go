package main

import (
	"time"

	"helpmarket/bidding"
	"helpmarket/emergency"
	"helpmarket/escrow"
	"helpmarket/pricing"
	"helpmarket/task"
)

type taskResponse struct {
	ID          string  `json:"id"`
	SeekerID    string  `json:"seekerId"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	BudgetMin   int64   `json:"budgetMin"`
	BudgetMax   int64   `json:"budgetMax"`
	Urgency     string  `json:"urgency"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

func newTaskResponse(t task.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		SeekerID:    t.SeekerID,
		Category:    t.Category,
		Description: t.Description,
		Lat:         t.Location.Lat,
		Lng:         t.Location.Lng,
		BudgetMin:   t.BudgetMin,
		BudgetMax:   t.BudgetMax,
		Urgency:     string(t.Urgency),
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	}
}

type factorResponse struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier"`
}

type priceResponse struct {
	TaskID     string           `json:"taskId"`
	Base       int64            `json:"base"`
	Adjusted   int64            `json:"adjusted"`
	Multiplier float64          `json:"multiplier"`
	Factors    []factorResponse `json:"factors"`
}

func newPriceResponse(taskID string, p pricing.PriceRange) priceResponse {
	factors := make([]factorResponse, 0, len(p.Factors))
	for _, f := range p.Factors {
		factors = append(factors, factorResponse{Name: f.Name, Multiplier: f.Multiplier})
	}
	return priceResponse{
		TaskID:     taskID,
		Base:       p.Base,
		Adjusted:   p.Adjusted,
		Multiplier: p.Multiplier,
		Factors:    factors,
	}
}

type windowResponse struct {
	TaskID         string  `json:"taskId"`
	State          string  `json:"state"`
	OpensAt        string  `json:"opensAt"`
	ClosesAt       string  `json:"closesAt"`
	ReferencePrice int64   `json:"referencePrice"`
	RevealedAt     *string `json:"revealedAt,omitempty"`
	AcceptedBidID  string  `json:"acceptedBidId,omitempty"`
	Aborted        bool    `json:"aborted"`
}

func newWindowResponse(w bidding.Window) windowResponse {
	return windowResponse{
		TaskID:         w.TaskID,
		State:          string(w.State),
		OpensAt:        formatTime(w.OpensAt),
		ClosesAt:       formatTime(w.ClosesAt),
		ReferencePrice: w.ReferencePrice,
		RevealedAt:     formatTimePtr(w.RevealedAt),
		AcceptedBidID:  w.AcceptedBidID,
		Aborted:        w.Aborted,
	}
}

type milestoneProposal struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

type scoreResponse struct {
	Total      float64 `json:"total"`
	Price      float64 `json:"price"`
	Rating     float64 `json:"rating"`
	Completion float64 `json:"completion"`
	Response   float64 `json:"response"`
}

// bidResponse never carries sealed content; amounts appear after reveal.
type bidResponse struct {
	ID                       string              `json:"id"`
	TaskID                   string              `json:"taskId"`
	HelperID                 string              `json:"helperId"`
	State                    string              `json:"state"`
	SubmittedAt              string              `json:"submittedAt"`
	Amount                   *int64              `json:"amount,omitempty"`
	CompletionEstimateMinute *int64              `json:"completionEstimateMinutes,omitempty"`
	Proposal                 string              `json:"proposal,omitempty"`
	Milestones               []milestoneProposal `json:"milestones,omitempty"`
	Score                    *scoreResponse      `json:"score,omitempty"`
	Rank                     int                 `json:"rank,omitempty"`
	RevealedAt               *string             `json:"revealedAt,omitempty"`
	DecidedAt                *string             `json:"decidedAt,omitempty"`
}

func newBidResponse(b bidding.Bid) bidResponse {
	resp := bidResponse{
		ID:          b.ID,
		TaskID:      b.TaskID,
		HelperID:    b.HelperID,
		State:       string(b.State),
		SubmittedAt: formatTime(b.SubmittedAt),
		Rank:        b.Rank,
		RevealedAt:  formatTimePtr(b.RevealedAt),
		DecidedAt:   formatTimePtr(b.DecidedAt),
	}
	if b.Payload != nil {
		amount := b.Payload.Amount
		minutes := int64(b.Payload.CompletionEstimate / time.Minute)
		resp.Amount = &amount
		resp.CompletionEstimateMinute = &minutes
		resp.Proposal = b.Payload.Proposal
		for _, m := range b.Payload.Milestones {
			resp.Milestones = append(resp.Milestones, milestoneProposal(m))
		}
	}
	if b.Score != nil {
		sc := scoreResponse(*b.Score)
		resp.Score = &sc
	}
	return resp
}

func newBidResponses(bids []bidding.Bid) []bidResponse {
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, newBidResponse(b))
	}
	return out
}

type receiptResponse struct {
	BidID          string `json:"bidId"`
	TaskID         string `json:"taskId"`
	SubmittedAt    string `json:"submittedAt"`
	RevealAt       string `json:"revealAt"`
	ReferencePrice int64  `json:"referencePrice"`
}

func newReceiptResponse(r bidding.Receipt) receiptResponse {
	return receiptResponse{
		BidID:          r.BidID,
		TaskID:         r.TaskID,
		SubmittedAt:    formatTime(r.SubmittedAt),
		RevealAt:       formatTime(r.RevealAt),
		ReferencePrice: r.ReferencePrice,
	}
}

type acceptanceResponse struct {
	TaskID     string `json:"taskId"`
	BidID      string `json:"bidId"`
	HelperID   string `json:"helperId"`
	Amount     int64  `json:"amount"`
	AcceptedAt string `json:"acceptedAt"`
	EscrowID   string `json:"escrowId,omitempty"`
}

type escrowMilestoneResponse struct {
	ID             string   `json:"id"`
	Sequence       int      `json:"sequence"`
	Description    string   `json:"description"`
	Amount         int64    `json:"amount"`
	State          string   `json:"state"`
	Deliverables   []string `json:"deliverables,omitempty"`
	DisputeReason  string   `json:"disputeReason,omitempty"`
	ReleasedAmount int64    `json:"releasedAmount"`
	CompletedAt    *string  `json:"completedAt,omitempty"`
	ReleasedAt     *string  `json:"releasedAt,omitempty"`
}

type transactionResponse struct {
	ID          string `json:"id"`
	Sequence    int    `json:"sequence"`
	Kind        string `json:"kind"`
	MilestoneID string `json:"milestoneId,omitempty"`
	Amount      int64  `json:"amount"`
	PrevHash    string `json:"prevHash"`
	Hash        string `json:"hash"`
	CreatedAt   string `json:"createdAt"`
}

type escrowResponse struct {
	ID                string                    `json:"id"`
	TaskID            string                    `json:"taskId"`
	BidID             string                    `json:"bidId"`
	SeekerID          string                    `json:"seekerId"`
	HelperID          string                    `json:"helperId"`
	State             string                    `json:"state"`
	TotalAmount       int64                     `json:"totalAmount"`
	ReleasedAmount    int64                     `json:"releasedAmount"`
	RefundedAmount    int64                     `json:"refundedAmount"`
	InsuranceCoverage float64                   `json:"insuranceCoverage"`
	CoveredAmount     int64                     `json:"coveredAmount"`
	AutoReleaseHours  int64                     `json:"autoReleaseHours"`
	AutoReleaseAt     *string                   `json:"autoReleaseAt,omitempty"`
	ReleaseTrigger    string                    `json:"releaseTrigger,omitempty"`
	Milestones        []escrowMilestoneResponse `json:"milestones"`
	Transactions      []transactionResponse     `json:"transactions"`
	CreatedAt         string                    `json:"createdAt"`
	ReleasedAt        *string                   `json:"releasedAt,omitempty"`
}

func newEscrowResponse(c escrow.Contract) escrowResponse {
	resp := escrowResponse{
		ID:                c.ID,
		TaskID:            c.TaskID,
		BidID:             c.BidID,
		SeekerID:          c.SeekerID,
		HelperID:          c.HelperID,
		State:             string(c.State),
		TotalAmount:       c.TotalAmount,
		ReleasedAmount:    c.ReleasedAmount,
		RefundedAmount:    c.RefundedAmount,
		InsuranceCoverage: c.InsuranceCoverage,
		CoveredAmount:     c.CoveredAmount,
		AutoReleaseHours:  int64(c.AutoReleaseAfter / time.Hour),
		AutoReleaseAt:     formatTimePtr(c.AutoReleaseAt),
		ReleaseTrigger:    c.ReleaseTrigger,
		Milestones:        make([]escrowMilestoneResponse, 0, len(c.Milestones)),
		Transactions:      make([]transactionResponse, 0, len(c.Transactions)),
		CreatedAt:         formatTime(c.CreatedAt),
		ReleasedAt:        formatTimePtr(c.ReleasedAt),
	}
	for _, m := range c.Milestones {
		resp.Milestones = append(resp.Milestones, escrowMilestoneResponse{
			ID:             m.ID,
			Sequence:       m.Sequence,
			Description:    m.Description,
			Amount:         m.Amount,
			State:          string(m.State),
			Deliverables:   m.Deliverables,
			DisputeReason:  m.DisputeReason,
			ReleasedAmount: m.ReleasedAmount,
			CompletedAt:    formatTimePtr(m.CompletedAt),
			ReleasedAt:     formatTimePtr(m.ReleasedAt),
		})
	}
	for _, t := range c.Transactions {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:          t.ID,
			Sequence:    t.Sequence,
			Kind:        string(t.Kind),
			MilestoneID: t.MilestoneID,
			Amount:      t.Amount,
			PrevHash:    t.PrevHash,
			Hash:        t.Hash,
			CreatedAt:   formatTime(t.CreatedAt),
		})
	}
	return resp
}

type notificationResponse struct {
	HelperID    string  `json:"helperId"`
	DistanceKm  float64 `json:"distanceKm"`
	Wave        int     `json:"wave"`
	Incentive   int64   `json:"incentive"`
	State       string  `json:"state"`
	SentAt      string  `json:"sentAt"`
	ExpiresAt   string  `json:"expiresAt"`
	RespondedAt *string `json:"respondedAt,omitempty"`
}

func newNotificationResponse(n emergency.Notification) notificationResponse {
	return notificationResponse{
		HelperID:    n.HelperID,
		DistanceKm:  n.DistanceKm,
		Wave:        n.Wave,
		Incentive:   n.Incentive,
		State:       string(n.State),
		SentAt:      formatTime(n.SentAt),
		ExpiresAt:   formatTime(n.ExpiresAt),
		RespondedAt: formatTimePtr(n.RespondedAt),
	}
}

type broadcastResponse struct {
	ID            string                 `json:"id"`
	TaskID        string                 `json:"taskId"`
	Lat           float64                `json:"lat"`
	Lng           float64                `json:"lng"`
	RadiusKm      float64                `json:"radiusKm"`
	Incentive     int64                  `json:"incentive"`
	Waves         int                    `json:"waves"`
	Stopped       bool                   `json:"stopped"`
	AcceptedBy    []string               `json:"acceptedBy"`
	Notifications []notificationResponse `json:"notifications"`
	CreatedAt     string                 `json:"createdAt"`
}

func newBroadcastResponse(b emergency.Broadcast) broadcastResponse {
	resp := broadcastResponse{
		ID:            b.ID,
		TaskID:        b.TaskID,
		Lat:           b.Origin.Lat,
		Lng:           b.Origin.Lng,
		RadiusKm:      b.RadiusKm,
		Incentive:     b.Incentive,
		Waves:         b.Waves,
		Stopped:       b.Stopped,
		AcceptedBy:    []string{},
		Notifications: make([]notificationResponse, 0, len(b.Notifications)),
		CreatedAt:     formatTime(b.CreatedAt),
	}
	for _, n := range b.Notifications {
		resp.Notifications = append(resp.Notifications, newNotificationResponse(n))
		if n.State == emergency.ResponseAccepted {
			resp.AcceptedBy = append(resp.AcceptedBy, n.HelperID)
		}
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
