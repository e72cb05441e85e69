package main

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"helpmarket/auth"
	"helpmarket/bidding"
	"helpmarket/escrow"
)

type openWindowRequest struct {
	DurationMinutes int64 `json:"durationMinutes"`
}

type submitBidRequest struct {
	Amount                    int64               `json:"amount"`
	CompletionEstimateMinutes int64               `json:"completionEstimateMinutes"`
	Proposal                  string              `json:"proposal"`
	Milestones                []milestoneProposal `json:"milestones"`
}

func (s *Server) handleOpenWindow(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	var req openWindowRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.DurationMinutes < 0 {
		writeError(w, http.StatusBadRequest, "durationMinutes must not be negative")
		return
	}

	win, err := s.matching.OpenWindow(r.Context(), t, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newWindowResponse(win))
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	win, err := s.matching.Window(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWindowResponse(win))
}

func (s *Server) handleCloseWindow(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	ranked, err := s.matching.CloseWindow(r.Context(), t.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": newBidResponses(ranked)})
}

func (s *Server) handleBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.matching.GetBidsForTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": newBidResponses(bids), "total": len(bids)})
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, auth.RoleHelper)
	if !ok {
		return
	}
	var req submitBidRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	payload := bidding.Payload{
		Amount:             req.Amount,
		CompletionEstimate: time.Duration(req.CompletionEstimateMinutes) * time.Minute,
		Proposal:           req.Proposal,
	}
	for _, m := range req.Milestones {
		payload.Milestones = append(payload.Milestones, bidding.MilestoneProposal(m))
	}

	receipt, err := s.matching.SubmitBid(r.Context(), bidding.SubmitParams{
		TaskID:   chi.URLParam(r, "taskID"),
		HelperID: p.UserID,
		Payload:  payload,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReceiptResponse(receipt))
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, auth.RoleHelper)
	if !ok {
		return
	}
	bid, err := s.matching.WithdrawBid(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "bidID"), p.UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidResponse(bid))
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	acc, err := s.matching.AcceptBid(r.Context(), t.ID, chi.URLParam(r, "bidID"))
	if err != nil {
		if acc.BidID == "" {
			writeDomainError(w, r, err)
			return
		}
		// Accepted, but the escrow event did not go out. Accepting the same
		// bid again re-emits it.
		log.Printf("api: accept bid %s: %v", acc.BidID, err)
	}

	resp := acceptanceResponse{
		TaskID:     acc.TaskID,
		BidID:      acc.BidID,
		HelperID:   acc.HelperID,
		Amount:     acc.Amount,
		AcceptedAt: formatTime(acc.AcceptedAt),
	}
	if s.escrowService != nil {
		c, err := s.escrowService.GetByBid(r.Context(), acc.BidID)
		switch {
		case err == nil:
			resp.EscrowID = c.ID
		case !errors.Is(err, escrow.ErrEscrowNotFound):
			log.Printf("api: lookup escrow for bid %s: %v", acc.BidID, err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRejectBid(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	bid, err := s.matching.RejectBid(r.Context(), t.ID, chi.URLParam(r, "bidID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidResponse(bid))
}
