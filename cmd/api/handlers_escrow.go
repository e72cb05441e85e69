package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"helpmarket/auth"
	"helpmarket/escrow"
)

type completeMilestoneRequest struct {
	Deliverables []string `json:"deliverables"`
}

type disputeMilestoneRequest struct {
	Reason string `json:"reason"`
}

type resolveDisputeRequest struct {
	Outcome       string `json:"outcome"`
	ReleaseAmount int64  `json:"releaseAmount"`
	Note          string `json:"note"`
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	c, ok := s.visibleEscrow(w, r, chi.URLParam(r, "escrowID"), "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(c))
}

func (s *Server) handleEscrowForBid(w http.ResponseWriter, r *http.Request) {
	c, ok := s.visibleEscrow(w, r, "", chi.URLParam(r, "bidID"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(c))
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	c, ok := s.participantEscrow(w, r, auth.RoleHelper)
	if !ok {
		return
	}
	var req completeMilestoneRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.escrowService.CompleteMilestone(r.Context(), c.ID, chi.URLParam(r, "milestoneID"), req.Deliverables)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(updated))
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	c, ok := s.participantEscrow(w, r, auth.RoleSeeker)
	if !ok {
		return
	}
	updated, err := s.escrowService.ApproveMilestone(r.Context(), c.ID, chi.URLParam(r, "milestoneID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(updated))
}

func (s *Server) handleDisputeMilestone(w http.ResponseWriter, r *http.Request) {
	c, ok := s.participantEscrow(w, r, auth.RoleSeeker, auth.RoleHelper)
	if !ok {
		return
	}
	var req disputeMilestoneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	updated, err := s.escrowService.DisputeMilestone(r.Context(), c.ID, chi.URLParam(r, "milestoneID"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(updated))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, auth.RoleArbiter); !ok {
		return
	}
	var req resolveDisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.escrowService.ResolveDispute(r.Context(), chi.URLParam(r, "escrowID"), chi.URLParam(r, "milestoneID"), escrow.Decision{
		Outcome:       escrow.Outcome(req.Outcome),
		ReleaseAmount: req.ReleaseAmount,
		Note:          req.Note,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(updated))
}

func (s *Server) handleFinalRelease(w http.ResponseWriter, r *http.Request) {
	c, ok := s.participantEscrow(w, r, auth.RoleSeeker)
	if !ok {
		return
	}
	updated, err := s.escrowService.FinalRelease(r.Context(), c.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(updated))
}

// visibleEscrow loads an escrow by id or by bid and checks that the caller is
// a party to it, an arbiter or an admin.
func (s *Server) visibleEscrow(w http.ResponseWriter, r *http.Request, escrowID, bidID string) (escrow.Contract, bool) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return escrow.Contract{}, false
	}
	var (
		c   escrow.Contract
		err error
	)
	if bidID != "" {
		c, err = s.escrowService.GetByBid(r.Context(), bidID)
	} else {
		c, err = s.escrowService.GetEscrowStatus(r.Context(), escrowID)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return escrow.Contract{}, false
	}
	if p.Role != auth.RoleArbiter && !owns(p, c.SeekerID) && !owns(p, c.HelperID) {
		writeError(w, http.StatusForbidden, "not a party to this escrow")
		return escrow.Contract{}, false
	}
	return c, true
}

// participantEscrow requires one of roles and that the caller is the escrow
// party holding that role.
func (s *Server) participantEscrow(w http.ResponseWriter, r *http.Request, roles ...auth.Role) (escrow.Contract, bool) {
	p, ok := requireRole(w, r, roles...)
	if !ok {
		return escrow.Contract{}, false
	}
	c, err := s.escrowService.GetEscrowStatus(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		writeDomainError(w, r, err)
		return escrow.Contract{}, false
	}
	party := c.SeekerID
	if p.Role == auth.RoleHelper {
		party = c.HelperID
	}
	if p.UserID != party {
		writeError(w, http.StatusForbidden, "not a party to this escrow")
		return escrow.Contract{}, false
	}
	return c, true
}
