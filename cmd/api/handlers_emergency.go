package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"helpmarket/auth"
	"helpmarket/emergency"
	"helpmarket/geo"
	"helpmarket/task"
)

type startBroadcastRequest struct {
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	RadiusKm float64  `json:"radiusKm"`
}

type expandRadiusRequest struct {
	DeltaKm float64 `json:"deltaKm"`
}

type broadcastResponseRequest struct {
	Decision string `json:"decision"`
}

// handleStartBroadcast escalates the task when needed and notifies nearby
// certified helpers. The origin defaults to the task location. Radius and
// origin are checked before the task is escalated.
func (s *Server) handleStartBroadcast(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	var req startBroadcastRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	origin := t.Location
	if req.Lat != nil && req.Lng != nil {
		origin = geo.Location{Lat: *req.Lat, Lng: *req.Lng}
	}

	// Escalation aborts any bidding window, so the request must be known to
	// be acceptable first.
	if err := s.dispatcher.ValidateStart(origin, req.RadiusKm); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if t.Urgency != task.UrgencyEmergency {
		escalated, err := s.taskService.EscalateToEmergency(r.Context(), t.ID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		t = escalated
	}

	b, err := s.dispatcher.StartBroadcast(r.Context(), t, origin, req.RadiusKm)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBroadcastResponse(b))
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := s.dispatcher.GetBroadcastStatus(r.Context(), chi.URLParam(r, "broadcastID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBroadcastResponse(b))
}

func (s *Server) handleExpandRadius(w http.ResponseWriter, r *http.Request) {
	b, ok := s.ownedBroadcast(w, r)
	if !ok {
		return
	}
	var req expandRadiusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.dispatcher.ExpandRadius(r.Context(), b.ID, req.DeltaKm)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBroadcastResponse(updated))
}

func (s *Server) handleBroadcastResponse(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, auth.RoleHelper)
	if !ok {
		return
	}
	var req broadcastResponseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := s.dispatcher.RecordResponse(r.Context(), chi.URLParam(r, "broadcastID"), p.UserID, emergency.Decision(req.Decision))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newNotificationResponse(n))
}

func (s *Server) handleStopBroadcast(w http.ResponseWriter, r *http.Request) {
	b, ok := s.ownedBroadcast(w, r)
	if !ok {
		return
	}
	stopped, err := s.dispatcher.StopBroadcast(r.Context(), b.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBroadcastResponse(stopped))
}

func (s *Server) ownedBroadcast(w http.ResponseWriter, r *http.Request) (emergency.Broadcast, bool) {
	p, ok := requireRole(w, r, auth.RoleSeeker, auth.RoleAdmin)
	if !ok {
		return emergency.Broadcast{}, false
	}
	b, err := s.dispatcher.GetBroadcastStatus(r.Context(), chi.URLParam(r, "broadcastID"))
	if err != nil {
		writeDomainError(w, r, err)
		return emergency.Broadcast{}, false
	}
	if !owns(p, b.SeekerID) {
		writeError(w, http.StatusForbidden, "broadcast belongs to another seeker")
		return emergency.Broadcast{}, false
	}
	return b, true
}
