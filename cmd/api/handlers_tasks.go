package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"helpmarket/auth"
	"helpmarket/geo"
	"helpmarket/task"
)

type createTaskRequest struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	BudgetMin   int64   `json:"budgetMin"`
	BudgetMax   int64   `json:"budgetMax"`
	Urgency     string  `json:"urgency"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, auth.RoleSeeker)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := s.taskService.Create(r.Context(), task.CreateParams{
		SeekerID:    p.UserID,
		Category:    req.Category,
		Description: req.Description,
		Location:    geo.Location{Lat: req.Lat, Lng: req.Lng},
		BudgetMin:   req.BudgetMin,
		BudgetMax:   req.BudgetMax,
		Urgency:     task.Urgency(req.Urgency),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskResponse(created))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := task.Filters{
		SeekerID:  q.Get("seekerId"),
		Category:  q.Get("category"),
		Urgency:   task.Urgency(q.Get("urgency")),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		filters.Page = page
	}
	if v := q.Get("pageSize"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pageSize")
			return
		}
		filters.PageSize = size
	}

	result, err := s.taskService.List(r.Context(), filters)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	items := make([]taskResponse, 0, len(result.Items))
	for _, t := range result.Items {
		items = append(items, newTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.taskService.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(t))
}

func (s *Server) handleEscalateTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	updated, err := s.taskService.EscalateToEmergency(r.Context(), t.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(updated))
}

func (s *Server) handleTaskPrice(w http.ResponseWriter, r *http.Request) {
	t, err := s.taskService.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPriceResponse(t.ID, s.prices.ComputePriceRange(r.Context(), t)))
}

// ownedTask loads the task named in the path and checks that the caller is its
// seeker or an admin.
func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request) (task.Task, bool) {
	p, ok := requireRole(w, r, auth.RoleSeeker, auth.RoleAdmin)
	if !ok {
		return task.Task{}, false
	}
	t, err := s.taskService.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, r, err)
		return task.Task{}, false
	}
	if !owns(p, t.SeekerID) {
		writeError(w, http.StatusForbidden, "task belongs to another seeker")
		return task.Task{}, false
	}
	return t, true
}
