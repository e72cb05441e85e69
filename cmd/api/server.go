package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"helpmarket/auth"
	"helpmarket/bidding"
	"helpmarket/emergency"
	"helpmarket/escrow"
	"helpmarket/geo"
	"helpmarket/helper"
	"helpmarket/pricing"
	"helpmarket/task"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

const maxBodyBytes = 1 << 20

type taskService interface {
	Create(ctx context.Context, params task.CreateParams) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, filters task.Filters) (task.ListResult, error)
	EscalateToEmergency(ctx context.Context, id string) (task.Task, error)
}

type priceQuoter interface {
	ComputePriceRange(ctx context.Context, t task.Task) pricing.PriceRange
}

type matchingEngine interface {
	OpenWindow(ctx context.Context, t task.Task, d time.Duration) (bidding.Window, error)
	Window(ctx context.Context, taskID string) (bidding.Window, error)
	SubmitBid(ctx context.Context, p bidding.SubmitParams) (bidding.Receipt, error)
	WithdrawBid(ctx context.Context, taskID, bidID, helperID string) (bidding.Bid, error)
	CloseWindow(ctx context.Context, taskID string) ([]bidding.Bid, error)
	AcceptBid(ctx context.Context, taskID, bidID string) (bidding.Acceptance, error)
	RejectBid(ctx context.Context, taskID, bidID string) (bidding.Bid, error)
	GetBidsForTask(ctx context.Context, taskID string) ([]bidding.Bid, error)
}

type escrowService interface {
	GetEscrowStatus(ctx context.Context, escrowID string) (escrow.Contract, error)
	GetByBid(ctx context.Context, bidID string) (escrow.Contract, error)
	CompleteMilestone(ctx context.Context, escrowID, milestoneID string, deliverables []string) (escrow.Contract, error)
	ApproveMilestone(ctx context.Context, escrowID, milestoneID string) (escrow.Contract, error)
	DisputeMilestone(ctx context.Context, escrowID, milestoneID, reason string) (escrow.Contract, error)
	ResolveDispute(ctx context.Context, escrowID, milestoneID string, d escrow.Decision) (escrow.Contract, error)
	FinalRelease(ctx context.Context, escrowID string) (escrow.Contract, error)
}

type broadcastDispatcher interface {
	ValidateStart(origin geo.Location, radiusKm float64) error
	StartBroadcast(ctx context.Context, t task.Task, origin geo.Location, radiusKm float64) (emergency.Broadcast, error)
	ExpandRadius(ctx context.Context, broadcastID string, deltaKm float64) (emergency.Broadcast, error)
	RecordResponse(ctx context.Context, broadcastID, helperID string, decision emergency.Decision) (emergency.Notification, error)
	StopBroadcast(ctx context.Context, broadcastID string) (emergency.Broadcast, error)
	GetBroadcastStatus(ctx context.Context, broadcastID string) (emergency.Broadcast, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Principal, error)
}

// Server exposes the marketplace core over HTTP.
type Server struct {
	taskService   taskService
	prices        priceQuoter
	matching      matchingEngine
	escrowService escrowService
	dispatcher    broadcastDispatcher
	tokens        tokenVerifier
	metrics       http.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Route("/tasks", func(tr chi.Router) {
			tr.Get("/", s.handleListTasks)
			tr.Post("/", s.handleCreateTask)
			tr.Route("/{taskID}", func(one chi.Router) {
				one.Get("/", s.handleTask)
				one.Post("/escalate", s.handleEscalateTask)
				one.Get("/price", s.handleTaskPrice)
				one.Post("/window", s.handleOpenWindow)
				one.Get("/window", s.handleWindow)
				one.Post("/window/close", s.handleCloseWindow)
				one.Get("/bids", s.handleBids)
				one.Post("/bids", s.handleSubmitBid)
				one.Delete("/bids/{bidID}", s.handleWithdrawBid)
				one.Post("/bids/{bidID}/accept", s.handleAcceptBid)
				one.Post("/bids/{bidID}/reject", s.handleRejectBid)
				one.Post("/broadcasts", s.handleStartBroadcast)
			})
		})

		api.Get("/bids/{bidID}/escrow", s.handleEscrowForBid)

		api.Route("/escrows/{escrowID}", func(er chi.Router) {
			er.Get("/", s.handleEscrow)
			er.Post("/release", s.handleFinalRelease)
			er.Post("/milestones/{milestoneID}/complete", s.handleCompleteMilestone)
			er.Post("/milestones/{milestoneID}/approve", s.handleApproveMilestone)
			er.Post("/milestones/{milestoneID}/dispute", s.handleDisputeMilestone)
			er.Post("/milestones/{milestoneID}/resolve", s.handleResolveDispute)
		})

		api.Route("/broadcasts/{broadcastID}", func(br chi.Router) {
			br.Get("/", s.handleBroadcast)
			br.Post("/expand", s.handleExpandRadius)
			br.Post("/responses", s.handleBroadcastResponse)
			br.Post("/stop", s.handleStopBroadcast)
		})
	})

	return r
}

// authenticate resolves the bearer token into the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, principal.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, principal.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	if userID == "" {
		return auth.Principal{}, false
	}
	return auth.Principal{UserID: userID, Role: role}, true
}

// requireRole writes 401 or 403 and returns false when the caller lacks
// every one of roles.
func requireRole(w http.ResponseWriter, r *http.Request, roles ...auth.Role) (auth.Principal, bool) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return auth.Principal{}, false
	}
	for _, role := range roles {
		if p.Role == role {
			return p, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden")
	return auth.Principal{}, false
}

// owns reports whether p may act for ownerID. Admins act for everyone.
func owns(p auth.Principal, ownerID string) bool {
	return p.Role == auth.RoleAdmin || p.UserID == ownerID
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a domain error onto an HTTP status.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("api: %s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, bidding.ErrInvalidBid),
		errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, escrow.ErrInvalidMilestones),
		errors.Is(err, escrow.ErrInvalidCoverage),
		errors.Is(err, escrow.ErrInvalidDecision),
		errors.Is(err, emergency.ErrInvalidRadius),
		errors.Is(err, emergency.ErrInvalidDecision),
		errors.Is(err, geo.ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, helper.ErrNotFound),
		errors.Is(err, bidding.ErrTaskNotFound),
		errors.Is(err, bidding.ErrBidNotFound),
		errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, escrow.ErrMilestoneNotFound),
		errors.Is(err, emergency.ErrBroadcastNotFound),
		errors.Is(err, emergency.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, bidding.ErrWindowClosed),
		errors.Is(err, emergency.ErrNotificationExpired):
		return http.StatusGone
	case errors.Is(err, emergency.ErrBroadcastRadiusExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bidding.ErrDuplicateBid),
		errors.Is(err, bidding.ErrAlreadyResolved),
		errors.Is(err, bidding.ErrWindowOpen),
		errors.Is(err, bidding.ErrWindowExists),
		errors.Is(err, bidding.ErrBidNotPending),
		errors.Is(err, bidding.ErrEmergencyTask),
		errors.Is(err, task.ErrInvalidEscalation),
		errors.Is(err, escrow.ErrInvalidMilestoneState),
		errors.Is(err, escrow.ErrEscrowAlreadyReleased),
		errors.Is(err, emergency.ErrBroadcastStopped),
		errors.Is(err, emergency.ErrAlreadyResponded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
