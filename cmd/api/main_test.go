package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"helpmarket/auth"
	"helpmarket/bidding"
	"helpmarket/config"
	"helpmarket/emergency"
	"helpmarket/escrow"
	"helpmarket/geo"
	"helpmarket/helper"
	"helpmarket/schedule/schedtest"
	"helpmarket/task"
)

// Tuesday morning: no time-of-day or weekend surcharge applies.
var testStart = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

const roster = `
helpers:
  - id: h1
    name: Ana
    rating: 4.5
    completion_rate: 0.9
    avg_response: 2h
    location: {lat: 40.7218, lng: -74.0060}
    available: true
    emergency_certified: true
    categories: [moving]
  - id: h2
    name: Ben
    rating: 4.5
    completion_rate: 0.9
    avg_response: 2h
    location: {lat: 40.7398, lng: -74.0060}
    available: true
    emergency_certified: true
    categories: [moving]
  - id: h3
    name: Cam
    rating: 4.5
    completion_rate: 0.9
    avg_response: 2h
    location: {lat: 40.9000, lng: -74.0060}
    available: true
    categories: [moving]
`

type testEnv struct {
	t      *testing.T
	app    *app
	clock  *schedtest.ManualClock
	router http.Handler
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helpers.yaml")
	if err := os.WriteFile(path, []byte(roster), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	return config.Config{
		ListenAddr:  ":0",
		JWTSecret:   "test-secret",
		SealingKey:  strings.Repeat("42", 32),
		HelpersFile: path,
		Pricing:     config.PricingConfig{Timezone: "UTC"},
		Bidding:     config.BiddingConfig{Window: 24 * time.Hour, MaxBidRatio: 2},
		Escrow:      config.EscrowConfig{AutoReleaseHours: 72},
		Emergency: config.EmergencyConfig{
			NotificationTTL:   5 * time.Minute,
			MaxRadiusKm:       10,
			NotifyConcurrency: 4,
		},
		Outbox: config.OutboxConfig{PollInterval: time.Second},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := schedtest.NewManualClock(testStart)
	a, err := newApp(context.Background(), testConfig(t), clock)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.close)
	return &testEnv{t: t, app: a, clock: clock, router: a.server.routes()}
}

func (e *testEnv) token(subject string, role auth.Role) string {
	e.t.Helper()
	tok, err := e.app.tokens.IssueToken(subject, role, time.Hour)
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (e *testEnv) createTask(seeker string, urgency task.Urgency) taskResponse {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/tasks", e.token(seeker, auth.RoleSeeker), createTaskRequest{
		Category:  "moving",
		Lat:       40.7128,
		Lng:       -74.0060,
		BudgetMin: 50,
		BudgetMax: 100,
		Urgency:   string(urgency),
	})
	expectStatus(e.t, rec, http.StatusCreated)
	return decodeBody[taskResponse](e.t, rec)
}

func TestAuthenticate_RejectsMissingAndInvalidTokens(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.do(http.MethodGet, "/api/tasks", "", nil), http.StatusUnauthorized)
	expectStatus(t, env.do(http.MethodGet, "/api/tasks", "garbage", nil), http.StatusUnauthorized)

	other, err := auth.NewService("other-secret").IssueToken("s1", auth.RoleSeeker, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expectStatus(t, env.do(http.MethodGet, "/api/tasks", other, nil), http.StatusUnauthorized)

	expectStatus(t, env.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
}

func TestHandleCreateTask_ForbidHelperRole(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/tasks", env.token("h1", auth.RoleHelper), createTaskRequest{
		Category: "moving", Lat: 1, Lng: 1, BudgetMin: 10, BudgetMax: 20,
	})
	expectStatus(t, rec, http.StatusForbidden)
}

func TestHandleCreateTask_ValidationError(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/tasks", env.token("s1", auth.RoleSeeker), createTaskRequest{
		Category: "moving", Lat: 1, Lng: 1, BudgetMin: 30, BudgetMax: 20,
	})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(http.MethodPost, "/api/tasks", env.token("s1", auth.RoleSeeker), map[string]any{"unknown": true})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestHandleTask_NotFound(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(http.MethodGet, "/api/tasks/missing", env.token("s1", auth.RoleSeeker), nil), http.StatusNotFound)
}

func TestHandleTaskPrice(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTask("s1", task.UrgencyUrgent)

	rec := env.do(http.MethodGet, "/api/tasks/"+created.ID+"/price", env.token("h1", auth.RoleHelper), nil)
	expectStatus(t, rec, http.StatusOK)
	price := decodeBody[priceResponse](t, rec)
	if price.Base != 100 || price.Adjusted != 150 {
		t.Fatalf("unexpected price: %+v", price)
	}
	if len(price.Factors) != 1 || price.Factors[0].Name != "urgency" {
		t.Fatalf("unexpected factors: %+v", price.Factors)
	}
}

func TestBiddingToSettlementFlow(t *testing.T) {
	env := newTestEnv(t)
	seeker := env.token("s1", auth.RoleSeeker)
	created := env.createTask("s1", task.UrgencyRoutine)
	base := "/api/tasks/" + created.ID

	rec := env.do(http.MethodPost, base+"/window", seeker, openWindowRequest{DurationMinutes: 60})
	expectStatus(t, rec, http.StatusCreated)
	win := decodeBody[windowResponse](t, rec)
	if win.State != string(bidding.WindowCollecting) || win.ReferencePrice != 100 {
		t.Fatalf("unexpected window: %+v", win)
	}

	bids := map[string]submitBidRequest{
		"h1": {Amount: 80, CompletionEstimateMinutes: 120, Proposal: "two movers"},
		"h2": {Amount: 90, CompletionEstimateMinutes: 90, Proposal: "van included"},
		"h3": {Amount: 70, CompletionEstimateMinutes: 180, Proposal: "evening slot", Milestones: []milestoneProposal{
			{Description: "pack", Amount: 40},
			{Description: "deliver", Amount: 30},
		}},
	}
	bidIDs := map[string]string{}
	for _, helperID := range []string{"h1", "h2", "h3"} {
		rec := env.do(http.MethodPost, base+"/bids", env.token(helperID, auth.RoleHelper), bids[helperID])
		expectStatus(t, rec, http.StatusCreated)
		receipt := decodeBody[receiptResponse](t, rec)
		if receipt.ReferencePrice != 100 {
			t.Fatalf("receipt reference price: %+v", receipt)
		}
		bidIDs[helperID] = receipt.BidID
	}

	// Duplicate pending bid.
	expectStatus(t, env.do(http.MethodPost, base+"/bids", env.token("h1", auth.RoleHelper), bids["h1"]), http.StatusConflict)
	// Seekers cannot bid.
	expectStatus(t, env.do(http.MethodPost, base+"/bids", seeker, bids["h1"]), http.StatusForbidden)
	// Accepting before reveal.
	expectStatus(t, env.do(http.MethodPost, base+"/bids/"+bidIDs["h3"]+"/accept", seeker, nil), http.StatusConflict)

	rec = env.do(http.MethodGet, base+"/bids", seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	sealed := decodeBody[struct {
		Items []bidResponse `json:"items"`
	}](t, rec)
	if len(sealed.Items) != 3 {
		t.Fatalf("expected 3 sealed bids, got %d", len(sealed.Items))
	}
	for _, b := range sealed.Items {
		if b.Amount != nil || b.Score != nil || b.State != string(bidding.BidSealed) {
			t.Fatalf("sealed bid leaked content: %+v", b)
		}
	}

	// Only the owning seeker may close.
	expectStatus(t, env.do(http.MethodPost, base+"/window/close", env.token("s2", auth.RoleSeeker), nil), http.StatusForbidden)

	rec = env.do(http.MethodPost, base+"/window/close", seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	ranked := decodeBody[struct {
		Items []bidResponse `json:"items"`
	}](t, rec)
	if len(ranked.Items) != 3 {
		t.Fatalf("expected 3 ranked bids, got %d", len(ranked.Items))
	}
	wantOrder := []string{"h3", "h1", "h2"}
	for i, b := range ranked.Items {
		if b.HelperID != wantOrder[i] || b.Rank != i+1 {
			t.Fatalf("rank %d: got helper %s rank %d", i+1, b.HelperID, b.Rank)
		}
		if b.Amount == nil || b.Score == nil {
			t.Fatalf("revealed bid missing content: %+v", b)
		}
	}

	expectStatus(t, env.do(http.MethodPost, base+"/bids", env.token("h1", auth.RoleHelper), bids["h1"]), http.StatusGone)

	rec = env.do(http.MethodPost, base+"/bids/"+bidIDs["h3"]+"/accept", seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	acc := decodeBody[acceptanceResponse](t, rec)
	if acc.HelperID != "h3" || acc.Amount != 70 || acc.EscrowID == "" {
		t.Fatalf("unexpected acceptance: %+v", acc)
	}
	expectStatus(t, env.do(http.MethodPost, base+"/bids/"+bidIDs["h1"]+"/accept", seeker, nil), http.StatusConflict)

	escrowPath := "/api/escrows/" + acc.EscrowID
	rec = env.do(http.MethodGet, "/api/bids/"+bidIDs["h3"]+"/escrow", env.token("h3", auth.RoleHelper), nil)
	expectStatus(t, rec, http.StatusOK)
	contract := decodeBody[escrowResponse](t, rec)
	if contract.ID != acc.EscrowID || contract.TotalAmount != 70 || len(contract.Milestones) != 2 {
		t.Fatalf("unexpected escrow: %+v", contract)
	}
	expectStatus(t, env.do(http.MethodGet, escrowPath, env.token("h1", auth.RoleHelper), nil), http.StatusForbidden)

	first, second := contract.Milestones[0].ID, contract.Milestones[1].ID
	helperTok := env.token("h3", auth.RoleHelper)

	// Helpers cannot approve their own work.
	expectStatus(t, env.do(http.MethodPost, escrowPath+"/milestones/"+first+"/approve", helperTok, nil), http.StatusForbidden)

	rec = env.do(http.MethodPost, escrowPath+"/milestones/"+first+"/complete", helperTok, completeMilestoneRequest{Deliverables: []string{"boxes.jpg"}})
	expectStatus(t, rec, http.StatusOK)
	expectStatus(t, env.do(http.MethodPost, escrowPath+"/milestones/"+first+"/approve", seeker, nil), http.StatusOK)

	rec = env.do(http.MethodPost, escrowPath+"/milestones/"+second+"/dispute", seeker, disputeMilestoneRequest{Reason: "late"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[escrowResponse](t, rec); got.State != string(escrow.StateDisputed) {
		t.Fatalf("expected disputed escrow, got %s", got.State)
	}
	expectStatus(t, env.do(http.MethodPost, escrowPath+"/release", seeker, nil), http.StatusConflict)

	resolve := resolveDisputeRequest{Outcome: string(escrow.OutcomeApprove)}
	expectStatus(t, env.do(http.MethodPost, escrowPath+"/milestones/"+second+"/resolve", seeker, resolve), http.StatusForbidden)
	rec = env.do(http.MethodPost, escrowPath+"/milestones/"+second+"/resolve", env.token("arb-1", auth.RoleArbiter), resolve)
	expectStatus(t, rec, http.StatusOK)

	rec = env.do(http.MethodPost, escrowPath+"/release", seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	released := decodeBody[escrowResponse](t, rec)
	if released.State != string(escrow.StateReleased) || released.ReleasedAmount != 70 {
		t.Fatalf("unexpected released escrow: %+v", released)
	}
	if len(released.Transactions) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(released.Transactions))
	}
	expectStatus(t, env.do(http.MethodPost, escrowPath+"/release", seeker, nil), http.StatusConflict)
}

func TestEmergencyBroadcastFlow(t *testing.T) {
	env := newTestEnv(t)
	seeker := env.token("s1", auth.RoleSeeker)
	created := env.createTask("s1", task.UrgencyStandard)

	rec := env.do(http.MethodPost, "/api/tasks/"+created.ID+"/broadcasts", seeker, startBroadcastRequest{RadiusKm: 2})
	expectStatus(t, rec, http.StatusCreated)
	b := decodeBody[broadcastResponse](t, rec)
	if len(b.Notifications) != 1 || b.Notifications[0].HelperID != "h1" {
		t.Fatalf("expected only h1 within 2km, got %+v", b.Notifications)
	}
	if b.Incentive != 200 {
		t.Fatalf("expected emergency incentive 200, got %d", b.Incentive)
	}

	rec = env.do(http.MethodGet, "/api/tasks/"+created.ID, seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[taskResponse](t, rec); got.Urgency != string(task.UrgencyEmergency) {
		t.Fatalf("expected task escalated, got %s", got.Urgency)
	}

	path := "/api/broadcasts/" + b.ID
	expectStatus(t, env.do(http.MethodPost, path+"/expand", seeker, expandRadiusRequest{DeltaKm: 20}), http.StatusUnprocessableEntity)
	rec = env.do(http.MethodPost, path+"/expand", seeker, expandRadiusRequest{DeltaKm: 2})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[broadcastResponse](t, rec); len(got.Notifications) != 2 {
		t.Fatalf("expected h2 added on expansion, got %+v", got.Notifications)
	}

	rec = env.do(http.MethodPost, path+"/responses", env.token("h1", auth.RoleHelper), broadcastResponseRequest{Decision: "accept"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[notificationResponse](t, rec); got.State != string(emergency.ResponseAccepted) {
		t.Fatalf("expected accepted, got %s", got.State)
	}
	expectStatus(t, env.do(http.MethodPost, path+"/responses", env.token("h1", auth.RoleHelper), broadcastResponseRequest{Decision: "decline"}), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPost, path+"/responses", env.token("h3", auth.RoleHelper), broadcastResponseRequest{Decision: "accept"}), http.StatusNotFound)

	env.clock.Advance(6 * time.Minute)
	expectStatus(t, env.do(http.MethodPost, path+"/responses", env.token("h2", auth.RoleHelper), broadcastResponseRequest{Decision: "accept"}), http.StatusGone)

	rec = env.do(http.MethodPost, path+"/stop", seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	stopped := decodeBody[broadcastResponse](t, rec)
	if !stopped.Stopped || len(stopped.AcceptedBy) != 1 || stopped.AcceptedBy[0] != "h1" {
		t.Fatalf("unexpected stopped broadcast: %+v", stopped)
	}
}

func TestEscalationAbortsOpenWindow(t *testing.T) {
	env := newTestEnv(t)
	seeker := env.token("s1", auth.RoleSeeker)
	created := env.createTask("s1", task.UrgencyRoutine)
	base := "/api/tasks/" + created.ID

	expectStatus(t, env.do(http.MethodPost, base+"/window", seeker, nil), http.StatusCreated)
	expectStatus(t, env.do(http.MethodPost, base+"/bids", env.token("h1", auth.RoleHelper), submitBidRequest{Amount: 60}), http.StatusCreated)
	expectStatus(t, env.do(http.MethodPost, base+"/escalate", seeker, nil), http.StatusOK)

	rec := env.do(http.MethodGet, base+"/window", seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	win := decodeBody[windowResponse](t, rec)
	if win.State != string(bidding.WindowResolved) || !win.Aborted {
		t.Fatalf("expected aborted window, got %+v", win)
	}
	expectStatus(t, env.do(http.MethodPost, base+"/bids", env.token("h2", auth.RoleHelper), submitBidRequest{Amount: 60}), http.StatusGone)
}

func TestRejectedBroadcastLeavesTaskUntouched(t *testing.T) {
	env := newTestEnv(t)
	seeker := env.token("s1", auth.RoleSeeker)
	created := env.createTask("s1", task.UrgencyRoutine)
	base := "/api/tasks/" + created.ID

	expectStatus(t, env.do(http.MethodPost, base+"/window", seeker, nil), http.StatusCreated)
	expectStatus(t, env.do(http.MethodPost, base+"/broadcasts", seeker, startBroadcastRequest{RadiusKm: 50}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(http.MethodPost, base+"/broadcasts", seeker, startBroadcastRequest{RadiusKm: 0}), http.StatusBadRequest)
	badLat, lng := 120.0, 0.0
	expectStatus(t, env.do(http.MethodPost, base+"/broadcasts", seeker, startBroadcastRequest{Lat: &badLat, Lng: &lng, RadiusKm: 2}), http.StatusBadRequest)

	rec := env.do(http.MethodGet, base, seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[taskResponse](t, rec); got.Urgency != string(task.UrgencyRoutine) {
		t.Fatalf("task escalated by rejected broadcast: %+v", got)
	}
	rec = env.do(http.MethodGet, base+"/window", seeker, nil)
	expectStatus(t, rec, http.StatusOK)
	if win := decodeBody[windowResponse](t, rec); win.State != string(bidding.WindowCollecting) || win.Aborted {
		t.Fatalf("window disturbed by rejected broadcast: %+v", win)
	}
	expectStatus(t, env.do(http.MethodPost, base+"/bids", env.token("h1", auth.RoleHelper), submitBidRequest{Amount: 60}), http.StatusCreated)
}

func TestMarketCounter_CountsCollectingWindowsAndAllHelpers(t *testing.T) {
	ctx := context.Background()
	tasks := task.NewService(task.NewMemoryRepository())
	ledger := bidding.NewMemoryLedger()
	create := func(category string) task.Task {
		t.Helper()
		created, err := tasks.Create(ctx, task.CreateParams{SeekerID: "s1", Category: category, BudgetMax: 100})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		return created
	}
	openWindow := func(tk task.Task, state bidding.WindowState) {
		t.Helper()
		if err := ledger.CreateWindow(ctx, bidding.Window{TaskID: tk.ID, SeekerID: tk.SeekerID, State: state}); err != nil {
			t.Fatalf("create window: %v", err)
		}
	}
	openWindow(create("moving"), bidding.WindowCollecting)
	openWindow(create("moving"), bidding.WindowCollecting)
	openWindow(create("moving"), bidding.WindowResolved)
	openWindow(create("moving"), bidding.WindowRevealing)
	openWindow(create("cleaning"), bidding.WindowCollecting)
	create("moving")

	dir := helper.NewMemoryDirectory()
	for i := range 150 {
		dir.Put(helper.Profile{ID: fmt.Sprintf("m%03d", i), Name: fmt.Sprintf("m%03d", i), Available: true, Categories: []string{"moving"}})
	}
	dir.Put(helper.Profile{ID: "busy", Name: "busy", Categories: []string{"moving"}})
	dir.Put(helper.Profile{ID: "cleaner", Name: "cleaner", Available: true, Categories: []string{"cleaning"}})

	counter := marketCounter{windows: ledger, tasks: tasks, helpers: helper.NewService(dir)}
	openTasks, err := counter.OpenTasks(ctx, "moving")
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	if openTasks != 2 {
		t.Fatalf("expected 2 open moving tasks, got %d", openTasks)
	}
	available, err := counter.AvailableHelpers(ctx, "moving")
	if err != nil {
		t.Fatalf("available helpers: %v", err)
	}
	if available != 150 {
		t.Fatalf("expected 150 available movers, got %d", available)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTask("s1", task.UrgencyRoutine)
	expectStatus(t, env.do(http.MethodPost, "/api/tasks/"+created.ID+"/window", env.token("s1", auth.RoleSeeker), nil), http.StatusCreated)
	expectStatus(t, env.do(http.MethodPost, "/api/tasks/"+created.ID+"/bids", env.token("h1", auth.RoleHelper), submitBidRequest{Amount: 60}), http.StatusCreated)

	rec := env.do(http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "helpmarket_bidding_bids_submitted_total 1") {
		t.Fatalf("bid counter missing from metrics output")
	}
}

type stubTokens struct {
	principal auth.Principal
}

func (s stubTokens) VerifyToken(string) (auth.Principal, error) { return s.principal, nil }

type stubMatching struct {
	matchingEngine
	acceptance bidding.Acceptance
	err        error
}

func (s *stubMatching) AcceptBid(context.Context, string, string) (bidding.Acceptance, error) {
	return s.acceptance, s.err
}

func (s *stubMatching) GetBidsForTask(context.Context, string) ([]bidding.Bid, error) {
	return nil, s.err
}

type stubTasks struct {
	taskService
	task task.Task
}

func (s *stubTasks) Get(context.Context, string) (task.Task, error) { return s.task, nil }

func TestHandleAcceptBid_EventFailureStillAccepts(t *testing.T) {
	server := &Server{
		taskService: &stubTasks{task: task.Task{ID: "t1", SeekerID: "s1"}},
		matching: &stubMatching{
			acceptance: bidding.Acceptance{TaskID: "t1", BidID: "b1", HelperID: "h1", Amount: 70, AcceptedAt: testStart},
			err:        errors.New("outbox unavailable"),
		},
		tokens: stubTokens{principal: auth.Principal{UserID: "s1", Role: auth.RoleSeeker}},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/bids/b1/accept", nil)
	req.Header.Set("Authorization", "Bearer stub")
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[acceptanceResponse](t, rec); got.BidID != "b1" || got.EscrowID != "" {
		t.Fatalf("unexpected acceptance: %+v", got)
	}
}

func TestHandleBids_UnexpectedError(t *testing.T) {
	server := &Server{
		matching: &stubMatching{err: errors.New("boom")},
		tokens:   stubTokens{principal: auth.Principal{UserID: "s1", Role: auth.RoleSeeker}},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/t1/bids", nil)
	req.Header.Set("Authorization", "Bearer stub")
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusInternalServerError)
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("internal error detail leaked: %s", rec.Body.String())
	}
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{bidding.ErrInvalidBid, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", bidding.ErrInvalidBid), http.StatusBadRequest},
		{bidding.ErrWindowClosed, http.StatusGone},
		{bidding.ErrDuplicateBid, http.StatusConflict},
		{bidding.ErrBidNotFound, http.StatusNotFound},
		{bidding.ErrAlreadyResolved, http.StatusConflict},
		{escrow.ErrInvalidMilestoneState, http.StatusConflict},
		{escrow.ErrEscrowAlreadyReleased, http.StatusConflict},
		{escrow.ErrEscrowNotFound, http.StatusNotFound},
		{emergency.ErrBroadcastRadiusExceeded, http.StatusUnprocessableEntity},
		{emergency.ErrNotificationExpired, http.StatusGone},
		{fmt.Errorf("emergency: origin: %w", geo.ErrInvalidLocation), http.StatusBadRequest},
		{task.ErrInvalidTask, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.err); got != tc.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helpmarket.yaml")
	if err := os.WriteFile(path, []byte("jwt_secret: cli-secret\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--config", path, "--subject", "arb-1", "--role", "arbiter"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token command: %v", err)
	}

	p, err := auth.NewService("cli-secret").VerifyToken(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if p.UserID != "arb-1" || p.Role != auth.RoleArbiter {
		t.Fatalf("unexpected principal: %+v", p)
	}
}
