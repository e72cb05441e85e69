package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"helpmarket/geo"
)

var (
	ErrInvalidTask       = errors.New("task: invalid task")
	ErrInvalidEscalation = errors.New("task: urgency may only escalate to emergency")
)

// EscalationHook is notified after a task becomes an emergency, so bidding can
// stop collecting in favour of the broadcast path.
type EscalationHook interface {
	TaskEscalated(ctx context.Context, t Task) error
}

type Service struct {
	repo        Repository
	hook        EscalationHook
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	SeekerID    string
	Category    string
	Description string
	Location    geo.Location
	BudgetMin   int64
	BudgetMax   int64
	Urgency     Urgency
}

type ListResult struct {
	Items []Task
	Total int
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithEscalationHook(hook EscalationHook) *Service {
	s.hook = hook
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Task, error) {
	if params.SeekerID == "" {
		return Task{}, fmt.Errorf("%w: missing seeker id", ErrInvalidTask)
	}
	category := strings.TrimSpace(params.Category)
	if category == "" {
		return Task{}, fmt.Errorf("%w: category required", ErrInvalidTask)
	}
	if params.BudgetMax <= 0 || params.BudgetMin < 0 || params.BudgetMin > params.BudgetMax {
		return Task{}, fmt.Errorf("%w: invalid budget range", ErrInvalidTask)
	}
	if err := params.Location.Validate(); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	urgency := params.Urgency
	if urgency == "" {
		urgency = UrgencyStandard
	}
	if !urgency.Valid() {
		return Task{}, fmt.Errorf("%w: unknown urgency %q", ErrInvalidTask, urgency)
	}

	return s.repo.Create(ctx, Task{
		ID:          s.idGenerator(),
		SeekerID:    params.SeekerID,
		Category:    category,
		Description: strings.TrimSpace(params.Description),
		Location:    params.Location,
		BudgetMin:   params.BudgetMin,
		BudgetMax:   params.BudgetMax,
		Urgency:     urgency,
		CreatedAt:   s.now().UTC(),
	})
}

func (s *Service) Get(ctx context.Context, id string) (Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// EscalateToEmergency raises a task to the emergency tier. Escalating an
// emergency task again is a no-op.
func (s *Service) EscalateToEmergency(ctx context.Context, id string) (Task, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if current.Urgency == UrgencyEmergency {
		return current, nil
	}

	updated, err := s.repo.UpdateUrgency(ctx, id, UrgencyEmergency)
	if err != nil {
		return Task{}, err
	}
	if s.hook != nil {
		if err := s.hook.TaskEscalated(ctx, updated); err != nil {
			return updated, fmt.Errorf("task: escalation hook: %w", err)
		}
	}
	return updated, nil
}
