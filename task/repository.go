package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("task: not found")
)

type Repository interface {
	Create(ctx context.Context, t Task) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context, filters Filters) ([]Task, int, error)
	UpdateUrgency(ctx context.Context, id string, urgency Urgency) (Task, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const taskColumns = `id, seeker_id, category, description, lat, lng, budget_min, budget_max, urgency, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, t Task) (Task, error) {
	const query = `
        INSERT INTO tasks (id, seeker_id, category, description, lat, lng, budget_min, budget_max, urgency, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
        RETURNING ` + taskColumns

	row := r.pool.QueryRow(ctx, query,
		t.ID,
		t.SeekerID,
		t.Category,
		t.Description,
		t.Location.Lat,
		t.Location.Lng,
		t.BudgetMin,
		t.BudgetMax,
		t.Urgency,
		t.CreatedAt,
	)
	created, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("task: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: get: %w", err)
	}
	return t, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Task, int, error) {
	filters = normalizeFilters(filters)

	where := []string{"1=1"}
	args := []any{}
	if filters.SeekerID != "" {
		where = append(where, fmt.Sprintf("seeker_id=$%d", len(args)+1))
		args = append(args, filters.SeekerID)
	}
	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}
	if filters.Urgency != "" {
		where = append(where, fmt.Sprintf("urgency=$%d", len(args)+1))
		args = append(args, filters.Urgency)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		taskColumns, whereClause, mapSortKey(filters.SortKey), strings.ToUpper(filters.SortOrder),
		filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("task: query list: %w", err)
	}
	defer rows.Close()

	list := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("task: scan: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("task: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("task: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) UpdateUrgency(ctx context.Context, id string, urgency Urgency) (Task, error) {
	const query = `
		UPDATE tasks
		SET urgency = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + taskColumns

	t, err := scanTask(r.pool.QueryRow(ctx, query, id, urgency))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: update urgency: %w", err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	return t, row.Scan(
		&t.ID,
		&t.SeekerID,
		&t.Category,
		&t.Description,
		&t.Location.Lat,
		&t.Location.Lng,
		&t.BudgetMin,
		&t.BudgetMax,
		&t.Urgency,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
}

func normalizeFilters(filters Filters) Filters {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "createdAt"
	}
	if o := strings.ToLower(filters.SortOrder); o != "asc" && o != "desc" {
		filters.SortOrder = "desc"
	}
	return filters
}

func mapSortKey(key string) string {
	switch key {
	case "budgetMin":
		return "budget_min"
	case "budgetMax":
		return "budget_max"
	case "category":
		return "category"
	case "urgency":
		return "urgency"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}

// MemoryRepository keeps tasks in process. It backs tests and database-less runs.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]Task)}
}

func (r *MemoryRepository) Create(_ context.Context, t Task) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return Task{}, fmt.Errorf("task: duplicate id %s", t.ID)
	}
	t.UpdatedAt = t.CreatedAt
	r.tasks[t.ID] = t
	return t, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) List(_ context.Context, filters Filters) ([]Task, int, error) {
	filters = normalizeFilters(filters)

	r.mu.RLock()
	matched := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if filters.SeekerID != "" && t.SeekerID != filters.SeekerID {
			continue
		}
		if filters.Category != "" && t.Category != filters.Category {
			continue
		}
		if filters.Urgency != "" && t.Urgency != filters.Urgency {
			continue
		}
		matched = append(matched, t)
	}
	r.mu.RUnlock()

	desc := strings.EqualFold(filters.SortOrder, "desc")
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less bool
		switch mapSortKey(filters.SortKey) {
		case "budget_min":
			less = a.BudgetMin < b.BudgetMin
		case "budget_max":
			less = a.BudgetMax < b.BudgetMax
		default:
			less = a.CreatedAt.Before(b.CreatedAt)
		}
		if desc {
			return !less && !equalSortKey(a, b, filters.SortKey)
		}
		return less
	})

	total := len(matched)
	start := (filters.Page - 1) * filters.PageSize
	if start >= total {
		return []Task{}, total, nil
	}
	end := start + filters.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func equalSortKey(a, b Task, key string) bool {
	switch mapSortKey(key) {
	case "budget_min":
		return a.BudgetMin == b.BudgetMin
	case "budget_max":
		return a.BudgetMax == b.BudgetMax
	default:
		return a.CreatedAt.Equal(b.CreatedAt)
	}
}

func (r *MemoryRepository) UpdateUrgency(_ context.Context, id string, urgency Urgency) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	t.Urgency = urgency
	r.tasks[id] = t
	return t, nil
}
