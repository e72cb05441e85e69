package helper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested helper does not exist.
var ErrNotFound = errors.New("helper: not found")

// Repository provides read access to helper profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `id, name, rating, completion_rate, avg_response_seconds, lat, lng, available, emergency_certified, categories, created_at`

// GetByID fetches a helper profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	profile, err := scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM helpers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("helper: query by id: %w", err)
	}
	return profile, nil
}

// List fetches up to limit helper profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+profileColumns+` FROM helpers ORDER BY name ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("helper: list: %w", err)
	}
	return collectProfiles(rows, limit)
}

// ListEmergencyAvailable returns helpers that are both certified and available.
// Distance filtering is left to the caller.
func (r *Repository) ListEmergencyAvailable(ctx context.Context) ([]Profile, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+profileColumns+`
		FROM helpers
		WHERE available AND emergency_certified
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("helper: list emergency: %w", err)
	}
	return collectProfiles(rows, 16)
}

// CountAvailable counts available helpers listing category.
func (r *Repository) CountAvailable(ctx context.Context, category string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM helpers WHERE available AND $1 = ANY(categories)`, category).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("helper: count available: %w", err)
	}
	return n, nil
}

func collectProfiles(rows pgx.Rows, capacity int) ([]Profile, error) {
	defer rows.Close()

	profiles := make([]Profile, 0, capacity)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("helper: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("helper: iterate profiles: %w", err)
	}
	return profiles, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p               Profile
		responseSeconds int64
	)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Rating,
		&p.CompletionRate,
		&responseSeconds,
		&p.Location.Lat,
		&p.Location.Lng,
		&p.Available,
		&p.EmergencyCertified,
		&p.Categories,
		&p.CreatedAt,
	)
	if err != nil {
		return Profile{}, err
	}
	p.AvgResponse = time.Duration(responseSeconds) * time.Second
	return p, nil
}
