package emergency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps broadcasts in broadcasts and notifications in
// broadcast_notifications. The (broadcast_id, helper_id) primary key makes a
// second notification to the same helper impossible.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const broadcastColumns = `id, task_id, seeker_id, lat, lng, radius_km, incentive, waves, stopped, stopped_at, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, b Broadcast) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcasts (`+broadcastColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.TaskID, b.SeekerID, b.Origin.Lat, b.Origin.Lng, b.RadiusKm, b.Incentive, b.Waves, b.Stopped, b.StoppedAt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("emergency: insert broadcast: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Broadcast, error) {
	b, err := scanBroadcast(s.pool.QueryRow(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Broadcast{}, ErrBroadcastNotFound
		}
		return Broadcast{}, fmt.Errorf("emergency: get broadcast: %w", err)
	}
	if err := s.hydrate(ctx, &b); err != nil {
		return Broadcast{}, err
	}
	return b, nil
}

func (s *PGStore) hydrate(ctx context.Context, b *Broadcast) error {
	rows, err := s.pool.Query(ctx, `
		SELECT helper_id, distance_km, wave, incentive, sent_at, expires_at, state, responded_at
		FROM broadcast_notifications
		WHERE broadcast_id = $1
		ORDER BY wave, distance_km, helper_id`, b.ID)
	if err != nil {
		return fmt.Errorf("emergency: list notifications: %w", err)
	}
	b.Notifications, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Notification, error) {
		var n Notification
		err := row.Scan(&n.HelperID, &n.DistanceKm, &n.Wave, &n.Incentive, &n.SentAt, &n.ExpiresAt, &n.State, &n.RespondedAt)
		return n, err
	})
	if err != nil {
		return fmt.Errorf("emergency: scan notifications: %w", err)
	}
	return nil
}

func (s *PGStore) Save(ctx context.Context, b Broadcast, appended []Notification) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("emergency: begin save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE broadcasts
		SET radius_km = $2, waves = $3, stopped = $4, stopped_at = $5, updated_at = $6
		WHERE id = $1`,
		b.ID, b.RadiusKm, b.Waves, b.Stopped, b.StoppedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("emergency: update broadcast: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBroadcastNotFound
	}

	fresh := make(map[string]bool, len(appended))
	for _, n := range appended {
		fresh[n.HelperID] = true
		if _, err = tx.Exec(ctx, `
			INSERT INTO broadcast_notifications (broadcast_id, helper_id, distance_km, wave, incentive, sent_at, expires_at, state, responded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			b.ID, n.HelperID, n.DistanceKm, n.Wave, n.Incentive, n.SentAt, n.ExpiresAt, n.State, n.RespondedAt); err != nil {
			return fmt.Errorf("emergency: insert notification: %w", err)
		}
	}
	for _, n := range b.Notifications {
		if fresh[n.HelperID] {
			continue
		}
		if _, err = tx.Exec(ctx, `
			UPDATE broadcast_notifications SET state = $3, responded_at = $4
			WHERE broadcast_id = $1 AND helper_id = $2`,
			b.ID, n.HelperID, n.State, n.RespondedAt); err != nil {
			return fmt.Errorf("emergency: update notification: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("emergency: commit save: %w", err)
	}
	return nil
}

func (s *PGStore) ListWithPending(ctx context.Context) ([]Broadcast, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+broadcastColumns+` FROM broadcasts b
		WHERE EXISTS (SELECT 1 FROM broadcast_notifications n WHERE n.broadcast_id = b.id AND n.state = 'pending')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("emergency: list pending: %w", err)
	}
	broadcasts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Broadcast, error) {
		return scanBroadcast(row)
	})
	if err != nil {
		return nil, fmt.Errorf("emergency: scan broadcasts: %w", err)
	}
	for i := range broadcasts {
		if err := s.hydrate(ctx, &broadcasts[i]); err != nil {
			return nil, err
		}
	}
	return broadcasts, nil
}

func scanBroadcast(row pgx.Row) (Broadcast, error) {
	var b Broadcast
	err := row.Scan(&b.ID, &b.TaskID, &b.SeekerID, &b.Origin.Lat, &b.Origin.Lng, &b.RadiusKm, &b.Incentive, &b.Waves, &b.Stopped, &b.StoppedAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}
