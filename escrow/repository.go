package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists contracts across escrows, escrow_milestones and the
// append-only escrow_transactions table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const contractColumns = `id, task_id, bid_id, seeker_id, helper_id, total_amount, released_amount, refunded_amount,
	state, insurance_coverage, covered_amount, auto_release_seconds, auto_release_at, release_trigger,
	created_at, updated_at, released_at`

func (s *PGStore) Create(ctx context.Context, c Contract) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin create: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO escrows (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.TaskID, c.BidID, c.SeekerID, c.HelperID, c.TotalAmount, c.ReleasedAmount, c.RefundedAmount,
		c.State, c.InsuranceCoverage, c.CoveredAmount, int64(c.AutoReleaseAfter/time.Second), c.AutoReleaseAt, c.ReleaseTrigger,
		c.CreatedAt, c.UpdatedAt, c.ReleasedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errBidHasEscrow
		}
		return fmt.Errorf("escrow: insert contract: %w", err)
	}
	for _, m := range c.Milestones {
		_, err = tx.Exec(ctx, `
			INSERT INTO escrow_milestones (id, escrow_id, seq, description, amount, state, deliverables, dispute_reason, released_amount, completed_at, released_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.ID, c.ID, m.Sequence, m.Description, m.Amount, m.State, m.Deliverables, m.DisputeReason, m.ReleasedAmount, m.CompletedAt, m.ReleasedAt)
		if err != nil {
			return fmt.Errorf("escrow: insert milestone: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit create: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Contract, error) {
	return s.getWhere(ctx, `id = $1`, id)
}

func (s *PGStore) GetByBid(ctx context.Context, bidID string) (Contract, error) {
	return s.getWhere(ctx, `bid_id = $1`, bidID)
}

func (s *PGStore) getWhere(ctx context.Context, where string, arg string) (Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM escrows WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrEscrowNotFound
		}
		return Contract{}, fmt.Errorf("escrow: get contract: %w", err)
	}
	if err := s.hydrate(ctx, &c); err != nil {
		return Contract{}, err
	}
	return c, nil
}

func (s *PGStore) hydrate(ctx context.Context, c *Contract) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, escrow_id, seq, description, amount, state, deliverables, dispute_reason, released_amount, completed_at, released_at
		FROM escrow_milestones WHERE escrow_id = $1 ORDER BY seq`, c.ID)
	if err != nil {
		return fmt.Errorf("escrow: list milestones: %w", err)
	}
	milestones, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Milestone, error) {
		var m Milestone
		err := row.Scan(&m.ID, &m.EscrowID, &m.Sequence, &m.Description, &m.Amount, &m.State, &m.Deliverables, &m.DisputeReason, &m.ReleasedAmount, &m.CompletedAt, &m.ReleasedAt)
		return m, err
	})
	if err != nil {
		return fmt.Errorf("escrow: scan milestones: %w", err)
	}
	c.Milestones = milestones

	rows, err = s.pool.Query(ctx, `
		SELECT id, escrow_id, seq, kind, COALESCE(milestone_id, ''), amount, prev_hash, hash, created_at
		FROM escrow_transactions WHERE escrow_id = $1 ORDER BY seq`, c.ID)
	if err != nil {
		return fmt.Errorf("escrow: list transactions: %w", err)
	}
	txs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Transaction, error) {
		var t Transaction
		err := row.Scan(&t.ID, &t.EscrowID, &t.Sequence, &t.Kind, &t.MilestoneID, &t.Amount, &t.PrevHash, &t.Hash, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return fmt.Errorf("escrow: scan transactions: %w", err)
	}
	c.Transactions = txs
	return nil
}

// Save updates the contract and its milestones and appends the new
// transactions in one database transaction.
func (s *PGStore) Save(ctx context.Context, c Contract, appended []Transaction) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE escrows
		SET released_amount = $2, refunded_amount = $3, state = $4, auto_release_at = $5,
		    release_trigger = $6, updated_at = $7, released_at = $8
		WHERE id = $1`,
		c.ID, c.ReleasedAmount, c.RefundedAmount, c.State, c.AutoReleaseAt, c.ReleaseTrigger, c.UpdatedAt, c.ReleasedAt)
	if err != nil {
		return fmt.Errorf("escrow: update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEscrowNotFound
	}

	for _, m := range c.Milestones {
		if _, err = tx.Exec(ctx, `
			UPDATE escrow_milestones
			SET state = $2, deliverables = $3, dispute_reason = $4, released_amount = $5, completed_at = $6, released_at = $7
			WHERE id = $1`,
			m.ID, m.State, m.Deliverables, m.DisputeReason, m.ReleasedAmount, m.CompletedAt, m.ReleasedAt); err != nil {
			return fmt.Errorf("escrow: update milestone %s: %w", m.ID, err)
		}
	}

	for _, t := range appended {
		if _, err = tx.Exec(ctx, `
			INSERT INTO escrow_transactions (id, escrow_id, seq, kind, milestone_id, amount, prev_hash, hash, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
			t.ID, t.EscrowID, t.Sequence, t.Kind, t.MilestoneID, t.Amount, t.PrevHash, t.Hash, t.CreatedAt); err != nil {
			return fmt.Errorf("escrow: append transaction: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit save: %w", err)
	}
	return nil
}

func (s *PGStore) ListUnreleased(ctx context.Context) ([]Contract, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+contractColumns+` FROM escrows WHERE state <> 'released' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("escrow: list unreleased: %w", err)
	}
	contracts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Contract, error) {
		return scanContract(row)
	})
	if err != nil {
		return nil, fmt.Errorf("escrow: scan contracts: %w", err)
	}
	for i := range contracts {
		if err := s.hydrate(ctx, &contracts[i]); err != nil {
			return nil, err
		}
	}
	return contracts, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c          Contract
		autoSecond int64
	)
	err := row.Scan(
		&c.ID, &c.TaskID, &c.BidID, &c.SeekerID, &c.HelperID, &c.TotalAmount, &c.ReleasedAmount, &c.RefundedAmount,
		&c.State, &c.InsuranceCoverage, &c.CoveredAmount, &autoSecond, &c.AutoReleaseAt, &c.ReleaseTrigger,
		&c.CreatedAt, &c.UpdatedAt, &c.ReleasedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	c.AutoReleaseAfter = time.Duration(autoSecond) * time.Second
	return c, nil
}
