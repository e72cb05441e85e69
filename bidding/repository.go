package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"helpmarket/outbox"
)

// PGLedger stores windows in bid_windows and bids in bids. A partial unique
// index on bids (task_id, helper_id) WHERE state = 'sealed' backs the one
// pending bid per helper rule.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

const windowColumns = `task_id, seeker_id, state, opens_at, closes_at, reference_price, revealed_at, accepted_bid_id, aborted`

const bidColumns = `id, task_id, helper_id, state, submitted_at, ciphertext, nonce, commitment,
	amount, completion_estimate_seconds, proposal, milestones,
	score_total, score_price, score_rating, score_completion, score_response,
	rank, revealed_at, decided_at`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (l *PGLedger) CreateWindow(ctx context.Context, w Window) error {
	const q = `
		INSERT INTO bid_windows (` + windowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`
	_, err := l.pool.Exec(ctx, q, w.TaskID, w.SeekerID, w.State, w.OpensAt, w.ClosesAt, w.ReferencePrice, w.RevealedAt, w.AcceptedBidID, w.Aborted)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWindowExists
		}
		return fmt.Errorf("bidding: insert window: %w", err)
	}
	return nil
}

func (l *PGLedger) GetWindow(ctx context.Context, taskID string) (Window, error) {
	w, err := scanWindow(l.pool.QueryRow(ctx, `SELECT `+windowColumns+` FROM bid_windows WHERE task_id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Window{}, ErrTaskNotFound
		}
		return Window{}, fmt.Errorf("bidding: get window: %w", err)
	}
	return w, nil
}

func (l *PGLedger) ListWindows(ctx context.Context, state WindowState) ([]Window, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+windowColumns+` FROM bid_windows WHERE state = $1 ORDER BY task_id`, state)
	if err != nil {
		return nil, fmt.Errorf("bidding: list windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("bidding: scan window: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bidding: iterate windows: %w", err)
	}
	return out, nil
}

func (l *PGLedger) InsertBid(ctx context.Context, b Bid) error {
	const q = `
		INSERT INTO bids (id, task_id, helper_id, state, submitted_at, ciphertext, nonce, commitment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := l.pool.Exec(ctx, q, b.ID, b.TaskID, b.HelperID, b.State, b.SubmittedAt, b.Sealed.Ciphertext, b.Sealed.Nonce, b.Sealed.Commitment)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrDuplicateBid
			case "23503":
				return ErrTaskNotFound
			}
		}
		return fmt.Errorf("bidding: insert bid: %w", err)
	}
	return nil
}

func (l *PGLedger) ListBids(ctx context.Context, taskID string) ([]Bid, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE task_id = $1 ORDER BY submitted_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("bidding: list bids: %w", err)
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("bidding: scan bid: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bidding: iterate bids: %w", err)
	}
	return out, nil
}

// SaveTransition writes the window and the listed bids in one transaction.
func (l *PGLedger) SaveTransition(ctx context.Context, w Window, bids []Bid) error {
	return l.saveTransition(ctx, w, bids, nil)
}

// SaveAcceptance writes the resolving transition and the bid.accepted outbox
// row in one transaction.
func (l *PGLedger) SaveAcceptance(ctx context.Context, w Window, bids []Bid, acc Acceptance) error {
	return l.saveTransition(ctx, w, bids, func(tx pgx.Tx) error {
		return outbox.NewPGWriter(tx).Enqueue(ctx, outbox.TopicBidAccepted, acc)
	})
}

func (l *PGLedger) saveTransition(ctx context.Context, w Window, bids []Bid, also func(pgx.Tx) error) (err error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bidding: begin transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE bid_windows
		SET state = $2, closes_at = $3, revealed_at = $4, accepted_bid_id = NULLIF($5, ''), aborted = $6
		WHERE task_id = $1`,
		w.TaskID, w.State, w.ClosesAt, w.RevealedAt, w.AcceptedBidID, w.Aborted)
	if err != nil {
		return fmt.Errorf("bidding: update window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	for _, b := range bids {
		if err = updateBid(ctx, tx, b); err != nil {
			return err
		}
	}
	if also != nil {
		if err = also(tx); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("bidding: commit transition: %w", err)
	}
	return nil
}

func updateBid(ctx context.Context, tx pgx.Tx, b Bid) error {
	var (
		amount, estimate *int64
		proposal         *string
		milestones       []byte
	)
	if b.Payload != nil {
		a := b.Payload.Amount
		e := int64(b.Payload.CompletionEstimate / time.Second)
		p := b.Payload.Proposal
		amount, estimate, proposal = &a, &e, &p
		encoded, err := json.Marshal(b.Payload.Milestones)
		if err != nil {
			return fmt.Errorf("bidding: encode milestones: %w", err)
		}
		milestones = encoded
	}
	var total, price, rating, completion, response *float64
	if b.Score != nil {
		total, price, rating, completion, response = &b.Score.Total, &b.Score.Price, &b.Score.Rating, &b.Score.Completion, &b.Score.Response
	}

	tag, err := tx.Exec(ctx, `
		UPDATE bids
		SET state = $2, amount = $3, completion_estimate_seconds = $4, proposal = $5, milestones = $6::jsonb,
		    score_total = $7, score_price = $8, score_rating = $9, score_completion = $10, score_response = $11,
		    rank = $12, revealed_at = $13, decided_at = $14
		WHERE id = $1`,
		b.ID, b.State, amount, estimate, proposal, milestones,
		total, price, rating, completion, response,
		b.Rank, b.RevealedAt, b.DecidedAt)
	if err != nil {
		return fmt.Errorf("bidding: update bid %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}
	return nil
}

func scanWindow(row pgx.Row) (Window, error) {
	var (
		w        Window
		accepted *string
	)
	if err := row.Scan(&w.TaskID, &w.SeekerID, &w.State, &w.OpensAt, &w.ClosesAt, &w.ReferencePrice, &w.RevealedAt, &accepted, &w.Aborted); err != nil {
		return Window{}, err
	}
	if accepted != nil {
		w.AcceptedBidID = *accepted
	}
	return w, nil
}

func scanBid(row pgx.Row) (Bid, error) {
	var (
		b                                          Bid
		amount, estimate                           *int64
		proposal                                   *string
		milestones                                 []byte
		total, price, rating, completion, response *float64
	)
	if err := row.Scan(
		&b.ID, &b.TaskID, &b.HelperID, &b.State, &b.SubmittedAt,
		&b.Sealed.Ciphertext, &b.Sealed.Nonce, &b.Sealed.Commitment,
		&amount, &estimate, &proposal, &milestones,
		&total, &price, &rating, &completion, &response,
		&b.Rank, &b.RevealedAt, &b.DecidedAt,
	); err != nil {
		return Bid{}, err
	}
	if amount != nil {
		p := Payload{Amount: *amount}
		if estimate != nil {
			p.CompletionEstimate = time.Duration(*estimate) * time.Second
		}
		if proposal != nil {
			p.Proposal = *proposal
		}
		if len(milestones) > 0 {
			if err := json.Unmarshal(milestones, &p.Milestones); err != nil {
				return Bid{}, fmt.Errorf("decode milestones: %w", err)
			}
		}
		b.Payload = &p
	}
	if total != nil {
		b.Score = &Score{Total: *total}
		if price != nil {
			b.Score.Price = *price
		}
		if rating != nil {
			b.Score.Rating = *rating
		}
		if completion != nil {
			b.Score.Completion = *completion
		}
		if response != nil {
			b.Score.Response = *response
		}
	}
	return b, nil
}
