package outbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx, so events can join the
// caller's transaction when one is open.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TxBeginner abstracts pgxpool.Pool for the relay.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGWriter appends events to the outbox table.
type PGWriter struct {
	db Execer
}

func NewPGWriter(db Execer) *PGWriter {
	return &PGWriter{db: db}
}

func (w *PGWriter) Enqueue(ctx context.Context, topic string, payload any) error {
	body, err := encode(topic, payload)
	if err != nil {
		return err
	}
	const q = `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := w.db.Exec(ctx, q, uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// Relay drains pending outbox rows with SKIP LOCKED and hands them to the
// handler registered for their topic. Rows without a handler are marked
// processed; rows whose handler keeps failing are marked dead after
// MaxAttempts.
type Relay struct {
	pool        TxBeginner
	interval    time.Duration
	batch       int
	maxAttempts int

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRelay(pool TxBeginner, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		pool:        pool,
		interval:    interval,
		batch:       10,
		maxAttempts: 5,
		handlers:    make(map[string]Handler),
	}
}

func (r *Relay) Subscribe(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("outbox: relay drain: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain processes one batch and reports how many rows it touched.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id::text, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("outbox: select pending: %w", err)
	}
	msgs := make([]Message, 0, r.batch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan pending: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate pending: %w", err)
	}

	for _, m := range msgs {
		r.mu.RLock()
		h := r.handlers[m.Topic]
		r.mu.RUnlock()

		var herr error
		if h != nil {
			herr = h(ctx, m)
		}
		if herr == nil {
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=now() WHERE id=$1`, m.ID); err != nil {
				return 0, fmt.Errorf("outbox: mark processed: %w", err)
			}
			continue
		}

		log.Printf("outbox: deliver %s %s: %v", m.Topic, m.ID, herr)
		status := StatusPending
		if m.Attempts+1 >= r.maxAttempts {
			status = StatusDead
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$2, attempts=attempts+1, last_error=$3, last_attempt=now() WHERE id=$1`, m.ID, status, herr.Error()); err != nil {
			return 0, fmt.Errorf("outbox: record failure: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit relay tx: %w", err)
	}
	return len(msgs), nil
}
