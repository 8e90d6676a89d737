package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const defaultBatchSize = 100

// OutboxWorker drains unpublished merge events from the outbox table and
// hands them to the publisher. SKIP LOCKED lets multiple instances drain
// concurrently without double-publishing a row.
type OutboxWorker struct {
	db        *sql.DB
	publisher Publisher
	interval  time.Duration
	batchSize int
	log       *slog.Logger
}

func NewOutboxWorker(db *sql.DB, publisher Publisher, interval time.Duration, log *slog.Logger) *OutboxWorker {
	return &OutboxWorker{
		db:        db,
		publisher: publisher,
		interval:  interval,
		batchSize: defaultBatchSize,
		log:       log,
	}
}

// Run drains the outbox until the context is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				w.log.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce publishes one batch of pending rows. Each row is claimed, sent,
// and marked inside a single transaction; a publish failure releases the
// claim for the next pass.
func (w *OutboxWorker) DrainOnce(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload FROM merge_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, w.batchSize)
	if err != nil {
		return fmt.Errorf("select outbox rows: %w", err)
	}

	type pending struct {
		id      int64
		payload []byte
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate outbox rows: %w", err)
	}
	rows.Close()

	if len(batch) == 0 {
		return nil
	}

	for _, p := range batch {
		var event MergeEvent
		if err := json.Unmarshal(p.payload, &event); err != nil {
			return fmt.Errorf("decode outbox row %d: %w", p.id, err)
		}
		if err := w.publisher.Publish(ctx, event); err != nil {
			return fmt.Errorf("publish outbox row %d: %w", p.id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE merge_outbox SET published_at = now() WHERE id = $1
		`, p.id); err != nil {
			return fmt.Errorf("mark outbox row %d: %w", p.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox tx: %w", err)
	}
	w.log.Debug("outbox drained", "published", len(batch))
	return nil
}
