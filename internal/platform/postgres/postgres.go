// Package postgres opens the identity graph database and applies its schema.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"unify/internal/platform/config"
)

// Open connects to PostgreSQL and verifies the connection.
// Returns nil if the DSN is empty (store falls back to in-memory).
func Open(ctx context.Context, cfg config.Postgres) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Schema is the identity graph DDL. Statements are idempotent so Migrate can
// run at every startup.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id               UUID PRIMARY KEY,
		primary_phone    TEXT NOT NULL DEFAULT '',
		primary_email    TEXT NOT NULL DEFAULT '',
		display_name     TEXT NOT NULL DEFAULT '',
		total_orders     BIGINT NOT NULL DEFAULT 0,
		total_spent      DOUBLE PRECISION NOT NULL DEFAULT 0,
		first_seen_at    TIMESTAMPTZ NOT NULL,
		last_seen_at     TIMESTAMPTZ NOT NULL,
		last_purchase_at TIMESTAMPTZ,
		merged           BOOLEAN NOT NULL DEFAULT FALSE,
		merged_into      UUID REFERENCES profiles(id),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS identifiers (
		id         UUID PRIMARY KEY,
		profile_id UUID NOT NULL REFERENCES profiles(id),
		id_type    TEXT NOT NULL,
		id_value   TEXT NOT NULL,
		id_hash    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// Uniqueness of (type, hash) holds among active owners only; enforced by
	// the store under row locks since a partial unique index cannot see the
	// owning profile's merged flag.
	`CREATE INDEX IF NOT EXISTS idx_identifiers_type_hash ON identifiers (id_type, id_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_identifiers_profile ON identifiers (profile_id)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id            UUID PRIMARY KEY,
		profile_id    UUID NOT NULL REFERENCES profiles(id),
		identifier_id UUID NOT NULL REFERENCES identifiers(id),
		event_id      TEXT,
		orders        BIGINT NOT NULL DEFAULT 0,
		spend         DOUBLE PRECISION NOT NULL DEFAULT 0,
		occurred_at   TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE activities ADD COLUMN IF NOT EXISTS event_id TEXT`,
	`CREATE INDEX IF NOT EXISTS idx_activities_identifier ON activities (identifier_id)`,
	// Event identity: a replayed event id conflicts here and is dropped by
	// RecordActivity instead of counted twice.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_event ON activities (event_id) WHERE event_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS merge_log (
		id               UUID PRIMARY KEY,
		source_id        UUID NOT NULL REFERENCES profiles(id),
		target_id        UUID NOT NULL REFERENCES profiles(id),
		merge_type       TEXT NOT NULL,
		confidence       DOUBLE PRECISION NOT NULL,
		reason           TEXT NOT NULL DEFAULT '',
		moved_identifiers UUID[] NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		rolled_back      BOOLEAN NOT NULL DEFAULT FALSE,
		rolled_back_at   TIMESTAMPTZ,
		rollback_reason  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_merge_log_created ON merge_log (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS merge_outbox (
		id           BIGSERIAL PRIMARY KEY,
		merge_log_id UUID NOT NULL REFERENCES merge_log(id),
		payload      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ
	)`,
}

// Migrate applies the schema statements in order.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
