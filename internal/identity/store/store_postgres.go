package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"unify/internal/identity/models"
	"unify/internal/identity/normalize"
	id "unify/pkg/domain"
	"unify/pkg/platform/sentinel"
	txcontext "unify/pkg/platform/tx"
)

// Postgres persists the identity graph in PostgreSQL. Mutations run in
// transactions that lock profile rows in ascending id order (OrderedPair) so
// concurrent merges over overlapping pairs cannot deadlock; identifier rows
// being moved are locked as well so a concurrent attach cannot land on the
// source mid-merge.
type Postgres struct {
	db        *sql.DB
	txTimeout time.Duration

	// roots caches resolved chain roots per process. Persisted merged_into
	// values are never repointed; entries are revalidated against the live
	// row and the cache is dropped on rollback.
	roots sync.Map
}

// NewPostgres constructs a PostgreSQL-backed identity graph store.
func NewPostgres(db *sql.DB, txTimeout time.Duration) *Postgres {
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}
	return &Postgres{db: db, txTimeout: txTimeout}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Postgres) reader(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// withTx runs fn inside a bounded transaction, translating contention and
// deadline failures into sentinel.ErrTimeout so the engine can retry.
func (s *Postgres) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPG(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(txcontext.WithTx(ctx, tx), tx); err != nil {
		_ = tx.Rollback()
		return classifyPG(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyPG(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classifyPG maps transient PostgreSQL failures onto sentinel.ErrTimeout.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", sentinel.ErrTimeout, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "57014":
			// serialization_failure, deadlock_detected, lock_not_available,
			// query_canceled
			return fmt.Errorf("%w: %v", sentinel.ErrTimeout, err)
		}
	}
	return err
}

const profileColumns = `id, primary_phone, primary_email, display_name,
	total_orders, total_spent, first_seen_at, last_seen_at, last_purchase_at,
	merged, merged_into, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*models.Profile, error) {
	var (
		p          models.Profile
		pid        uuid.UUID
		mergedInto uuid.NullUUID
		lastBuy    sql.NullTime
	)
	err := row.Scan(&pid, &p.PrimaryPhone, &p.PrimaryEmail, &p.DisplayName,
		&p.TotalOrders, &p.TotalSpent, &p.FirstSeenAt, &p.LastSeenAt, &lastBuy,
		&p.Merged, &mergedInto, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ID = id.ProfileID(pid)
	if mergedInto.Valid {
		mi := id.ProfileID(mergedInto.UUID)
		p.MergedInto = &mi
	}
	if lastBuy.Valid {
		t := lastBuy.Time
		p.LastPurchaseAt = &t
	}
	return &p, nil
}

func (s *Postgres) getProfileRow(ctx context.Context, q querier, profileID id.ProfileID, forUpdate bool) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanProfile(q.QueryRowContext(ctx, query, uuid.UUID(profileID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// resolveRoot walks merged_into to the active root with snapshot reads,
// shortcutting through the process cache when its entry is still active.
func (s *Postgres) resolveRoot(ctx context.Context, q querier, start *models.Profile) (*models.Profile, error) {
	if !start.Merged {
		return start, nil
	}
	if cached, ok := s.roots.Load(start.ID); ok {
		p, err := s.getProfileRow(ctx, q, cached.(id.ProfileID), false)
		if err == nil && !p.Merged {
			return p, nil
		}
		s.roots.Delete(start.ID)
	}

	current := start
	for depth := 0; current.Merged; depth++ {
		if depth >= maxChainDepth || current.MergedInto == nil {
			return nil, sentinel.ErrInvalidState
		}
		next, err := s.getProfileRow(ctx, q, *current.MergedInto, false)
		if err != nil {
			return nil, err
		}
		current = next
	}
	s.roots.Store(start.ID, current.ID)
	return current, nil
}

func (s *Postgres) FindActiveProfileByIdentifier(ctx context.Context, idType models.IdentifierType, hash string) (*models.Profile, error) {
	q := s.reader(ctx)
	row := q.QueryRowContext(ctx, `
		SELECT `+qualify(profileColumns, "p")+`
		FROM identifiers i
		JOIN profiles p ON p.id = i.profile_id
		WHERE i.id_type = $1 AND i.id_hash = $2
	`, string(idType), hash)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, classifyPG(fmt.Errorf("find profile by identifier: %w", err))
	}
	return s.resolveRoot(ctx, q, p)
}

func (s *Postgres) GetProfile(ctx context.Context, profileID id.ProfileID) (*models.Profile, error) {
	q := s.reader(ctx)
	p, err := s.getProfileRow(ctx, q, profileID, false)
	if err != nil {
		return nil, classifyPG(err)
	}
	return s.resolveRoot(ctx, q, p)
}

func (s *Postgres) CreateProfile(ctx context.Context, params CreateProfileParams) (*models.Profile, error) {
	var created *models.Profile
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		seen := params.SeenAt
		if seen.IsZero() {
			seen = now
		}

		for _, n := range params.Identifiers {
			if err := lockIdentifierKey(ctx, tx, n); err != nil {
				return err
			}
			owned, err := activeOwnerExists(ctx, tx, n)
			if err != nil {
				return err
			}
			if owned {
				return ErrDuplicateIdentifier
			}
		}

		profileID := id.NewProfileID()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (id, display_name, first_seen_at, last_seen_at, created_at, updated_at)
			VALUES ($1, $2, $3, $3, $4, $4)
		`, uuid.UUID(profileID), params.DisplayName, seen, now)
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}

		for _, n := range params.Identifiers {
			if _, err := insertIdentifier(ctx, tx, profileID, n, now); err != nil {
				return err
			}
		}

		created, err = s.getProfileRow(ctx, tx, profileID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// lockIdentifierKey serializes writers of one (type, hash) for the duration
// of the transaction. Uniqueness among active owners cannot be a plain unique
// index because merged profiles keep no identifier rows to exclude.
func lockIdentifierKey(ctx context.Context, tx *sql.Tx, n normalize.Normalized) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(n.Type)+":"+n.Hash)
	if err != nil {
		return fmt.Errorf("lock identifier key: %w", err)
	}
	return nil
}

func activeOwnerExists(ctx context.Context, tx *sql.Tx, n normalize.Normalized) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM identifiers i
			JOIN profiles p ON p.id = i.profile_id
			WHERE i.id_type = $1 AND i.id_hash = $2 AND NOT p.merged
		)
	`, string(n.Type), n.Hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check identifier owner: %w", err)
	}
	return exists, nil
}

func insertIdentifier(ctx context.Context, tx *sql.Tx, profileID id.ProfileID, n normalize.Normalized, now time.Time) (id.IdentifierID, error) {
	identID := id.NewIdentifierID()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO identifiers (id, profile_id, id_type, id_value, id_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.UUID(identID), uuid.UUID(profileID), string(n.Type), n.Value, n.Hash, now)
	if err != nil {
		return id.IdentifierID{}, fmt.Errorf("insert identifier: %w", err)
	}

	var column string
	switch n.Type {
	case models.IdentifierPhone:
		column = "primary_phone"
	case models.IdentifierEmail:
		column = "primary_email"
	default:
		return identID, nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE profiles SET `+column+` = $1, updated_at = $2
		WHERE id = $3 AND `+column+` = ''
	`, n.Value, now, uuid.UUID(profileID))
	if err != nil {
		return id.IdentifierID{}, fmt.Errorf("update primary attribute: %w", err)
	}
	return identID, nil
}

func (s *Postgres) AttachIdentifier(ctx context.Context, profileID id.ProfileID, n normalize.Normalized) (*models.Identifier, error) {
	var attached *models.Identifier
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		profile, err := s.getProfileRow(ctx, tx, profileID, true)
		if err != nil {
			return err
		}
		if profile.Merged {
			return sentinel.ErrInvalidState
		}
		if err := lockIdentifierKey(ctx, tx, n); err != nil {
			return err
		}

		var (
			existingID    uuid.UUID
			ownerID       uuid.UUID
			ownerMerged   bool
			existingValue string
			createdAt     time.Time
		)
		err = tx.QueryRowContext(ctx, `
			SELECT i.id, i.profile_id, i.id_value, i.created_at, p.merged
			FROM identifiers i
			JOIN profiles p ON p.id = i.profile_id
			WHERE i.id_type = $1 AND i.id_hash = $2
		`, string(n.Type), n.Hash).Scan(&existingID, &ownerID, &existingValue, &createdAt, &ownerMerged)
		switch {
		case err == nil:
			owner := id.ProfileID(ownerID)
			if ownerMerged {
				// The row's direct owner was absorbed; ownership follows
				// merged_into to the active root before we call it foreign.
				ownerRow, err := s.getProfileRow(ctx, tx, owner, false)
				if err != nil {
					return err
				}
				root, err := s.resolveRoot(ctx, tx, ownerRow)
				if err != nil {
					return err
				}
				owner = root.ID
			}
			if owner == profileID {
				attached = &models.Identifier{
					ID: id.IdentifierID(existingID), ProfileID: profileID,
					Type: n.Type, Value: existingValue, Hash: n.Hash, CreatedAt: createdAt,
				}
				return nil
			}
			return ErrOwnedElsewhere
		case errors.Is(err, sql.ErrNoRows):
			// free to attach
		default:
			return fmt.Errorf("check identifier: %w", err)
		}

		now := time.Now().UTC()
		identID, err := insertIdentifier(ctx, tx, profileID, n, now)
		if err != nil {
			return err
		}
		attached = &models.Identifier{
			ID: identID, ProfileID: profileID,
			Type: n.Type, Value: n.Value, Hash: n.Hash, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attached, nil
}

func (s *Postgres) ListIdentifiers(ctx context.Context, profileID id.ProfileID) ([]models.Identifier, error) {
	q := s.reader(ctx)
	if _, err := s.getProfileRow(ctx, q, profileID, false); err != nil {
		return nil, classifyPG(err)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, profile_id, id_type, id_value, id_hash, created_at
		FROM identifiers WHERE profile_id = $1
		ORDER BY created_at
	`, uuid.UUID(profileID))
	if err != nil {
		return nil, classifyPG(fmt.Errorf("list identifiers: %w", err))
	}
	defer rows.Close()

	var out []models.Identifier
	for rows.Next() {
		var (
			ident   models.Identifier
			identID uuid.UUID
			pid     uuid.UUID
			idType  string
		)
		if err := rows.Scan(&identID, &pid, &idType, &ident.Value, &ident.Hash, &ident.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		ident.ID = id.IdentifierID(identID)
		ident.ProfileID = id.ProfileID(pid)
		ident.Type = models.IdentifierType(idType)
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *Postgres) RecordActivity(ctx context.Context, params RecordActivityParams) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		profile, err := s.getProfileRow(ctx, tx, params.ProfileID, true)
		if err != nil {
			return err
		}
		if profile.Merged {
			return sentinel.ErrInvalidState
		}

		eventID := sql.NullString{String: params.EventID, Valid: params.EventID != ""}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO activities (id, profile_id, identifier_id, event_id, orders, spend, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) WHERE event_id IS NOT NULL DO NOTHING
		`, uuid.UUID(id.NewActivityID()), uuid.UUID(params.ProfileID),
			uuid.UUID(params.IdentifierID), eventID, params.Orders, params.Spend, params.OccurredAt)
		if err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert activity result: %w", err)
		}
		if inserted == 0 {
			// Replayed event id: already on record, nothing to fold in.
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE profiles SET
				total_orders = total_orders + $2,
				total_spent = total_spent + $3,
				last_seen_at = GREATEST(last_seen_at, $4),
				last_purchase_at = CASE WHEN $2 > 0
					THEN GREATEST(COALESCE(last_purchase_at, $4), $4)
					ELSE last_purchase_at END,
				display_name = CASE WHEN display_name = '' THEN $5 ELSE display_name END,
				updated_at = now()
			WHERE id = $1
		`, uuid.UUID(params.ProfileID), params.Orders, params.Spend,
			params.OccurredAt, params.DisplayName)
		if err != nil {
			return fmt.Errorf("update profile metrics: %w", err)
		}
		return nil
	})
}

func (s *Postgres) ApplyMerge(ctx context.Context, params MergeParams) (*models.MergeLogEntry, error) {
	if params.SourceID == params.TargetID {
		return nil, ErrInvalidMergeTarget
	}
	var entry *models.MergeLogEntry
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Lock both profile rows in ascending id order.
		lo, hi := OrderedPair(params.SourceID, params.TargetID)
		profiles := make(map[id.ProfileID]*models.Profile, 2)
		for _, pid := range []id.ProfileID{lo, hi} {
			p, err := s.getProfileRow(ctx, tx, pid, true)
			if errors.Is(err, sentinel.ErrNotFound) {
				return ErrInvalidMergeTarget
			}
			if err != nil {
				return err
			}
			profiles[pid] = p
		}
		source, target := profiles[params.SourceID], profiles[params.TargetID]
		if source.Merged || target.Merged {
			return ErrInvalidMergeTarget
		}

		at := params.At
		if at.IsZero() {
			at = time.Now().UTC()
		}

		// Lock every identifier row being moved so a concurrent attach
		// cannot land on the source mid-merge.
		rows, err := tx.QueryContext(ctx, `
			SELECT id, id_type, id_hash FROM identifiers
			WHERE profile_id = $1
			ORDER BY id
			FOR UPDATE
		`, uuid.UUID(source.ID))
		if err != nil {
			return fmt.Errorf("lock source identifiers: %w", err)
		}
		type identRow struct {
			id     uuid.UUID
			idType string
			hash   string
		}
		var sourceIdents []identRow
		for rows.Next() {
			var r identRow
			if err := rows.Scan(&r.id, &r.idType, &r.hash); err != nil {
				rows.Close()
				return fmt.Errorf("scan source identifier: %w", err)
			}
			sourceIdents = append(sourceIdents, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var moved []uuid.UUID
		for _, r := range sourceIdents {
			var survivingID uuid.UUID
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM identifiers
				WHERE id_type = $1 AND id_hash = $2 AND profile_id = $3
			`, r.idType, r.hash, uuid.UUID(target.ID)).Scan(&survivingID)
			switch {
			case err == nil:
				// Target already owns this (type, hash): drop the duplicate,
				// re-pointing its activity history at the surviving row.
				if _, err := tx.ExecContext(ctx,
					`UPDATE activities SET identifier_id = $1 WHERE identifier_id = $2`,
					survivingID, r.id); err != nil {
					return fmt.Errorf("repoint activities: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM identifiers WHERE id = $1`, r.id); err != nil {
					return fmt.Errorf("drop duplicate identifier: %w", err)
				}
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx,
					`UPDATE identifiers SET profile_id = $1 WHERE id = $2`,
					uuid.UUID(target.ID), r.id); err != nil {
					return fmt.Errorf("move identifier: %w", err)
				}
				moved = append(moved, r.id)
			default:
				return fmt.Errorf("check duplicate identifier: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE profiles SET
				total_orders = total_orders + $2,
				total_spent = total_spent + $3,
				first_seen_at = LEAST(first_seen_at, $4),
				last_seen_at = GREATEST(last_seen_at, $5),
				last_purchase_at = GREATEST(COALESCE(last_purchase_at, $6), COALESCE($6, last_purchase_at)),
				display_name = CASE WHEN display_name = '' THEN $7 ELSE display_name END,
				primary_phone = CASE WHEN primary_phone = '' THEN $8 ELSE primary_phone END,
				primary_email = CASE WHEN primary_email = '' THEN $9 ELSE primary_email END,
				updated_at = $10
			WHERE id = $1
		`, uuid.UUID(target.ID), source.TotalOrders, source.TotalSpent,
			source.FirstSeenAt, source.LastSeenAt, source.LastPurchaseAt,
			source.DisplayName, source.PrimaryPhone, source.PrimaryEmail, at)
		if err != nil {
			return fmt.Errorf("fold metrics into target: %w", err)
		}

		// Source metrics stay frozen at merge-time values for audit.
		_, err = tx.ExecContext(ctx, `
			UPDATE profiles SET merged = TRUE, merged_into = $2, updated_at = $3
			WHERE id = $1
		`, uuid.UUID(source.ID), uuid.UUID(target.ID), at)
		if err != nil {
			return fmt.Errorf("mark source merged: %w", err)
		}

		logID := id.NewMergeLogID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO merge_log (id, source_id, target_id, merge_type, confidence, reason, moved_identifiers, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::uuid[], $8)
		`, uuid.UUID(logID), uuid.UUID(source.ID), uuid.UUID(target.ID),
			string(params.MergeType), params.Confidence, params.Reason,
			pq.Array(uuidStrings(moved)), at)
		if err != nil {
			return fmt.Errorf("insert merge log: %w", err)
		}

		entry = &models.MergeLogEntry{
			ID:               logID,
			SourceID:         source.ID,
			TargetID:         target.ID,
			MergeType:        params.MergeType,
			Confidence:       params.Confidence,
			Reason:           params.Reason,
			MovedIdentifiers: toIdentifierIDs(moved),
			CreatedAt:        at,
		}
		return s.insertOutbox(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// insertOutbox queues the merge event for the stream worker; the write shares
// the merge transaction so no merge is published unless it committed.
func (s *Postgres) insertOutbox(ctx context.Context, tx *sql.Tx, entry *models.MergeLogEntry) error {
	payload, err := json.Marshal(map[string]any{
		"merge_log_id": entry.ID.String(),
		"source_id":    entry.SourceID.String(),
		"target_id":    entry.TargetID.String(),
		"merge_type":   string(entry.MergeType),
		"confidence":   entry.Confidence,
		"created_at":   entry.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal merge event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO merge_outbox (merge_log_id, payload) VALUES ($1, $2)
	`, uuid.UUID(entry.ID), payload)
	if err != nil {
		return fmt.Errorf("insert merge outbox: %w", err)
	}
	return nil
}

func (s *Postgres) ApplyRollback(ctx context.Context, mergeLogID id.MergeLogID, reason string, at time.Time) error {
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		entry, err := s.getMergeLogRow(ctx, tx, mergeLogID, true)
		if errors.Is(err, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return err
		}
		if entry.RolledBack {
			return ErrAlreadyRolledBack
		}
		if at.IsZero() {
			at = time.Now().UTC()
		}

		lo, hi := OrderedPair(entry.SourceID, entry.TargetID)
		for _, pid := range []id.ProfileID{lo, hi} {
			if _, err := s.getProfileRow(ctx, tx, pid, true); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE profiles SET merged = FALSE, merged_into = NULL, updated_at = $2
			WHERE id = $1
		`, uuid.UUID(entry.SourceID), at)
		if err != nil {
			return fmt.Errorf("restore source profile: %w", err)
		}

		// Move back only identifiers from the merge-time set that the target
		// still owns; anything it gained afterwards stays put.
		movedStrs := make([]string, len(entry.MovedIdentifiers))
		for i, identID := range entry.MovedIdentifiers {
			movedStrs[i] = identID.String()
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE identifiers SET profile_id = $1
			WHERE id = ANY($2::uuid[]) AND profile_id = $3
		`, uuid.UUID(entry.SourceID), pq.Array(movedStrs), uuid.UUID(entry.TargetID))
		if err != nil {
			return fmt.Errorf("restore identifier ownership: %w", err)
		}

		for _, pid := range []id.ProfileID{entry.SourceID, entry.TargetID} {
			if err := rederiveMetrics(ctx, tx, pid, at); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE merge_log SET rolled_back = TRUE, rolled_back_at = $2, rollback_reason = $3
			WHERE id = $1
		`, uuid.UUID(mergeLogID), at, reason)
		if err != nil {
			return fmt.Errorf("mark merge rolled back: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The source is active again: cached roots through this chain are stale.
	s.roots.Range(func(k, _ any) bool {
		s.roots.Delete(k)
		return true
	})
	return nil
}

// rederiveMetrics recomputes a profile's aggregates from the activity history
// of its currently-owned identifiers. Subtraction would be wrong: the profile
// may have accrued independent activity since the merge.
func rederiveMetrics(ctx context.Context, tx *sql.Tx, profileID id.ProfileID, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		WITH derived AS (
			SELECT
				COALESCE(SUM(a.orders), 0)   AS orders,
				COALESCE(SUM(a.spend), 0)    AS spend,
				MIN(a.occurred_at)           AS first_seen,
				MAX(a.occurred_at)           AS last_seen,
				MAX(a.occurred_at) FILTER (WHERE a.orders > 0) AS last_purchase
			FROM activities a
			JOIN identifiers i ON i.id = a.identifier_id
			WHERE i.profile_id = $1
		)
		UPDATE profiles p SET
			total_orders = derived.orders,
			total_spent = derived.spend,
			first_seen_at = LEAST(COALESCE(derived.first_seen, p.created_at), p.created_at),
			last_seen_at = GREATEST(COALESCE(derived.last_seen, p.created_at), p.created_at),
			last_purchase_at = derived.last_purchase,
			updated_at = $2
		FROM derived
		WHERE p.id = $1
	`, uuid.UUID(profileID), at)
	if err != nil {
		return fmt.Errorf("rederive metrics: %w", err)
	}
	return nil
}

const mergeLogColumns = `id, source_id, target_id, merge_type, confidence,
	reason, moved_identifiers, created_at, rolled_back, rolled_back_at, rollback_reason`

func scanMergeLog(row interface{ Scan(...any) error }) (*models.MergeLogEntry, error) {
	var (
		e            models.MergeLogEntry
		entryID      uuid.UUID
		sourceID     uuid.UUID
		targetID     uuid.UUID
		mergeType    string
		moved        pq.StringArray
		rolledBackAt sql.NullTime
	)
	err := row.Scan(&entryID, &sourceID, &targetID, &mergeType, &e.Confidence,
		&e.Reason, &moved, &e.CreatedAt, &e.RolledBack, &rolledBackAt, &e.RollbackReason)
	if err != nil {
		return nil, err
	}
	e.ID = id.MergeLogID(entryID)
	e.SourceID = id.ProfileID(sourceID)
	e.TargetID = id.ProfileID(targetID)
	e.MergeType = models.MergeType(mergeType)
	for _, raw := range moved {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse moved identifier id: %w", err)
		}
		e.MovedIdentifiers = append(e.MovedIdentifiers, id.IdentifierID(parsed))
	}
	if rolledBackAt.Valid {
		t := rolledBackAt.Time
		e.RolledBackAt = &t
	}
	return &e, nil
}

func (s *Postgres) getMergeLogRow(ctx context.Context, q querier, mergeLogID id.MergeLogID, forUpdate bool) (*models.MergeLogEntry, error) {
	query := `SELECT ` + mergeLogColumns + ` FROM merge_log WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	entry, err := scanMergeLog(q.QueryRowContext(ctx, query, uuid.UUID(mergeLogID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get merge log: %w", err)
	}
	return entry, nil
}

func (s *Postgres) GetMergeLog(ctx context.Context, mergeLogID id.MergeLogID) (*models.MergeLogEntry, error) {
	entry, err := s.getMergeLogRow(ctx, s.reader(ctx), mergeLogID, false)
	if err != nil {
		return nil, classifyPG(err)
	}
	return entry, nil
}

func (s *Postgres) ListMergeLogs(ctx context.Context, filter MergeLogFilter) ([]models.MergeLogEntry, error) {
	query := `SELECT ` + mergeLogColumns + ` FROM merge_log`
	var (
		conds []string
		args  []any
	)
	if filter.ProfileID != nil {
		args = append(args, uuid.UUID(*filter.ProfileID))
		conds = append(conds, fmt.Sprintf("(source_id = $%d OR target_id = $%d)", len(args), len(args)))
	}
	if filter.MergeType != "" {
		args = append(args, string(filter.MergeType))
		conds = append(conds, fmt.Sprintf("merge_type = $%d", len(args)))
	}
	if filter.RolledBack != nil {
		args = append(args, *filter.RolledBack)
		conds = append(conds, fmt.Sprintf("rolled_back = $%d", len(args)))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.reader(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("list merge logs: %w", err))
	}
	defer rows.Close()

	out := make([]models.MergeLogEntry, 0)
	for rows.Next() {
		entry, err := scanMergeLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan merge log: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, u := range ids {
		out[i] = u.String()
	}
	return out
}

func toIdentifierIDs(ids []uuid.UUID) []id.IdentifierID {
	out := make([]id.IdentifierID, len(ids))
	for i, u := range ids {
		out[i] = id.IdentifierID(u)
	}
	return out
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
