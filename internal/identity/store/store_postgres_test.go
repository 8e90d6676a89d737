package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unify/internal/identity/models"
	id "unify/pkg/domain"
	"unify/pkg/platform/sentinel"
)

func setupMockDB(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db, 2*time.Second), mock
}

func profileRows(pid uuid.UUID, merged bool, mergedInto *uuid.UUID) *sqlmock.Rows {
	now := time.Now().UTC()
	var mi any
	if mergedInto != nil {
		mi = *mergedInto
	}
	return sqlmock.NewRows([]string{
		"id", "primary_phone", "primary_email", "display_name",
		"total_orders", "total_spent", "first_seen_at", "last_seen_at",
		"last_purchase_at", "merged", "merged_into", "created_at", "updated_at",
	}).AddRow(pid, "", "a@x.com", "Priya", int64(3), 200.0, now, now, nil, merged, mi, now, now)
}

func TestPostgres_FindActiveProfileByIdentifier(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		s, mock := setupMockDB(t)
		mock.ExpectQuery(`(?s)SELECT .+ FROM identifiers i\s+JOIN profiles p`).
			WillReturnError(sql.ErrNoRows)

		_, err := s.FindActiveProfileByIdentifier(context.Background(), models.IdentifierEmail, "abc")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("active owner returned directly", func(t *testing.T) {
		s, mock := setupMockDB(t)
		pid := uuid.New()
		mock.ExpectQuery(`(?s)SELECT .+ FROM identifiers i\s+JOIN profiles p`).
			WithArgs("email", "abc").
			WillReturnRows(profileRows(pid, false, nil))

		p, err := s.FindActiveProfileByIdentifier(context.Background(), models.IdentifierEmail, "abc")
		require.NoError(t, err)
		assert.Equal(t, id.ProfileID(pid), p.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("merged owner resolves through chain", func(t *testing.T) {
		s, mock := setupMockDB(t)
		mergedID := uuid.New()
		rootID := uuid.New()

		mock.ExpectQuery(`(?s)SELECT .+ FROM identifiers i\s+JOIN profiles p`).
			WillReturnRows(profileRows(mergedID, true, &rootID))
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1`).
			WithArgs(rootID).
			WillReturnRows(profileRows(rootID, false, nil))

		p, err := s.FindActiveProfileByIdentifier(context.Background(), models.IdentifierEmail, "abc")
		require.NoError(t, err)
		assert.Equal(t, id.ProfileID(rootID), p.ID)
		assert.NoError(t, mock.ExpectationsWereMet())

		// Second resolution hits the root cache: one lookup for the
		// identifier, one to validate the cached root.
		mock.ExpectQuery(`(?s)SELECT .+ FROM identifiers i\s+JOIN profiles p`).
			WillReturnRows(profileRows(mergedID, true, &rootID))
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1`).
			WithArgs(rootID).
			WillReturnRows(profileRows(rootID, false, nil))

		p, err = s.FindActiveProfileByIdentifier(context.Background(), models.IdentifierEmail, "abc")
		require.NoError(t, err)
		assert.Equal(t, id.ProfileID(rootID), p.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_GetProfile(t *testing.T) {
	s, mock := setupMockDB(t)
	pid := uuid.New()
	mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1`).
		WithArgs(pid).
		WillReturnRows(profileRows(pid, false, nil))

	p, err := s.GetProfile(context.Background(), id.ProfileID(pid))
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.TotalOrders)
	assert.Equal(t, 200.0, p.TotalSpent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordActivity(t *testing.T) {
	pid := uuid.New()
	identID := uuid.New()
	now := time.Now().UTC()
	params := RecordActivityParams{
		ProfileID:    id.ProfileID(pid),
		IdentifierID: id.IdentifierID(identID),
		EventID:      "evt-1",
		Orders:       1,
		Spend:        50,
		OccurredAt:   now,
	}

	t.Run("inserts and folds metrics", func(t *testing.T) {
		s, mock := setupMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1 FOR UPDATE`).
			WithArgs(pid).
			WillReturnRows(profileRows(pid, false, nil))
		mock.ExpectExec(`(?s)INSERT INTO activities .+ ON CONFLICT \(event_id\)`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`(?s)UPDATE profiles SET\s+total_orders = total_orders`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, s.RecordActivity(context.Background(), params))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replayed event id skips the metric fold", func(t *testing.T) {
		s, mock := setupMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1 FOR UPDATE`).
			WithArgs(pid).
			WillReturnRows(profileRows(pid, false, nil))
		mock.ExpectExec(`(?s)INSERT INTO activities .+ ON CONFLICT \(event_id\)`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		require.NoError(t, s.RecordActivity(context.Background(), params))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_AttachIdentifier_MergedOwnerResolvesThroughChain(t *testing.T) {
	identQuery := `(?s)SELECT i\.id, i\.profile_id, i\.id_value, i\.created_at, p\.merged`

	t.Run("chain ends at the attaching profile", func(t *testing.T) {
		s, mock := setupMockDB(t)
		pid := uuid.New()
		absorbedOwner := uuid.New()
		existingID := uuid.New()
		now := time.Now().UTC()

		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1 FOR UPDATE`).
			WithArgs(pid).
			WillReturnRows(profileRows(pid, false, nil))
		mock.ExpectExec(`pg_advisory_xact_lock`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(identQuery).
			WithArgs("email", "abc").
			WillReturnRows(sqlmock.NewRows([]string{"id", "profile_id", "id_value", "created_at", "merged"}).
				AddRow(existingID, absorbedOwner, "a@x.com", now, true))
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1`).
			WithArgs(absorbedOwner).
			WillReturnRows(profileRows(absorbedOwner, true, &pid))
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1`).
			WithArgs(pid).
			WillReturnRows(profileRows(pid, false, nil))
		mock.ExpectCommit()

		n := mustNormalize(t, models.IdentifierEmail, "a@x.com")
		n.Hash = "abc"
		ident, err := s.AttachIdentifier(context.Background(), id.ProfileID(pid), n)
		require.NoError(t, err)
		assert.Equal(t, id.IdentifierID(existingID), ident.ID)
		assert.Equal(t, id.ProfileID(pid), ident.ProfileID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("chain ends at a foreign profile", func(t *testing.T) {
		s, mock := setupMockDB(t)
		pid := uuid.New()
		absorbedOwner := uuid.New()
		foreignRoot := uuid.New()
		now := time.Now().UTC()

		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1 FOR UPDATE`).
			WithArgs(pid).
			WillReturnRows(profileRows(pid, false, nil))
		mock.ExpectExec(`pg_advisory_xact_lock`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(identQuery).
			WithArgs("email", "abc").
			WillReturnRows(sqlmock.NewRows([]string{"id", "profile_id", "id_value", "created_at", "merged"}).
				AddRow(uuid.New(), absorbedOwner, "a@x.com", now, true))
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1`).
			WithArgs(absorbedOwner).
			WillReturnRows(profileRows(absorbedOwner, true, &foreignRoot))
		mock.ExpectQuery(`(?s)SELECT .+ FROM profiles WHERE id = \$1`).
			WithArgs(foreignRoot).
			WillReturnRows(profileRows(foreignRoot, false, nil))
		mock.ExpectRollback()

		n := mustNormalize(t, models.IdentifierEmail, "a@x.com")
		n.Hash = "abc"
		_, err := s.AttachIdentifier(context.Background(), id.ProfileID(pid), n)
		assert.ErrorIs(t, err, ErrOwnedElsewhere)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_ApplyRollback_AlreadyRolledBack(t *testing.T) {
	s, mock := setupMockDB(t)
	logID := uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "source_id", "target_id", "merge_type", "confidence",
		"reason", "moved_identifiers", "created_at", "rolled_back", "rolled_back_at", "rollback_reason",
	}).AddRow(logID, uuid.New(), uuid.New(), "auto", 0.9, "", []byte("{}"), now, true, now, "earlier reversal")

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM merge_log WHERE id = \$1 FOR UPDATE`).
		WithArgs(logID).
		WillReturnRows(rows)
	mock.ExpectRollback()

	err := s.ApplyRollback(context.Background(), id.MergeLogID(logID), "again", now)
	assert.ErrorIs(t, err, ErrAlreadyRolledBack)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ApplyRollback_NotFound(t *testing.T) {
	s, mock := setupMockDB(t)
	logID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM merge_log WHERE id = \$1 FOR UPDATE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.ApplyRollback(context.Background(), id.MergeLogID(logID), "missing", time.Now().UTC())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListMergeLogs(t *testing.T) {
	s, mock := setupMockDB(t)
	now := time.Now().UTC()
	e1, e2 := uuid.New(), uuid.New()
	src, tgt := uuid.New(), uuid.New()
	movedID := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "source_id", "target_id", "merge_type", "confidence",
		"reason", "moved_identifiers", "created_at", "rolled_back", "rolled_back_at", "rollback_reason",
	}).
		AddRow(e2, src, tgt, "manual", 1.0, "ops", []byte("{"+movedID.String()+"}"), now, false, nil, "").
		AddRow(e1, src, tgt, "auto", 0.9, "", []byte("{}"), now.Add(-time.Hour), false, nil, "")

	mock.ExpectQuery(`(?s)SELECT .+ FROM merge_log ORDER BY created_at DESC`).
		WillReturnRows(rows)

	logs, err := s.ListMergeLogs(context.Background(), MergeLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, id.MergeLogID(e2), logs[0].ID)
	assert.Equal(t, models.MergeManual, logs[0].MergeType)
	require.Len(t, logs[0].MovedIdentifiers, 1)
	assert.Equal(t, id.IdentifierID(movedID), logs[0].MovedIdentifiers[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListMergeLogs_Filtered(t *testing.T) {
	s, mock := setupMockDB(t)
	pid := uuid.New()
	rolledBack := true

	mock.ExpectQuery(`(?s)SELECT .+ FROM merge_log WHERE \(source_id = \$1 OR target_id = \$1\) AND merge_type = \$2 AND rolled_back = \$3 ORDER BY created_at DESC LIMIT \$4`).
		WithArgs(pid, "auto", rolledBack, 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_id", "target_id", "merge_type", "confidence",
			"reason", "moved_identifiers", "created_at", "rolled_back", "rolled_back_at", "rollback_reason",
		}))

	profileID := id.ProfileID(pid)
	logs, err := s.ListMergeLogs(context.Background(), MergeLogFilter{
		ProfileID:  &profileID,
		MergeType:  models.MergeAuto,
		RolledBack: &rolledBack,
		Limit:      5,
	})
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPG(t *testing.T) {
	t.Run("serialization failure is retryable", func(t *testing.T) {
		err := classifyPG(&pq.Error{Code: "40001"})
		assert.ErrorIs(t, err, sentinel.ErrTimeout)
	})

	t.Run("deadlock is retryable", func(t *testing.T) {
		err := classifyPG(&pq.Error{Code: "40P01"})
		assert.ErrorIs(t, err, sentinel.ErrTimeout)
	})

	t.Run("deadline exceeded is retryable", func(t *testing.T) {
		err := classifyPG(context.DeadlineExceeded)
		assert.ErrorIs(t, err, sentinel.ErrTimeout)
	})

	t.Run("constraint violation is not retryable", func(t *testing.T) {
		err := classifyPG(&pq.Error{Code: "23505"})
		assert.NotErrorIs(t, err, sentinel.ErrTimeout)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, classifyPG(nil))
	})
}
