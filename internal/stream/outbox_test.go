package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unify/internal/stream"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []stream.MergeEvent
	fail   error
}

func (p *capturingPublisher) Publish(_ context.Context, event stream.MergeEvent) error {
	if p.fail != nil {
		return p.fail
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) Close() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustPayload(t *testing.T, event stream.MergeEvent) []byte {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return b
}

func TestOutboxWorker_DrainOnce(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	event := stream.MergeEvent{
		MergeLogID: "2f9f9c6e-0a45-4b7d-9f64-6f1f2d3c4b5a",
		SourceID:   "11111111-1111-1111-1111-111111111111",
		TargetID:   "22222222-2222-2222-2222-222222222222",
		MergeType:  "auto",
		Confidence: 0.92,
		CreatedAt:  time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, payload FROM merge_outbox.*FOR UPDATE SKIP LOCKED`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload"}).
			AddRow(int64(7), mustPayload(t, event)))
	mock.ExpectExec(`UPDATE merge_outbox SET published_at = now\(\) WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pub := &capturingPublisher{}
	worker := stream.NewOutboxWorker(db, pub, time.Second, testLogger())

	require.NoError(t, worker.DrainOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.events, 1)
	assert.Equal(t, event.MergeLogID, pub.events[0].MergeLogID)
	assert.Equal(t, "auto", pub.events[0].MergeType)
	assert.InDelta(t, 0.92, pub.events[0].Confidence, 1e-9)
}

func TestOutboxWorker_DrainOnce_EmptyBatch(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, payload FROM merge_outbox`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload"}))
	mock.ExpectRollback()

	pub := &capturingPublisher{}
	worker := stream.NewOutboxWorker(db, pub, time.Second, testLogger())

	require.NoError(t, worker.DrainOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, pub.events)
}

func TestOutboxWorker_DrainOnce_PublishFailureReleasesClaim(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	event := stream.MergeEvent{MergeLogID: "2f9f9c6e-0a45-4b7d-9f64-6f1f2d3c4b5a", MergeType: "manual"}

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, payload FROM merge_outbox`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload"}).
			AddRow(int64(3), mustPayload(t, event)))
	mock.ExpectRollback()

	pub := &capturingPublisher{fail: errors.New("broker unavailable")}
	worker := stream.NewOutboxWorker(db, pub, time.Second, testLogger())

	err = worker.DrainOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxWorker_RunStopsOnCancel(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	_ = mock

	worker := stream.NewOutboxWorker(db, &capturingPublisher{}, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
