package handler_test

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unify/internal/identity/engine"
	"unify/internal/identity/handler"
	"unify/internal/identity/service"
	"unify/internal/identity/store"
	"unify/internal/platform/config"
	"unify/internal/review"
	"unify/pkg/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	queue := review.NewMemoryQueue()
	cfg := config.Matching{
		AutoMergeThreshold:    0.80,
		ManualReviewThreshold: 0.45,
		IdentifierWeight:      0.6,
		NameWeight:            0.4,
		MaxRetries:            1,
		RetryBackoff:          time.Millisecond,
	}
	eng := engine.New(mem, queue, cfg, testLogger())
	svc := service.New(mem, eng, queue, nil, testLogger())

	r := chi.NewRouter()
	handler.New(svc, testLogger()).Register(r)
	return r
}

type profileBody struct {
	ID          string  `json:"id"`
	TotalOrders int64   `json:"total_orders"`
	TotalSpent  float64 `json:"total_spent"`
}

type resolveBody struct {
	Outcome    string        `json:"outcome"`
	Confidence float64       `json:"confidence"`
	Profile    profileBody   `json:"profile"`
	MergeLog   *mergeLogBody `json:"merge_log"`
}

type mergeLogBody struct {
	ID             string  `json:"id"`
	SourceID       string  `json:"source_id"`
	TargetID       string  `json:"target_id"`
	MergeType      string  `json:"merge_type"`
	Confidence     float64 `json:"confidence"`
	RolledBack     bool    `json:"rolled_back"`
	RollbackReason string  `json:"rollback_reason"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func resolvePayload(idents map[string]string, name string, orders int64, spend float64) map[string]any {
	list := make([]map[string]string, 0, len(idents))
	for idType, value := range idents {
		list = append(list, map[string]string{"type": idType, "value": value})
	}
	return map[string]any{
		"identifiers": list,
		"name":        name,
		"orders":      orders,
		"spend":       spend,
		"occurred_at": time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestHandler_ResolveEvent(t *testing.T) {
	router := newRouter(t)

	t.Run("creates a profile", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/events/resolve",
			resolvePayload(map[string]string{"phone": "9876543210"}, "Anna", 1, 50))
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusCreated, rr.Code)
		body := testutil.UnmarshalResponse[resolveBody](t, rr)
		assert.Equal(t, "created", body.Outcome)
		assert.NotEmpty(t, body.Profile.ID)
		assert.Equal(t, int64(1), body.Profile.TotalOrders)
	})

	t.Run("matches an existing profile", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/events/resolve",
			resolvePayload(map[string]string{"phone": "9876543210"}, "Anna", 1, 30))
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusOK, rr.Code)
		body := testutil.UnmarshalResponse[resolveBody](t, rr)
		assert.Equal(t, "matched", body.Outcome)
		assert.Equal(t, int64(2), body.Profile.TotalOrders)
		assert.Equal(t, 80.0, body.Profile.TotalSpent)
	})

	t.Run("auto merges linked profiles", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/events/resolve",
			resolvePayload(map[string]string{"email": "anna@x.com"}, "Anna", 1, 20))
		rr := testutil.DoRequest(router, req)
		require.Equal(t, http.StatusCreated, rr.Code)

		req = testutil.NewJSONRequest(t, http.MethodPost, "/v1/events/resolve",
			resolvePayload(map[string]string{"phone": "9876543210", "email": "anna@x.com"}, "Anna", 1, 10))
		rr = testutil.DoRequest(router, req)

		require.Equal(t, http.StatusOK, rr.Code)
		body := testutil.UnmarshalResponse[resolveBody](t, rr)
		assert.Equal(t, "auto_merged", body.Outcome)
		require.NotNil(t, body.MergeLog)
		assert.Equal(t, "auto", body.MergeLog.MergeType)
		assert.Equal(t, int64(4), body.Profile.TotalOrders)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/events/resolve", nil)
		req.Body = http.NoBody
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("rejects unknown identifier type", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/events/resolve",
			resolvePayload(map[string]string{"passport": "x1"}, "Anna", 0, 0))
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		body := testutil.UnmarshalResponse[errorBody](t, rr)
		assert.Equal(t, "invalid_identifier", body.Error)
	})
}

func mustResolve(t *testing.T, router http.Handler, idents map[string]string, name string) profileBody {
	t.Helper()
	req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/events/resolve",
		resolvePayload(idents, name, 1, 25))
	rr := testutil.DoRequest(router, req)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rr.Code)
	return testutil.UnmarshalResponse[resolveBody](t, rr).Profile
}

func TestHandler_ManualMergeAndRollback(t *testing.T) {
	router := newRouter(t)

	source := mustResolve(t, router, map[string]string{"phone": "111"}, "Anna")
	target := mustResolve(t, router, map[string]string{"email": "a@x.com"}, "Anna B")

	req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/merges", map[string]string{
		"source_id": source.ID,
		"target_id": target.ID,
		"reason":    "same customer per support",
	})
	rr := testutil.DoRequest(router, req)
	require.Equal(t, http.StatusCreated, rr.Code)
	entry := testutil.UnmarshalResponse[mergeLogBody](t, rr)
	assert.Equal(t, "manual", entry.MergeType)
	assert.Equal(t, source.ID, entry.SourceID)
	assert.Equal(t, target.ID, entry.TargetID)

	// Resolving the source id now lands on the survivor.
	req = testutil.NewJSONRequest(t, http.MethodGet, "/v1/profiles/"+source.ID, nil)
	rr = testutil.DoRequest(router, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, target.ID, testutil.UnmarshalResponse[profileBody](t, rr).ID)

	t.Run("rollback reverses the merge", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost,
			fmt.Sprintf("/v1/merges/%s/rollback", entry.ID),
			map[string]string{"reason": "wrong customer, ticket 4711"})
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusOK, rr.Code)
		rolled := testutil.UnmarshalResponse[mergeLogBody](t, rr)
		assert.True(t, rolled.RolledBack)
		assert.Equal(t, "wrong customer, ticket 4711", rolled.RollbackReason)

		req = testutil.NewJSONRequest(t, http.MethodGet, "/v1/profiles/"+source.ID, nil)
		rr = testutil.DoRequest(router, req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, source.ID, testutil.UnmarshalResponse[profileBody](t, rr).ID)
	})

	t.Run("second rollback conflicts", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost,
			fmt.Sprintf("/v1/merges/%s/rollback", entry.ID),
			map[string]string{"reason": "trying a second reversal"})
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusConflict, rr.Code)
		body := testutil.UnmarshalResponse[errorBody](t, rr)
		assert.Equal(t, "already_rolled_back", body.Error)
	})

	t.Run("short reason rejected", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost,
			fmt.Sprintf("/v1/merges/%s/rollback", entry.ID),
			map[string]string{"reason": "oops"})
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown merge log id", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost,
			"/v1/merges/0e7cd0ff-9b5a-4b2e-8f8e-0a1b2c3d4e5f/rollback",
			map[string]string{"reason": "no such merge entry here"})
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusNotFound, rr.Code)
		body := testutil.UnmarshalResponse[errorBody](t, rr)
		assert.Equal(t, "merge_not_found", body.Error)
	})

	t.Run("malformed merge log id", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost,
			"/v1/merges/not-a-uuid/rollback",
			map[string]string{"reason": "does not matter here"})
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHandler_ListMergeLogs(t *testing.T) {
	router := newRouter(t)

	source := mustResolve(t, router, map[string]string{"phone": "111"}, "Anna")
	target := mustResolve(t, router, map[string]string{"email": "a@x.com"}, "Anna B")

	req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/merges", map[string]string{
		"source_id": source.ID,
		"target_id": target.ID,
		"reason":    "consolidate",
	})
	rr := testutil.DoRequest(router, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	type listBody struct {
		Merges []mergeLogBody `json:"merges"`
	}

	req = testutil.NewJSONRequest(t, http.MethodGet, "/v1/merges", nil)
	rr = testutil.DoRequest(router, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body := testutil.UnmarshalResponse[listBody](t, rr)
	require.Len(t, body.Merges, 1)
	assert.Equal(t, "manual", body.Merges[0].MergeType)

	req = testutil.NewJSONRequest(t, http.MethodGet, "/v1/merges?merge_type=auto", nil)
	rr = testutil.DoRequest(router, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, testutil.UnmarshalResponse[listBody](t, rr).Merges)

	req = testutil.NewJSONRequest(t, http.MethodGet, "/v1/merges?rolled_back=maybe", nil)
	rr = testutil.DoRequest(router, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_GetProfileNotFound(t *testing.T) {
	router := newRouter(t)

	req := testutil.NewJSONRequest(t, http.MethodGet,
		"/v1/profiles/0e7cd0ff-9b5a-4b2e-8f8e-0a1b2c3d4e5f", nil)
	rr := testutil.DoRequest(router, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
	body := testutil.UnmarshalResponse[errorBody](t, rr)
	assert.Equal(t, "not_found", body.Error)
}

func TestHandler_ListReviews(t *testing.T) {
	router := newRouter(t)

	req := testutil.NewJSONRequest(t, http.MethodGet, "/v1/reviews", nil)
	rr := testutil.DoRequest(router, req)
	require.Equal(t, http.StatusOK, rr.Code)

	type reviewList struct {
		Candidates []review.Candidate `json:"candidates"`
	}
	assert.Empty(t, testutil.UnmarshalResponse[reviewList](t, rr).Candidates)
}
