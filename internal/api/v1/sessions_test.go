package v1_test

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/chronicleworks/chronicle/internal/api/v1"
	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/store"
	"github.com/chronicleworks/chronicle/internal/store/sqlite"
)

func newTestAPI(t *testing.T) (humatest.TestAPI, *store.Service) {
	t.Helper()

	engine, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Close(context.Background()))
	})

	svc, err := store.New(context.Background(), engine, store.Config{
		TenantID:   uuid.New(),
		TenantName: "api-tenant",
		AgentName:  "api-agent",
		ModelUsed:  "api-model",
	})
	require.NoError(t, err)

	_, api := humatest.New(t)
	v1.RegisterSessionRoutes(api, svc)
	v1.RegisterFeedbackRoutes(api, svc)
	v1.RegisterAnalyticsRoutes(api, svc)
	return api, svc
}

// ---------------------------------------------------------------------------
// POST /apps/{app}/users/{user}/sessions
// ---------------------------------------------------------------------------

func TestCreateSessionRoute(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()
		api, _ := newTestAPI(t)

		resp := api.Post("/apps/demo/users/alice/sessions", map[string]any{
			"session_id": "s1",
			"state":      map[string]any{"lang": "en", "temp:draft": true},
		})

		require.Equal(t, http.StatusCreated, resp.Code)

		var body domain.Session
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "s1", body.ID)
		assert.Equal(t, "demo", body.AppName)
		assert.Equal(t, "alice", body.UserID)
		assert.Contains(t, body.State, "lang")
		assert.Contains(t, body.State, "temp:draft")
	})

	t.Run("generated_session_id", func(t *testing.T) {
		t.Parallel()
		api, _ := newTestAPI(t)

		resp := api.Post("/apps/demo/users/alice/sessions", map[string]any{})
		require.Equal(t, http.StatusCreated, resp.Code)

		var body domain.Session
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.NotEmpty(t, body.ID)
	})

	t.Run("duplicate_conflict", func(t *testing.T) {
		t.Parallel()
		api, _ := newTestAPI(t)

		resp := api.Post("/apps/demo/users/alice/sessions", map[string]any{"session_id": "dup"})
		require.Equal(t, http.StatusCreated, resp.Code)

		resp = api.Post("/apps/demo/users/alice/sessions", map[string]any{"session_id": "dup"})
		assert.Equal(t, http.StatusConflict, resp.Code)
	})

	t.Run("non_object_state", func(t *testing.T) {
		t.Parallel()
		api, _ := newTestAPI(t)

		resp := api.Post("/apps/demo/users/alice/sessions", map[string]any{
			"state": "not-an-object",
		})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /apps/{app}/users/{user}/sessions/{session_id}
// ---------------------------------------------------------------------------

func TestGetSessionRoute(t *testing.T) {
	t.Parallel()

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()
		api, _ := newTestAPI(t)

		resp := api.Get("/apps/demo/users/alice/sessions/missing")
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("round_trip_with_events", func(t *testing.T) {
		t.Parallel()
		api, _ := newTestAPI(t)

		resp := api.Post("/apps/demo/users/alice/sessions", map[string]any{"session_id": "s1"})
		require.Equal(t, http.StatusCreated, resp.Code)

		resp = api.Post("/apps/demo/users/alice/sessions/s1/events", map[string]any{
			"id":     "evt-1",
			"author": "assistant",
			"actions": map[string]any{
				"state_delta": map[string]any{"topic": "weather"},
			},
		})
		require.Equal(t, http.StatusOK, resp.Code)

		resp = api.Get("/apps/demo/users/alice/sessions/s1")
		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.Session
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		require.Len(t, body.Events, 1)
		assert.Equal(t, "evt-1", body.Events[0].ID)
		assert.Positive(t, body.Events[0].SequenceNum)
		assert.Contains(t, body.State, "topic")
	})
}

// ---------------------------------------------------------------------------
// DELETE and list
// ---------------------------------------------------------------------------

func TestSessionListAndDeleteRoutes(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t)

	for _, id := range []string{"a", "b"} {
		resp := api.Post("/apps/demo/users/alice/sessions", map[string]any{"session_id": id})
		require.Equal(t, http.StatusCreated, resp.Code)
	}

	resp := api.Get("/apps/demo/users/alice/sessions")
	require.Equal(t, http.StatusOK, resp.Code)

	var summaries []domain.SessionSummary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &summaries))
	assert.Len(t, summaries, 2)

	resp = api.Delete("/apps/demo/users/alice/sessions/a")
	assert.Equal(t, http.StatusNoContent, resp.Code)

	// Deleting again stays successful.
	resp = api.Delete("/apps/demo/users/alice/sessions/a")
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = api.Get("/apps/demo/users/alice/sessions")
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &summaries))
	assert.Len(t, summaries, 1)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestAppendEventRoute(t *testing.T) {
	t.Parallel()

	t.Run("session_not_found", func(t *testing.T) {
		t.Parallel()
		api, _ := newTestAPI(t)

		resp := api.Post("/apps/demo/users/alice/sessions/missing/events", map[string]any{
			"author": "assistant",
		})
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("duplicate_event_is_accepted", func(t *testing.T) {
		t.Parallel()
		api, _ := newTestAPI(t)

		resp := api.Post("/apps/demo/users/alice/sessions", map[string]any{"session_id": "s1"})
		require.Equal(t, http.StatusCreated, resp.Code)

		event := map[string]any{"id": "evt-1", "author": "assistant"}
		resp = api.Post("/apps/demo/users/alice/sessions/s1/events", event)
		require.Equal(t, http.StatusOK, resp.Code)
		resp = api.Post("/apps/demo/users/alice/sessions/s1/events", event)
		require.Equal(t, http.StatusOK, resp.Code)

		resp = api.Get("/apps/demo/users/alice/sessions/s1")
		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.Session
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Len(t, body.Events, 1)
	})
}

// ---------------------------------------------------------------------------
// Feedback, scores, analytics
// ---------------------------------------------------------------------------

func TestFeedbackAndAnalyticsRoutes(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t)

	resp := api.Post("/apps/demo/users/alice/sessions", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = api.Post("/apps/demo/users/alice/sessions/s1/events", map[string]any{
		"id": "evt-1", "author": "assistant",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = api.Post("/apps/demo/users/alice/sessions/s1/events/evt-1/feedback", map[string]any{
		"rating":  4,
		"comment": "helpful",
	})
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = api.Post("/scores", map[string]any{
		"app_name":    "demo",
		"session_id":  "s1",
		"event_id":    "evt-1",
		"metric_name": "helpfulness",
		"score":       0.9,
		"evaluator":   "judge-1",
	})
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = api.Get("/analytics/usage")
	require.Equal(t, http.StatusOK, resp.Code)
	var usage struct {
		Models []domain.ModelUsage `json:"models"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &usage))
	require.Len(t, usage.Models, 1)
	assert.EqualValues(t, 1, usage.Models[0].Calls)

	resp = api.Get("/analytics/evaluations")
	require.Equal(t, http.StatusOK, resp.Code)
	var evals struct {
		Metrics []domain.MetricSummary `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &evals))
	require.Len(t, evals.Metrics, 1)
	assert.EqualValues(t, 1, evals.Metrics[0].PassCount)

	resp = api.Get("/audit")
	require.Equal(t, http.StatusOK, resp.Code)
	var audit struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &audit))
	require.Len(t, audit.Entries, 1)
	assert.Equal(t, domain.AuditSessionCreated, audit.Entries[0].Action)
}
