package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/store"
	"github.com/chronicleworks/chronicle/internal/store/sqlite"
)

func newTestService(t *testing.T) *store.Service {
	t.Helper()

	engine, err := sqlite.New(filepath.Join(t.TempDir(), "chronicle.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Close(context.Background()))
	})

	svc, err := store.New(context.Background(), engine, store.Config{
		TenantID:   uuid.New(),
		TenantName: "test-tenant",
		AgentName:  "test-agent",
		ModelUsed:  "test-model",
	})
	require.NoError(t, err)
	return svc
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestCreateSession(t *testing.T) {
	t.Parallel()

	t.Run("generates id when omitted", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		sess, err := svc.CreateSession(context.Background(), "app", "alice", nil, "")
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID)
		assert.Empty(t, sess.Events)
		assert.Equal(t, "app", sess.AppName)
		assert.Equal(t, "alice", sess.UserID)
	})

	t.Run("initial state includes temp keys in memory only", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		initial := domain.Delta{
			"lang":      domain.StringValue("en"),
			"temp:flag": domain.BoolValue(true),
		}
		sess, err := svc.CreateSession(context.Background(), "app", "alice", initial, "s1")
		require.NoError(t, err)

		// The returned session carries the temp key.
		assert.Contains(t, sess.State, "temp:flag")

		// A fresh read must not.
		got, err := svc.GetSession(context.Background(), "app", "alice", "s1", 0)
		require.NoError(t, err)
		assert.Contains(t, got.State, "lang")
		assert.NotContains(t, got.State, "temp:flag")
	})

	t.Run("duplicate key is rejected", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		_, err := svc.CreateSession(context.Background(), "app", "alice", nil, "dup")
		require.NoError(t, err)

		_, err = svc.CreateSession(context.Background(), "app", "alice", nil, "dup")
		require.ErrorIs(t, err, domain.ErrDuplicateSession)
	})

	t.Run("same id under different user is a distinct session", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		_, err := svc.CreateSession(context.Background(), "app", "alice", nil, "shared")
		require.NoError(t, err)
		_, err = svc.CreateSession(context.Background(), "app", "bob", nil, "shared")
		require.NoError(t, err)
	})

	t.Run("writes a created audit entry", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		_, err := svc.CreateSession(context.Background(), "app", "alice", nil, "audited")
		require.NoError(t, err)

		entries, err := svc.AuditTrail(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.AuditSessionCreated, entries[0].Action)
		assert.Equal(t, "session", entries[0].ResourceType)
		assert.Equal(t, "audited", entries[0].ResourceID)
	})
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	t.Run("missing session", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		_, err := svc.GetSession(context.Background(), "app", "alice", "nope", 0)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("returns events in sequence order", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "ordered")
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err = svc.AppendEvent(ctx, sess, &domain.Event{
				ID:     fmt.Sprintf("evt-%d", i),
				Author: "assistant",
			})
			require.NoError(t, err)
		}

		got, err := svc.GetSession(ctx, "app", "alice", "ordered", 0)
		require.NoError(t, err)
		require.Len(t, got.Events, 5)
		for i := 1; i < len(got.Events); i++ {
			assert.Greater(t, got.Events[i].SequenceNum, got.Events[i-1].SequenceNum)
		}
	})

	t.Run("undecodable event is skipped", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		engine, err := sqlite.New(filepath.Join(t.TempDir(), "chronicle.db"), 4)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, engine.Close(context.Background()))
		})

		svc, err := store.New(ctx, engine, store.Config{
			TenantID:   uuid.New(),
			TenantName: "test-tenant",
			AgentName:  "test-agent",
			ModelUsed:  "test-model",
		})
		require.NoError(t, err)

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "s1")
		require.NoError(t, err)

		_, err = svc.AppendEvent(ctx, sess, &domain.Event{ID: "evt-good", Author: "assistant"})
		require.NoError(t, err)

		// A row whose payload no longer decodes must not poison the read.
		err = engine.WithTx(ctx, func(tx store.Tx) error {
			_, _, txErr := tx.InsertEventIfAbsent(ctx, store.EventRow{
				Key:       store.SessionKey{AppName: "app", UserID: "alice", SessionID: "s1"},
				EventID:   "evt-bad",
				Author:    "assistant",
				EventType: domain.EventTypeMessage,
				Data:      []byte("not json"),
				ModelUsed: "test-model",
				CreatedAt: time.Now().UTC(),
			})
			return txErr
		})
		require.NoError(t, err)

		got, err := svc.GetSession(ctx, "app", "alice", "s1", 0)
		require.NoError(t, err)
		require.Len(t, got.Events, 1)
		assert.Equal(t, "evt-good", got.Events[0].ID)
	})

	t.Run("recent event limit keeps the newest, ascending", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "windowed")
		require.NoError(t, err)

		for i := 0; i < 6; i++ {
			_, err = svc.AppendEvent(ctx, sess, &domain.Event{
				ID:     fmt.Sprintf("evt-%d", i),
				Author: "assistant",
			})
			require.NoError(t, err)
		}

		got, err := svc.GetSession(ctx, "app", "alice", "windowed", 2)
		require.NoError(t, err)
		require.Len(t, got.Events, 2)
		assert.Equal(t, "evt-4", got.Events[0].ID)
		assert.Equal(t, "evt-5", got.Events[1].ID)
		assert.Less(t, got.Events[0].SequenceNum, got.Events[1].SequenceNum)
	})
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateSession(ctx, "app", "alice", nil, "first")
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "app", "alice", nil, "second")
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "app", "bob", nil, "other-user")
	require.NoError(t, err)

	// Touch "first" so it becomes the most recently updated.
	_, err = svc.AppendEvent(ctx, first, &domain.Event{ID: "touch", Author: "assistant"})
	require.NoError(t, err)

	summaries, err := svc.ListSessions(ctx, "app", "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "first", summaries[0].ID)
	assert.Equal(t, "second", summaries[1].ID)
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	t.Run("cascades to events and state", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", domain.Delta{"k": domain.StringValue("v")}, "doomed")
		require.NoError(t, err)
		_, err = svc.AppendEvent(ctx, sess, &domain.Event{ID: "evt", Author: "assistant"})
		require.NoError(t, err)

		require.NoError(t, svc.DeleteSession(ctx, "app", "alice", "doomed"))

		_, err = svc.GetSession(ctx, "app", "alice", "doomed", 0)
		require.ErrorIs(t, err, domain.ErrNotFound)

		// The key is reusable and the new session starts clean.
		fresh, err := svc.CreateSession(ctx, "app", "alice", nil, "doomed")
		require.NoError(t, err)
		assert.Empty(t, fresh.State)
		assert.Empty(t, fresh.Events)
	})

	t.Run("idempotent and no audit entry for a no-op", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		_, err := svc.CreateSession(ctx, "app", "alice", nil, "once")
		require.NoError(t, err)
		require.NoError(t, svc.DeleteSession(ctx, "app", "alice", "once"))
		require.NoError(t, svc.DeleteSession(ctx, "app", "alice", "once"))
		require.NoError(t, svc.DeleteSession(ctx, "app", "alice", "never-existed"))

		entries, err := svc.AuditTrail(ctx, 10)
		require.NoError(t, err)

		var deletes int
		for _, e := range entries {
			if e.Action == domain.AuditSessionDeleted {
				deletes++
			}
		}
		assert.Equal(t, 1, deletes)
	})
}

// ---------------------------------------------------------------------------
// AppendEvent
// ---------------------------------------------------------------------------

func TestAppendEvent(t *testing.T) {
	t.Parallel()

	t.Run("partial events are pass-through", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "streaming")
		require.NoError(t, err)

		partial := &domain.Event{
			Partial: true,
			Author:  "assistant",
			Actions: domain.EventActions{StateDelta: domain.Delta{"k": domain.StringValue("v")}},
		}
		out, err := svc.AppendEvent(ctx, sess, partial)
		require.NoError(t, err)
		assert.Same(t, partial, out)
		assert.Empty(t, out.ID)

		got, err := svc.GetSession(ctx, "app", "alice", "streaming", 0)
		require.NoError(t, err)
		assert.Empty(t, got.Events)
		assert.Empty(t, got.State)
	})

	t.Run("duplicate event id is a silent no-op", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "dedup")
		require.NoError(t, err)

		_, err = svc.AppendEvent(ctx, sess, &domain.Event{
			ID:      "evt-1",
			Author:  "assistant",
			Actions: domain.EventActions{StateDelta: domain.Delta{"k": domain.StringValue("v1")}},
		})
		require.NoError(t, err)

		// Same id, different payload: nothing changes, including state.
		_, err = svc.AppendEvent(ctx, sess, &domain.Event{
			ID:      "evt-1",
			Author:  "assistant",
			Actions: domain.EventActions{StateDelta: domain.Delta{"k": domain.StringValue("v2")}},
		})
		require.NoError(t, err)

		got, err := svc.GetSession(ctx, "app", "alice", "dedup", 0)
		require.NoError(t, err)
		require.Len(t, got.Events, 1)

		v, ok := got.State["k"].String()
		require.True(t, ok)
		assert.Equal(t, "v1", v)

		// Only one usage row for the single real insert.
		usage, err := svc.UsageSummary(ctx)
		require.NoError(t, err)
		require.Len(t, usage, 1)
		assert.EqualValues(t, 1, usage[0].Calls)
	})

	t.Run("user events produce no usage record", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "convo")
		require.NoError(t, err)

		_, err = svc.AppendEvent(ctx, sess, &domain.Event{ID: "u1", Author: domain.AuthorUser})
		require.NoError(t, err)
		_, err = svc.AppendEvent(ctx, sess, &domain.Event{ID: "a1", Author: "assistant"})
		require.NoError(t, err)

		usage, err := svc.UsageSummary(ctx)
		require.NoError(t, err)
		require.Len(t, usage, 1)
		assert.EqualValues(t, 1, usage[0].Calls)
		assert.Equal(t, "test-model", usage[0].ModelUsed)
	})

	t.Run("empty author is stored but produces no usage record", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "anon")
		require.NoError(t, err)
		_, err = svc.AppendEvent(ctx, sess, &domain.Event{ID: "e1"})
		require.NoError(t, err)

		usage, err := svc.UsageSummary(ctx)
		require.NoError(t, err)
		assert.Empty(t, usage)
	})

	t.Run("temp keys merge in memory but never persist", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "scratch")
		require.NoError(t, err)

		_, err = svc.AppendEvent(ctx, sess, &domain.Event{
			ID:     "e1",
			Author: "assistant",
			Actions: domain.EventActions{StateDelta: domain.Delta{
				"durable":   domain.StringValue("kept"),
				"temp:note": domain.StringValue("scratch"),
			}},
		})
		require.NoError(t, err)

		assert.Contains(t, sess.State, "temp:note")
		assert.Contains(t, sess.State, "durable")

		got, err := svc.GetSession(ctx, "app", "alice", "scratch", 0)
		require.NoError(t, err)
		assert.Contains(t, got.State, "durable")
		assert.NotContains(t, got.State, "temp:note")

		// The stored event still carries the full delta, temp keys included.
		require.Len(t, got.Events, 1)
		assert.Contains(t, got.Events[0].Actions.StateDelta, "temp:note")
	})

	t.Run("assigns id, timestamp, and sequence", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		sess, err := svc.CreateSession(ctx, "app", "alice", nil, "assigned")
		require.NoError(t, err)

		ev := &domain.Event{Author: "assistant", Content: json.RawMessage(`{"text":"hi"}`)}
		out, err := svc.AppendEvent(ctx, sess, ev)
		require.NoError(t, err)
		assert.NotEmpty(t, out.ID)
		assert.False(t, out.Timestamp.IsZero())
		assert.Positive(t, out.SequenceNum)
		assert.Len(t, sess.Events, 1)
	})

	t.Run("concurrent appends get distinct sequence numbers", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		_, err := svc.CreateSession(ctx, "app", "alice", nil, "racing")
		require.NoError(t, err)

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				local, getErr := svc.GetSession(ctx, "app", "alice", "racing", 0)
				if getErr != nil {
					errs[i] = getErr
					return
				}
				_, errs[i] = svc.AppendEvent(ctx, local, &domain.Event{
					ID:     fmt.Sprintf("race-%d", i),
					Author: "assistant",
				})
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			require.NoError(t, err, "goroutine %d", i)
		}

		got, err := svc.GetSession(ctx, "app", "alice", "racing", 0)
		require.NoError(t, err)
		require.Len(t, got.Events, n)

		seen := make(map[int64]bool, n)
		for _, ev := range got.Events {
			assert.False(t, seen[ev.SequenceNum], "sequence %d repeated", ev.SequenceNum)
			seen[ev.SequenceNum] = true
		}
	})
}

// ---------------------------------------------------------------------------
// Feedback and evaluation
// ---------------------------------------------------------------------------

func TestFeedbackAndScores(t *testing.T) {
	t.Parallel()

	t.Run("feedback upserts on user and event", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		require.NoError(t, svc.AddFeedback(ctx, "app", "alice", "s1", "e1", 2, "accuracy", "meh"))
		require.NoError(t, svc.AddFeedback(ctx, "app", "alice", "s1", "e1", 5, "accuracy", "actually great"))
	})

	t.Run("score upsert and summary thresholds", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		ctx := context.Background()

		scores := []struct {
			event string
			value float64
		}{
			{"e1", 0.9},
			{"e2", 0.7},
			{"e3", 0.2},
		}
		for _, sc := range scores {
			require.NoError(t, svc.RecordScore(ctx, &domain.Score{
				AppName:    "app",
				SessionID:  "s1",
				EventID:    sc.event,
				MetricName: "helpfulness",
				Score:      sc.value,
				Evaluator:  "judge-1",
			}))
		}

		// Re-evaluating e3 overwrites rather than duplicating.
		require.NoError(t, svc.RecordScore(ctx, &domain.Score{
			AppName:    "app",
			SessionID:  "s1",
			EventID:    "e3",
			MetricName: "helpfulness",
			Score:      0.3,
			Evaluator:  "judge-1",
		}))

		metrics, err := svc.EvalSummary(ctx)
		require.NoError(t, err)
		require.Len(t, metrics, 1)
		m := metrics[0]
		assert.Equal(t, "helpfulness", m.MetricName)
		assert.EqualValues(t, 3, m.TotalEvals)
		assert.EqualValues(t, 2, m.PassCount)
		assert.EqualValues(t, 1, m.FailCount)
		assert.InDelta(t, (0.9+0.7+0.3)/3, m.AvgScore, 1e-9)
	})
}
