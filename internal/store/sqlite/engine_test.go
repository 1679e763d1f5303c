package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/store"
	"github.com/chronicleworks/chronicle/internal/store/sqlite"
)

func newTestEngine(t *testing.T) *sqlite.Engine {
	t.Helper()

	engine, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Close(context.Background()))
	})
	return engine
}

func seedSession(t *testing.T, engine *sqlite.Engine, tenantID uuid.UUID, key store.SessionKey) {
	t.Helper()

	now := time.Now().UTC()
	err := engine.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertTenantIfAbsent(context.Background(), store.TenantRow{
			ID:        tenantID,
			Name:      "t",
			Status:    domain.TenantStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.InsertSession(context.Background(), store.SessionRow{
			Key:       key,
			TenantID:  tenantID,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	require.NoError(t, err)
}

func TestTransactionRollback(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	key := store.SessionKey{AppName: "app", UserID: "u", SessionID: "s"}
	seedSession(t, engine, tenantID, key)

	// A failing tx must leave no trace of its writes.
	boom := assert.AnError
	err := engine.WithTx(ctx, func(tx store.Tx) error {
		_, _, insErr := tx.InsertEventIfAbsent(ctx, store.EventRow{
			Key:       key,
			EventID:   "evt-rollback",
			Author:    "assistant",
			EventType: domain.EventTypeMessage,
			Data:      []byte(`{}`),
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, insErr)
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = engine.View(ctx, func(tx store.Tx) error {
		events, listErr := tx.ListEvents(ctx, key, 0)
		require.NoError(t, listErr)
		assert.Empty(t, events)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertEventIfAbsent(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	key := store.SessionKey{AppName: "app", UserID: "u", SessionID: "s"}
	seedSession(t, engine, tenantID, key)

	row := store.EventRow{
		Key:       key,
		EventID:   "evt-1",
		Author:    "assistant",
		EventType: domain.EventTypeMessage,
		Data:      []byte(`{"id":"evt-1"}`),
		CreatedAt: time.Now().UTC(),
	}

	var firstSeq int64
	err := engine.WithTx(ctx, func(tx store.Tx) error {
		seq, inserted, insErr := tx.InsertEventIfAbsent(ctx, row)
		require.NoError(t, insErr)
		require.True(t, inserted)
		require.Positive(t, seq)
		firstSeq = seq
		return nil
	})
	require.NoError(t, err)

	err = engine.WithTx(ctx, func(tx store.Tx) error {
		seq, inserted, insErr := tx.InsertEventIfAbsent(ctx, row)
		require.NoError(t, insErr)
		assert.False(t, inserted)
		assert.Zero(t, seq)
		return nil
	})
	require.NoError(t, err)

	err = engine.View(ctx, func(tx store.Tx) error {
		events, listErr := tx.ListEvents(ctx, key, 0)
		require.NoError(t, listErr)
		require.Len(t, events, 1)
		assert.Equal(t, firstSeq, events[0].SequenceNum)
		return nil
	})
	require.NoError(t, err)
}

func TestGetSessionTenantIsolation(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	key := store.SessionKey{AppName: "app", UserID: "u", SessionID: "s"}
	seedSession(t, engine, tenantID, key)

	err := engine.View(ctx, func(tx store.Tx) error {
		_, getErr := tx.GetSession(ctx, uuid.New(), key)
		require.ErrorIs(t, getErr, domain.ErrNotFound)

		_, getErr = tx.GetSession(ctx, tenantID, key)
		require.NoError(t, getErr)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteSessionCascades(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	key := store.SessionKey{AppName: "app", UserID: "u", SessionID: "s"}
	seedSession(t, engine, tenantID, key)

	now := time.Now().UTC()
	err := engine.WithTx(ctx, func(tx store.Tx) error {
		_, _, insErr := tx.InsertEventIfAbsent(ctx, store.EventRow{
			Key: key, EventID: "e1", Author: "a",
			EventType: domain.EventTypeMessage, Data: []byte(`{}`), CreatedAt: now,
		})
		if insErr != nil {
			return insErr
		}
		return tx.UpsertState(ctx, store.StateRow{
			Key: key, StateKey: "k", Value: []byte(`"v"`), UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	err = engine.WithTx(ctx, func(tx store.Tx) error {
		deleted, delErr := tx.DeleteSession(ctx, tenantID, key)
		require.NoError(t, delErr)
		require.True(t, deleted)

		deleted, delErr = tx.DeleteSession(ctx, tenantID, key)
		require.NoError(t, delErr)
		assert.False(t, deleted)
		return nil
	})
	require.NoError(t, err)

	err = engine.View(ctx, func(tx store.Tx) error {
		events, listErr := tx.ListEvents(ctx, key, 0)
		require.NoError(t, listErr)
		assert.Empty(t, events)

		state, stateErr := tx.ListState(ctx, key)
		require.NoError(t, stateErr)
		assert.Empty(t, state)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertSessionDuplicate(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	key := store.SessionKey{AppName: "app", UserID: "u", SessionID: "s"}
	seedSession(t, engine, tenantID, key)

	err := engine.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertSession(ctx, store.SessionRow{
			Key:       key,
			TenantID:  tenantID,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		})
	})
	require.ErrorIs(t, err, domain.ErrDuplicateSession)
}

func TestUpsertStateLastWriteWins(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	key := store.SessionKey{AppName: "app", UserID: "u", SessionID: "s"}
	seedSession(t, engine, tenantID, key)

	now := time.Now().UTC()
	err := engine.WithTx(ctx, func(tx store.Tx) error {
		if upErr := tx.UpsertState(ctx, store.StateRow{
			Key: key, StateKey: "k", Value: []byte(`"one"`), UpdatedBy: "u", UpdatedAt: now,
		}); upErr != nil {
			return upErr
		}
		return tx.UpsertState(ctx, store.StateRow{
			Key: key, StateKey: "k", Value: []byte(`"two"`), UpdatedBy: "u", UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	err = engine.View(ctx, func(tx store.Tx) error {
		rows, listErr := tx.ListState(ctx, key)
		require.NoError(t, listErr)
		require.Len(t, rows, 1)
		assert.Equal(t, `"two"`, string(rows[0].Value))
		return nil
	})
	require.NoError(t, err)
}
