package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/observability"
)

// Config binds a Service to one tenant and one agent identity. Every
// operation of the resulting Service is implicitly scoped to TenantID.
type Config struct {
	TenantID   uuid.UUID
	TenantName string
	AgentName  string
	ModelUsed  string
}

// Service is the session service facade. It owns no storage itself; all
// persistence goes through the Engine handed to New, inside one
// transaction per operation.
//
// Service is safe for concurrent use. Operations against different
// sessions run fully in parallel; operations against the same session
// serialize only through the engine's transaction isolation.
type Service struct {
	engine    Engine
	tenantID  uuid.UUID
	agentName string
	modelUsed string
	tracer    trace.Tracer
}

// New creates a Service and seeds the tenant row if it does not exist yet.
// The caller keeps ownership of the engine and must close it on shutdown.
func New(ctx context.Context, engine Engine, cfg Config) (*Service, error) {
	if cfg.TenantID == uuid.Nil {
		return nil, fmt.Errorf("store.New: tenant id is required")
	}

	now := time.Now().UTC()
	err := engine.WithTx(ctx, func(tx Tx) error {
		return tx.InsertTenantIfAbsent(ctx, TenantRow{
			ID:        cfg.TenantID,
			Name:      cfg.TenantName,
			Status:    domain.TenantStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store.New: seed tenant: %w", err)
	}

	return &Service{
		engine:    engine,
		tenantID:  cfg.TenantID,
		agentName: cfg.AgentName,
		modelUsed: cfg.ModelUsed,
		tracer:    otel.Tracer("chronicle/store"),
	}, nil
}

// TenantID returns the tenant this service instance is bound to.
func (s *Service) TenantID() uuid.UUID { return s.tenantID }

// CreateSession creates a new session. A session id is generated when
// sessionID is empty. The session row, the persistable part of the initial
// state, and a session_created audit entry are written in one transaction.
// Fails with ErrDuplicateSession when the composite key already exists.
func (s *Service) CreateSession(ctx context.Context, appName, userID string, initialState domain.Delta, sessionID string) (session *domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "store.create_session")
	defer span.End()
	defer observability.ObserveStoreOp("create_session", time.Now(), &err)

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	key := SessionKey{AppName: appName, UserID: userID, SessionID: sessionID}
	now := time.Now().UTC()

	err = s.engine.WithTx(ctx, func(tx Tx) error {
		txErr := tx.InsertSession(ctx, SessionRow{
			Key:       key,
			TenantID:  s.tenantID,
			AgentName: s.agentName,
			ModelUsed: s.modelUsed,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if txErr != nil {
			return txErr
		}

		for stateKey, value := range initialState.Persistable() {
			txErr = tx.UpsertState(ctx, StateRow{
				Key:       key,
				StateKey:  stateKey,
				Value:     value.Raw(),
				UpdatedBy: userID,
				UpdatedAt: now,
			})
			if txErr != nil {
				return txErr
			}
		}

		return tx.InsertAudit(ctx, s.auditRow(userID, domain.AuditSessionCreated, sessionID, now))
	})
	if err != nil {
		return nil, fmt.Errorf("store.CreateSession: %w", err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("app_name", appName).
		Stringer("tenant_id", s.tenantID).
		Msg("session created")

	return &domain.Session{
		ID:        sessionID,
		AppName:   appName,
		UserID:    userID,
		TenantID:  s.tenantID,
		AgentName: s.agentName,
		ModelUsed: s.modelUsed,
		State:     domain.Snapshot{}.Merge(initialState),
		Events:    []*domain.Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetSession returns the session row joined with its full state snapshot
// and its events ordered by sequence number ascending. recentEventLimit > 0
// restricts the event list to the newest recentEventLimit events. A session
// belonging to another tenant is reported as ErrNotFound, identically to an
// absent one. Events whose payload fails to decode are skipped with a
// warning; the rest of the list is still returned.
func (s *Service) GetSession(ctx context.Context, appName, userID, sessionID string, recentEventLimit int) (session *domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "store.get_session")
	defer span.End()
	defer observability.ObserveStoreOp("get_session", time.Now(), &err)

	key := SessionKey{AppName: appName, UserID: userID, SessionID: sessionID}

	err = s.engine.View(ctx, func(tx Tx) error {
		row, txErr := tx.GetSession(ctx, s.tenantID, key)
		if txErr != nil {
			return txErr
		}

		stateRows, txErr := tx.ListState(ctx, key)
		if txErr != nil {
			return txErr
		}

		eventRows, txErr := tx.ListEvents(ctx, key, recentEventLimit)
		if txErr != nil {
			return txErr
		}

		state := make(domain.Snapshot, len(stateRows))
		for _, sr := range stateRows {
			state[sr.StateKey] = domain.RawValue(sr.Value)
		}

		events := make([]*domain.Event, 0, len(eventRows))
		for _, er := range eventRows {
			var ev domain.Event
			if unmarshalErr := json.Unmarshal(er.Data, &ev); unmarshalErr != nil {
				log.Warn().
					Err(unmarshalErr).
					Str("event_id", er.EventID).
					Str("session_id", sessionID).
					Msg("skipping undecodable event")
				continue
			}
			ev.SequenceNum = er.SequenceNum
			events = append(events, &ev)
		}

		session = &domain.Session{
			ID:        row.Key.SessionID,
			AppName:   row.Key.AppName,
			UserID:    row.Key.UserID,
			TenantID:  row.TenantID,
			AgentName: row.AgentName,
			ModelUsed: row.ModelUsed,
			State:     state,
			Events:    events,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.GetSession: %w", err)
	}

	return session, nil
}

// ListSessions returns summaries of the tenant's sessions for (appName,
// userID), most recently updated first. State and events are omitted. The
// result is a one-shot snapshot.
func (s *Service) ListSessions(ctx context.Context, appName, userID string) (summaries []*domain.SessionSummary, err error) {
	ctx, span := s.tracer.Start(ctx, "store.list_sessions")
	defer span.End()
	defer observability.ObserveStoreOp("list_sessions", time.Now(), &err)

	err = s.engine.View(ctx, func(tx Tx) error {
		rows, txErr := tx.ListSessions(ctx, s.tenantID, appName, userID)
		if txErr != nil {
			return txErr
		}

		summaries = make([]*domain.SessionSummary, 0, len(rows))
		for _, row := range rows {
			summaries = append(summaries, &domain.SessionSummary{
				ID:        row.Key.SessionID,
				AppName:   row.Key.AppName,
				UserID:    row.Key.UserID,
				AgentName: row.AgentName,
				ModelUsed: row.ModelUsed,
				CreatedAt: row.CreatedAt,
				UpdatedAt: row.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.ListSessions: %w", err)
	}

	return summaries, nil
}

// DeleteSession removes the session and cascades to its events and state.
// Idempotent: deleting a nonexistent session is a successful no-op and
// writes no audit entry. A session_deleted audit entry is written in the
// same transaction when a row was actually removed.
func (s *Service) DeleteSession(ctx context.Context, appName, userID, sessionID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "store.delete_session")
	defer span.End()
	defer observability.ObserveStoreOp("delete_session", time.Now(), &err)

	key := SessionKey{AppName: appName, UserID: userID, SessionID: sessionID}
	now := time.Now().UTC()

	err = s.engine.WithTx(ctx, func(tx Tx) error {
		deleted, txErr := tx.DeleteSession(ctx, s.tenantID, key)
		if txErr != nil {
			return txErr
		}
		if !deleted {
			return nil
		}
		return tx.InsertAudit(ctx, s.auditRow(userID, domain.AuditSessionDeleted, sessionID, now))
	})
	if err != nil {
		return fmt.Errorf("store.DeleteSession: %w", err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Stringer("tenant_id", s.tenantID).
		Msg("session deleted")
	return nil
}

// AppendEvent appends one finalized event to the session's log. Partial
// events are a pure pass-through: nothing is stored and the event is
// returned unchanged. For a finalized event, in one transaction: the event
// row is inserted (a previously seen event_id is a silent no-op), the
// session's updated_at advances, the persistable part of the state delta is
// merged, and a usage record is written when the author is not the user.
// On success the in-memory session is updated too, including temp keys.
func (s *Service) AppendEvent(ctx context.Context, session *domain.Session, event *domain.Event) (out *domain.Event, err error) {
	ctx, span := s.tracer.Start(ctx, "store.append_event")
	defer span.End()
	defer observability.ObserveStoreOp("append_event", time.Now(), &err)

	if event.Partial {
		return event, nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("store.AppendEvent: marshal event: %w", err)
	}

	key := SessionKey{AppName: session.AppName, UserID: session.UserID, SessionID: session.ID}
	author := event.Author
	if author == "" {
		author = "unknown"
	}

	start := time.Now()
	var seq int64
	var inserted bool

	err = s.engine.WithTx(ctx, func(tx Tx) error {
		var txErr error
		seq, inserted, txErr = tx.InsertEventIfAbsent(ctx, EventRow{
			Key:          key,
			EventID:      event.ID,
			InvocationID: event.InvocationID,
			Author:       author,
			EventType:    event.Type(),
			Data:         data,
			ModelUsed:    s.modelUsed,
			CreatedAt:    now,
		})
		if txErr != nil {
			return txErr
		}
		if !inserted {
			log.Debug().
				Str("event_id", event.ID).
				Str("session_id", session.ID).
				Msg("duplicate event ignored")
			return nil
		}

		if txErr = tx.TouchSession(ctx, s.tenantID, key, now); txErr != nil {
			return txErr
		}

		for stateKey, value := range event.Actions.StateDelta.Persistable() {
			txErr = tx.UpsertState(ctx, StateRow{
				Key:       key,
				StateKey:  stateKey,
				Value:     value.Raw(),
				UpdatedBy: session.UserID,
				UpdatedAt: now,
			})
			if txErr != nil {
				return txErr
			}
		}

		if event.Author != "" && event.Author != domain.AuthorUser {
			return tx.InsertUsage(ctx, UsageRow{
				ID:        uuid.New(),
				TenantID:  s.tenantID,
				UserID:    session.UserID,
				SessionID: session.ID,
				EventID:   event.ID,
				AppName:   session.AppName,
				ModelUsed: s.modelUsed,
				LatencyMS: time.Since(start).Milliseconds(),
				UsageDate: now,
				CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.AppendEvent: %w", err)
	}

	if inserted {
		event.SequenceNum = seq
		session.State = session.State.Merge(event.Actions.StateDelta)
		session.Events = append(session.Events, event)
		session.UpdatedAt = now
	}
	return event, nil
}

// AddFeedback records one rating for one event, upserting on
// (user_id, event_id).
func (s *Service) AddFeedback(ctx context.Context, appName, userID, sessionID, eventID string, rating int, feedbackType, comment string) (err error) {
	ctx, span := s.tracer.Start(ctx, "store.add_feedback")
	defer span.End()
	defer observability.ObserveStoreOp("add_feedback", time.Now(), &err)

	if feedbackType == "" {
		feedbackType = "general"
	}

	err = s.engine.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertFeedback(ctx, FeedbackRow{
			ID:        uuid.New(),
			Key:       SessionKey{AppName: appName, UserID: userID, SessionID: sessionID},
			EventID:   eventID,
			TenantID:  s.tenantID,
			Rating:    rating,
			Type:      feedbackType,
			Comment:   comment,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("store.AddFeedback: %w", err)
	}
	return nil
}

// RecordScore stores one evaluation result, upserting on
// (event_id, metric_name, evaluator) so re-evaluation is idempotent.
func (s *Service) RecordScore(ctx context.Context, score *domain.Score) (err error) {
	ctx, span := s.tracer.Start(ctx, "store.record_score")
	defer span.End()
	defer observability.ObserveStoreOp("record_score", time.Now(), &err)

	evalType := score.EvalType
	if evalType == "" {
		evalType = "automated"
	}

	err = s.engine.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertScore(ctx, ScoreRow{
			ID:         uuid.New(),
			AppName:    score.AppName,
			SessionID:  score.SessionID,
			EventID:    score.EventID,
			TenantID:   s.tenantID,
			MetricName: score.MetricName,
			Score:      score.Score,
			Label:      score.Label,
			Reasoning:  score.Reasoning,
			Evaluator:  score.Evaluator,
			EvalModel:  score.EvalModel,
			EvalType:   evalType,
			CreatedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("store.RecordScore: %w", err)
	}
	return nil
}

// AuditTrail returns the tenant's newest audit entries, most recent
// first, at most limit entries (default 100).
func (s *Service) AuditTrail(ctx context.Context, limit int) (entries []*domain.AuditEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "store.audit_trail")
	defer span.End()
	defer observability.ObserveStoreOp("audit_trail", time.Now(), &err)

	if limit <= 0 {
		limit = 100
	}

	err = s.engine.View(ctx, func(tx Tx) error {
		rows, txErr := tx.ListAudit(ctx, s.tenantID, limit)
		if txErr != nil {
			return txErr
		}

		entries = make([]*domain.AuditEntry, 0, len(rows))
		for _, row := range rows {
			entry := &domain.AuditEntry{
				ID:           row.ID,
				TenantID:     row.TenantID,
				UserID:       row.UserID,
				Action:       row.Action,
				ResourceType: row.ResourceType,
				ResourceID:   row.ResourceID,
				CreatedAt:    row.CreatedAt,
			}
			if len(row.Details) > 0 {
				if unmarshalErr := json.Unmarshal(row.Details, &entry.Details); unmarshalErr != nil {
					return fmt.Errorf("unmarshal audit details: %w", unmarshalErr)
				}
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.AuditTrail: %w", err)
	}
	return entries, nil
}

// UsageSummary returns the tenant's per-model usage aggregates for the
// dashboard. Read-only.
func (s *Service) UsageSummary(ctx context.Context) (usage []domain.ModelUsage, err error) {
	ctx, span := s.tracer.Start(ctx, "store.usage_summary")
	defer span.End()
	defer observability.ObserveStoreOp("usage_summary", time.Now(), &err)

	err = s.engine.View(ctx, func(tx Tx) error {
		var txErr error
		usage, txErr = tx.ModelUsage(ctx, s.tenantID)
		return txErr
	})
	if err != nil {
		return nil, fmt.Errorf("store.UsageSummary: %w", err)
	}
	return usage, nil
}

// EvalSummary returns the tenant's per-metric evaluation aggregates for
// the dashboard. Read-only.
func (s *Service) EvalSummary(ctx context.Context) (metrics []domain.MetricSummary, err error) {
	ctx, span := s.tracer.Start(ctx, "store.eval_summary")
	defer span.End()
	defer observability.ObserveStoreOp("eval_summary", time.Now(), &err)

	err = s.engine.View(ctx, func(tx Tx) error {
		var txErr error
		metrics, txErr = tx.MetricSummaries(ctx, s.tenantID)
		return txErr
	})
	if err != nil {
		return nil, fmt.Errorf("store.EvalSummary: %w", err)
	}
	return metrics, nil
}

func (s *Service) auditRow(userID, action, sessionID string, at time.Time) AuditRow {
	details, _ := json.Marshal(map[string]any{"agent_name": s.agentName})
	return AuditRow{
		ID:           uuid.New(),
		TenantID:     s.tenantID,
		UserID:       userID,
		Action:       action,
		ResourceType: "session",
		ResourceID:   sessionID,
		Details:      details,
		CreatedAt:    at,
	}
}
