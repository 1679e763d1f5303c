// Package store implements the multi-tenant session and event store: an
// append-only record of conversation turns with merged key-value state,
// usage accounting, and audit logging.
//
// The Service facade is implemented once against the Engine abstraction;
// the postgres and sqlite subpackages supply only the engine, so both
// backends share identical semantics by construction.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chronicleworks/chronicle/internal/domain"
)

// SessionKey is the composite identity of a session.
type SessionKey struct {
	AppName   string
	UserID    string
	SessionID string
}

// TenantRow mirrors one row of the tenants table.
type TenantRow struct {
	ID        uuid.UUID
	Name      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionRow mirrors one row of the sessions table.
type SessionRow struct {
	Key       SessionKey
	TenantID  uuid.UUID
	AgentName string
	ModelUsed string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventRow mirrors one row of the session_events table. Data is the full
// JSON encoding of the event; SequenceNum is assigned by the engine at
// insert and populated on reads.
type EventRow struct {
	Key          SessionKey
	EventID      string
	InvocationID string
	Author       string
	EventType    string
	Data         []byte
	ModelUsed    string
	SequenceNum  int64
	CreatedAt    time.Time
}

// StateRow mirrors one row of the session_state table.
type StateRow struct {
	Key       SessionKey
	StateKey  string
	Value     []byte
	UpdatedBy string
	UpdatedAt time.Time
}

// UsageRow mirrors one row of the usage_tracking table.
type UsageRow struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	UserID    string
	SessionID string
	EventID   string
	AppName   string
	ModelUsed string
	LatencyMS int64
	UsageDate time.Time
	CreatedAt time.Time
}

// AuditRow mirrors one row of the audit_log table. Details is JSON.
type AuditRow struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Details      []byte
	CreatedAt    time.Time
}

// FeedbackRow mirrors one row of the event_feedback table.
type FeedbackRow struct {
	ID        uuid.UUID
	Key       SessionKey
	EventID   string
	TenantID  uuid.UUID
	Rating    int
	Type      string
	Comment   string
	CreatedAt time.Time
}

// ScoreRow mirrors one row of the evaluation_scores table.
type ScoreRow struct {
	ID         uuid.UUID
	AppName    string
	SessionID  string
	EventID    string
	TenantID   uuid.UUID
	MetricName string
	Score      float64
	Label      string
	Reasoning  string
	Evaluator  string
	EvalModel  string
	EvalType   string
	CreatedAt  time.Time
}

// Tx is the set of statements available inside one unit of work. Engines
// map driver failures onto the domain sentinel errors (ErrNotFound,
// ErrDuplicateSession, ErrBackendUnavailable, ErrConstraint).
type Tx interface {
	// InsertTenantIfAbsent seeds the tenant row; a no-op when it exists.
	InsertTenantIfAbsent(ctx context.Context, row TenantRow) error

	// InsertSession fails with ErrDuplicateSession when the composite key
	// already exists.
	InsertSession(ctx context.Context, row SessionRow) error

	// GetSession returns ErrNotFound for an absent session or a tenant
	// mismatch, indistinguishably.
	GetSession(ctx context.Context, tenantID uuid.UUID, key SessionKey) (SessionRow, error)

	// ListSessions returns the tenant's sessions for (appName, userID),
	// most recently updated first.
	ListSessions(ctx context.Context, tenantID uuid.UUID, appName, userID string) ([]SessionRow, error)

	// DeleteSession removes the session and, via schema cascades, its
	// events and state. Returns false when nothing was deleted.
	DeleteSession(ctx context.Context, tenantID uuid.UUID, key SessionKey) (bool, error)

	// TouchSession advances the session's updated_at.
	TouchSession(ctx context.Context, tenantID uuid.UUID, key SessionKey, at time.Time) error

	// InsertEventIfAbsent appends the event and returns its assigned
	// sequence number. A previously seen (key, event_id) inserts nothing
	// and returns inserted=false with no error.
	InsertEventIfAbsent(ctx context.Context, row EventRow) (seq int64, inserted bool, err error)

	// ListEvents returns the session's events ordered by sequence_num
	// ascending. recentLimit > 0 restricts the result to the newest
	// recentLimit events, still in ascending order.
	ListEvents(ctx context.Context, key SessionKey, recentLimit int) ([]EventRow, error)

	// UpsertState writes one state entry, last-write-wins.
	UpsertState(ctx context.Context, row StateRow) error

	// ListState returns the session's full current state mapping.
	ListState(ctx context.Context, key SessionKey) ([]StateRow, error)

	InsertUsage(ctx context.Context, row UsageRow) error
	InsertAudit(ctx context.Context, row AuditRow) error

	// ListAudit returns the tenant's newest audit entries, most recent
	// first, at most limit rows.
	ListAudit(ctx context.Context, tenantID uuid.UUID, limit int) ([]AuditRow, error)

	// UpsertFeedback is keyed on (user_id, event_id); conflicts overwrite
	// rating, feedback_type, and comment.
	UpsertFeedback(ctx context.Context, row FeedbackRow) error

	// UpsertScore is keyed on (event_id, metric_name, evaluator).
	UpsertScore(ctx context.Context, row ScoreRow) error

	// ModelUsage aggregates usage_tracking per model for one tenant.
	ModelUsage(ctx context.Context, tenantID uuid.UUID) ([]domain.ModelUsage, error)

	// MetricSummaries aggregates evaluation_scores per metric for one
	// tenant, using the 0.7 pass threshold.
	MetricSummaries(ctx context.Context, tenantID uuid.UUID) ([]domain.MetricSummary, error)
}

// Engine is the storage abstraction implemented by the pooled postgres
// backend and the embedded sqlite backend.
type Engine interface {
	// WithTx runs fn inside a single writable transaction. Writes commit
	// iff fn returns nil; any error rolls back everything, so no partial
	// mutation is ever visible.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn with read-only access.
	View(ctx context.Context, fn func(tx Tx) error) error

	Close(ctx context.Context) error
}
