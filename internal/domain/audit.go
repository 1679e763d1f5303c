package domain

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded for session lifecycle transitions.
const (
	AuditSessionCreated = "session_created"
	AuditSessionDeleted = "session_deleted"
)

// AuditEntry records one lifecycle action. Entries are append-only; they
// are never mutated or deleted except via tenant cascade delete.
type AuditEntry struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
