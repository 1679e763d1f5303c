package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session is one continuous conversation between a user and an agent,
// identified by (app_name, user_id, session_id). It exclusively owns its
// events and state entries; both are cascade-deleted with it.
type Session struct {
	ID        string    `json:"id"`
	AppName   string    `json:"app_name"`
	UserID    string    `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	AgentName string    `json:"agent_name,omitempty"`
	ModelUsed string    `json:"model_used,omitempty"`
	State     Snapshot  `json:"state"`
	Events    []*Event  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is a session row without its state and events, as returned
// by list operations.
type SessionSummary struct {
	ID        string    `json:"id"`
	AppName   string    `json:"app_name"`
	UserID    string    `json:"user_id"`
	AgentName string    `json:"agent_name,omitempty"`
	ModelUsed string    `json:"model_used,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
