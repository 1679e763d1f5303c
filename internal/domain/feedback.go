package domain

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackEntry is one user rating for one event. At most one entry exists
// per (user_id, event_id); repeated submissions overwrite rating and comment.
type FeedbackEntry struct {
	ID        uuid.UUID `json:"id"`
	AppName   string    `json:"app_name"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	EventID   string    `json:"event_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Rating    int       `json:"rating"`
	Type      string    `json:"feedback_type"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
