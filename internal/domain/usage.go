package domain

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one latency/consumption sample tied to a single finalized
// non-user event. Records are created at most once per event and never
// updated.
type UsageRecord struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	EventID   string    `json:"event_id"`
	AppName   string    `json:"app_name"`
	ModelUsed string    `json:"model_used"`
	LatencyMS int64     `json:"latency_ms"`
	UsageDate time.Time `json:"usage_date"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelUsage is a dashboard aggregate over usage_tracking.
type ModelUsage struct {
	ModelUsed    string  `json:"model_used"`
	Calls        int64   `json:"calls"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}
