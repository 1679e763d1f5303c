package domain

import (
	"time"

	"github.com/google/uuid"
)

// Score is one evaluation result for one event, written by an external
// evaluation engine. Upserts are keyed on (event_id, metric_name,
// evaluator) so re-running an evaluation is idempotent.
type Score struct {
	ID         uuid.UUID `json:"id"`
	AppName    string    `json:"app_name"`
	SessionID  string    `json:"session_id"`
	EventID    string    `json:"event_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	MetricName string    `json:"metric_name"`
	Score      float64   `json:"score"`
	Label      string    `json:"label,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Evaluator  string    `json:"evaluator"`
	EvalModel  string    `json:"eval_model,omitempty"`
	EvalType   string    `json:"eval_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// MetricSummary is a dashboard aggregate over evaluation_scores. Pass/fail
// counts use the 0.7 score threshold.
type MetricSummary struct {
	MetricName string  `json:"metric_name"`
	AvgScore   float64 `json:"avg_score"`
	TotalEvals int64   `json:"total_evals"`
	PassCount  int64   `json:"pass_count"`
	FailCount  int64   `json:"fail_count"`
}
