package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/store"
)

type AddFeedbackInput struct {
	AppName   string `path:"app_name" doc:"Application name"`
	UserID    string `path:"user_id" doc:"User ID"`
	SessionID string `path:"session_id" doc:"Session ID"`
	EventID   string `path:"event_id" doc:"Event ID"`
	Body      struct {
		Rating  int    `json:"rating" minimum:"1" maximum:"5" doc:"Rating from 1 to 5"`
		Type    string `json:"feedback_type,omitempty" doc:"Feedback category"`
		Comment string `json:"comment,omitempty" maxLength:"4096" doc:"Free-form comment"`
	}
}

type RecordScoreInput struct {
	Body struct {
		AppName    string  `json:"app_name" minLength:"1" doc:"Application name"`
		SessionID  string  `json:"session_id" minLength:"1" doc:"Session ID"`
		EventID    string  `json:"event_id" minLength:"1" doc:"Event ID"`
		MetricName string  `json:"metric_name" minLength:"1" doc:"Metric name"`
		Score      float64 `json:"score" minimum:"0" maximum:"1" doc:"Score between 0 and 1"`
		Label      string  `json:"label,omitempty" doc:"Categorical label"`
		Reasoning  string  `json:"reasoning,omitempty" doc:"Evaluator reasoning"`
		Evaluator  string  `json:"evaluator" minLength:"1" doc:"Evaluator identity"`
		EvalModel  string  `json:"eval_model,omitempty" doc:"Model used for evaluation"`
		EvalType   string  `json:"eval_type,omitempty" doc:"Evaluation type"`
	}
}

func RegisterFeedbackRoutes(api huma.API, svc *store.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-feedback",
		Method:        http.MethodPost,
		Path:          "/apps/{app_name}/users/{user_id}/sessions/{session_id}/events/{event_id}/feedback",
		Summary:       "Rate an event",
		Tags:          []string{"Feedback"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *AddFeedbackInput) (*struct{}, error) {
		err := svc.AddFeedback(ctx, input.AppName, input.UserID, input.SessionID, input.EventID,
			input.Body.Rating, input.Body.Type, input.Body.Comment)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to record feedback", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-score",
		Method:        http.MethodPost,
		Path:          "/scores",
		Summary:       "Record an evaluation score for an event",
		Tags:          []string{"Feedback"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *RecordScoreInput) (*struct{}, error) {
		err := svc.RecordScore(ctx, &domain.Score{
			AppName:    input.Body.AppName,
			SessionID:  input.Body.SessionID,
			EventID:    input.Body.EventID,
			MetricName: input.Body.MetricName,
			Score:      input.Body.Score,
			Label:      input.Body.Label,
			Reasoning:  input.Body.Reasoning,
			Evaluator:  input.Body.Evaluator,
			EvalModel:  input.Body.EvalModel,
			EvalType:   input.Body.EvalType,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to record score", err)
		}
		return nil, nil
	})
}
