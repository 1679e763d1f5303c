package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/store"
)

type UsageSummaryOutput struct {
	Body struct {
		Models []domain.ModelUsage `json:"models"`
	}
}

type EvalSummaryOutput struct {
	Body struct {
		Metrics []domain.MetricSummary `json:"metrics"`
	}
}

type AuditTrailInput struct {
	Limit int `query:"limit" minimum:"0" maximum:"1000" doc:"Maximum entries to return"`
}

type AuditTrailOutput struct {
	Body struct {
		Entries []*domain.AuditEntry `json:"entries"`
	}
}

func RegisterAnalyticsRoutes(api huma.API, svc *store.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "usage-summary",
		Method:      http.MethodGet,
		Path:        "/analytics/usage",
		Summary:     "Per-model usage aggregates",
		Tags:        []string{"Analytics"},
	}, func(ctx context.Context, _ *struct{}) (*UsageSummaryOutput, error) {
		models, err := svc.UsageSummary(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to aggregate usage", err)
		}
		out := &UsageSummaryOutput{}
		out.Body.Models = models
		if out.Body.Models == nil {
			out.Body.Models = []domain.ModelUsage{}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "eval-summary",
		Method:      http.MethodGet,
		Path:        "/analytics/evaluations",
		Summary:     "Per-metric evaluation aggregates",
		Tags:        []string{"Analytics"},
	}, func(ctx context.Context, _ *struct{}) (*EvalSummaryOutput, error) {
		metrics, err := svc.EvalSummary(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to aggregate evaluations", err)
		}
		out := &EvalSummaryOutput{}
		out.Body.Metrics = metrics
		if out.Body.Metrics == nil {
			out.Body.Metrics = []domain.MetricSummary{}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Recent audit log entries",
		Tags:        []string{"Analytics"},
	}, func(ctx context.Context, input *AuditTrailInput) (*AuditTrailOutput, error) {
		entries, err := svc.AuditTrail(ctx, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read audit log", err)
		}
		out := &AuditTrailOutput{}
		out.Body.Entries = entries
		if out.Body.Entries == nil {
			out.Body.Entries = []*domain.AuditEntry{}
		}
		return out, nil
	})
}
