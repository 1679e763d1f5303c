// Package v1 registers the public HTTP API.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/store"
)

type CreateSessionInput struct {
	AppName string `path:"app_name" doc:"Application name"`
	UserID  string `path:"user_id" doc:"User ID"`
	Body    struct {
		SessionID string          `json:"session_id,omitempty" doc:"Session ID; generated when omitted"`
		State     json.RawMessage `json:"state,omitempty" doc:"Initial session state as a JSON object"`
	}
}

type CreateSessionOutput struct {
	Body *domain.Session
}

type GetSessionInput struct {
	AppName      string `path:"app_name" doc:"Application name"`
	UserID       string `path:"user_id" doc:"User ID"`
	SessionID    string `path:"session_id" doc:"Session ID"`
	RecentEvents int    `query:"recent_events" minimum:"0" doc:"Return only the newest N events"`
}

type GetSessionOutput struct {
	Body *domain.Session
}

type ListSessionsInput struct {
	AppName string `path:"app_name" doc:"Application name"`
	UserID  string `path:"user_id" doc:"User ID"`
}

type ListSessionsOutput struct {
	Body []*domain.SessionSummary
}

type DeleteSessionInput struct {
	AppName   string `path:"app_name" doc:"Application name"`
	UserID    string `path:"user_id" doc:"User ID"`
	SessionID string `path:"session_id" doc:"Session ID"`
}

type AppendEventInput struct {
	AppName   string `path:"app_name" doc:"Application name"`
	UserID    string `path:"user_id" doc:"User ID"`
	SessionID string `path:"session_id" doc:"Session ID"`
	RawBody   []byte
}

type AppendEventOutput struct {
	Body *domain.Event
}

func RegisterSessionRoutes(api huma.API, svc *store.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/apps/{app_name}/users/{user_id}/sessions",
		Summary:       "Create a new session",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateSessionInput) (*CreateSessionOutput, error) {
		var initialState domain.Delta
		if len(input.Body.State) > 0 {
			if err := json.Unmarshal(input.Body.State, &initialState); err != nil {
				return nil, huma.Error400BadRequest("state must be a JSON object")
			}
		}

		sess, err := svc.CreateSession(ctx, input.AppName, input.UserID, initialState, input.Body.SessionID)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateSession) {
				return nil, huma.Error409Conflict("session already exists")
			}
			return nil, huma.Error500InternalServerError("failed to create session", err)
		}
		return &CreateSessionOutput{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/apps/{app_name}/users/{user_id}/sessions/{session_id}",
		Summary:     "Get a session with its state and events",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		sess, err := svc.GetSession(ctx, input.AppName, input.UserID, input.SessionID, input.RecentEvents)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to get session", err)
		}
		return &GetSessionOutput{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/apps/{app_name}/users/{user_id}/sessions",
		Summary:     "List a user's sessions",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
		sessions, err := svc.ListSessions(ctx, input.AppName, input.UserID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list sessions", err)
		}
		return &ListSessionsOutput{Body: sessions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/apps/{app_name}/users/{user_id}/sessions/{session_id}",
		Summary:       "Delete a session and its events",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *DeleteSessionInput) (*struct{}, error) {
		if err := svc.DeleteSession(ctx, input.AppName, input.UserID, input.SessionID); err != nil {
			return nil, huma.Error500InternalServerError("failed to delete session", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-event",
		Method:      http.MethodPost,
		Path:        "/apps/{app_name}/users/{user_id}/sessions/{session_id}/events",
		Summary:     "Append an event to a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *AppendEventInput) (*AppendEventOutput, error) {
		var event domain.Event
		if err := json.Unmarshal(input.RawBody, &event); err != nil {
			return nil, huma.Error400BadRequest("invalid event payload")
		}

		sess, err := svc.GetSession(ctx, input.AppName, input.UserID, input.SessionID, 0)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to load session", err)
		}

		appended, err := svc.AppendEvent(ctx, sess, &event)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to append event", err)
		}
		return &AppendEventOutput{Body: appended}, nil
	})
}
