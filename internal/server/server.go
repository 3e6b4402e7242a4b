// Package server exposes the bridge's local HTTP API: record actions into
// the outbox, trigger sync runs and inspect state.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskbridge/internal/app"
	"taskbridge/internal/domain"
	"taskbridge/internal/identity"
	"taskbridge/internal/outbox"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"text is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the bridge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Taskbridge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerEvents(group, cfg.App)
	registerSync(group, cfg.App)
	registerOutbox(group, cfg.App)
	registerLog(group, cfg.App)
	registerWhoami(group, cfg.App)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce *identity.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "identity_conflict", err.Error(), map[string]any{"profile": ce.Profile})
	}
	if errors.Is(err, outbox.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unsupported"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "no credential"):
		return newAPIError(http.StatusConflict, "not_reconciled", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// Request payloads

type RecordCommentRequest struct {
	TaskRef string `json:"task_ref"`
	Text    string `json:"text"`
	Profile string `json:"profile,omitempty"`
}

type RecordStatusRequest struct {
	TaskRef string `json:"task_ref"`
	To      string `json:"to"`
	Profile string `json:"profile,omitempty"`
}

type EventResponse struct {
	Event   domain.OutboxEvent `json:"event"`
	Created bool               `json:"created"`
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-comment",
		Method:        http.MethodPost,
		Path:          "/events/comment",
		Summary:       "Record a task comment for later delivery",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RecordCommentRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		if input.Body.TaskRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_ref is required", nil)
		}
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		ev, created, err := a.Store.Append(ctx, input.Body.TaskRef, domain.EventKindComment,
			map[string]any{"text": input.Body.Text}, input.Body.Profile)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: EventResponse{Event: ev, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-status",
		Method:        http.MethodPost,
		Path:          "/events/status",
		Summary:       "Record a task status change for later delivery",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RecordStatusRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		if input.Body.TaskRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_ref is required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		ev, created, err := a.Store.Append(ctx, input.Body.TaskRef, domain.EventKindStatusChange,
			map[string]any{"to": input.Body.To}, input.Body.Profile)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: EventResponse{Event: ev, Created: created}}, nil
	})
}

func registerSync(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Drain pending outbox events to the remote",
	}, func(ctx context.Context, input *struct {
		DryRun bool `query:"dry_run"`
	}) (*struct {
		Body domain.SyncResult `json:"body"`
	}, error) {
		eng, err := a.Engine()
		if err != nil {
			return nil, handleError(err)
		}
		res, err := eng.Run(ctx, input.DryRun)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncResult `json:"body"`
		}{Body: res}, nil
	})
}

type OutboxListResponse struct {
	Events []domain.OutboxEvent `json:"events"`
	Counts map[string]int       `json:"counts"`
}

func registerOutbox(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "List outbox events",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		TaskRef string `query:"task_ref"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body OutboxListResponse `json:"body"`
	}, error) {
		events, err := a.Store.List(ctx, outbox.Filters{
			Status:  domain.EventStatus(input.Status),
			TaskRef: input.TaskRef,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := a.Store.CountByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutboxListResponse `json:"body"`
		}{Body: OutboxListResponse{Events: events, Counts: counts}}, nil
	})
}

func registerLog(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		entries, err := a.Audit.Tail(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		body := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			body = append(body, map[string]any{
				"id": e.ID, "ts": e.TS, "type": e.Type,
				"subject": e.Subject, "actor": e.Actor, "payload": e.Payload,
			})
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerWhoami(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/whoami",
		Summary:     "Resolve stored credentials against the remote",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]domain.Account `json:"body"`
	}, error) {
		accounts, err := a.Whoami(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]domain.Account `json:"body"`
		}{Body: accounts}, nil
	})
}
