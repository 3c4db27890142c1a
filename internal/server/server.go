package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"runline/internal/domain"
	"runline/internal/engine"
	"runline/internal/engine/auth"
	"runline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"event cannot be published from draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Runline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Runline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEvents(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerJournal(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"transition": fe.Transition})
	}
	var ite domain.IllegalTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"from":       ite.From,
			"transition": ite.Transition,
		})
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{"event_id": ce.EventID})
	}
	var cfe domain.ConfigError
	if errors.As(err, &cfe) {
		return newAPIError(http.StatusUnprocessableEntity, "configuration_error", err.Error(), nil)
	}
	var me domain.MaterializationError
	if errors.As(err, &me) {
		return newAPIError(http.StatusInternalServerError, "materialization_failed", err.Error(), map[string]any{"event_id": me.EventID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "approval token"):
		return newAPIError(http.StatusUnauthorized, "invalid_token", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	approvalsPrefix := path.Join(basePath, "approvals")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || strings.HasPrefix(route, approvalsPrefix) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Runline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Create event draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEventRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Auth)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		date, err := parseDate("date", input.Body.Date)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		opts := engine.EventCreateOptions{
			Name:        input.Body.Name,
			Description: deref(input.Body.Description),
			Country:     deref(input.Body.Country),
			City:        deref(input.Body.City),
			Street:      deref(input.Body.Street),
			HouseNumber: deref(input.Body.HouseNumber),
			PostalCode:  deref(input.Body.PostalCode),
			Date:        date,
			StartsAt:    input.Body.StartsAt,
			Recurrent:   input.Body.Recurrent,
			OwnerID:     actor.ID,
		}
		if input.Body.Recurrent {
			if len(input.Body.RepeatsOn) != len(opts.RepeatsOn) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "repeats_on must list all seven weekdays", map[string]any{"field": "repeats_on"})
			}
			copy(opts.RepeatsOn[:], input.Body.RepeatsOn)
		}
		opts.Termination.OneYear = input.Body.EndsOnOneYear
		opts.Termination.AfterOccurrences = input.Body.EndsAfterOccurrences
		if input.Body.EndsOn != nil {
			endsOn, err := parseDate("ends_on", *input.Body.EndsOn)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			opts.Termination.On = endsOn
		}
		ev, err := e.CreateEvent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: toEventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e.Auth); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEvents(ctx, input.Owner)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: []EventResponse{}}
		for _, ev := range items {
			resp.Items = append(resp.Items, toEventResponse(ev))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{id}",
		Summary:     "Get event",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e.Auth); authErr != nil {
			return nil, authErr
		}
		ev, err := e.GetEvent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: toEventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-event-runs",
		Method:      http.MethodGet,
		Path:        "/events/{id}/runs",
		Summary:     "List runs for an event",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e.Auth); authErr != nil {
			return nil, authErr
		}
		runs, err := e.ListRuns(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RunListResponse{Items: []RunResponse{}}
		for _, r := range runs {
			resp.Items = append(resp.Items, toRunResponse(r))
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-event",
		Method:      http.MethodPost,
		Path:        "/events/{id}/submit",
		Summary:     "Submit event for approval",
		Description: "The approval link goes to reviewers through the notification channel; it is never part of this response.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Auth)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Submit(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: toEventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-event",
		Method:      http.MethodPost,
		Path:        "/events/{id}/approve",
		Summary:     "Approve a submitted event",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Auth)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Approve(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: toEventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-event",
		Method:      http.MethodPost,
		Path:        "/events/{id}/publish",
		Summary:     "Publish an approved event and materialize its runs",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Auth)
		if authErr != nil {
			return nil, authErr
		}
		ev, runs, err := e.Publish(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{Event: toEventResponse(ev), RunsCreated: len(runs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-event",
		Method:      http.MethodPost,
		Path:        "/events/{id}/cancel",
		Summary:     "Cancel a published event",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Auth)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Cancel(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: toEventResponse(ev)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mint-approval-token",
		Method:      http.MethodPost,
		Path:        "/events/{id}/approval-token",
		Summary:     "Reissue the approval token for a submitted event",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			ApprovalToken string `json:"approval_token"`
		} `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Auth)
		if authErr != nil {
			return nil, authErr
		}
		minted, err := e.MintApprovalToken(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ApprovalToken string `json:"approval_token"`
			} `json:"body"`
		}{}
		out.Body.ApprovalToken = minted
		return out, nil
	})

	// Approval links are followed from email clients, hence GET.
	huma.Register(api, huma.Operation{
		OperationID: "approve-by-token",
		Method:      http.MethodGet,
		Path:        "/approvals/{token}",
		Summary:     "Approve an event via capability token",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		ev, err := e.ApproveByToken(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: toEventResponse(ev)}, nil
	})
}

func registerJournal(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List journal entries",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EventID string `query:"event_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body JournalListResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e.Auth); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListJournal(ctx, input.EventID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.JournalEntry{}
		}
		return &struct {
			Body JournalListResponse `json:"body"`
		}{Body: JournalListResponse{Items: items}}, nil
	})
}
