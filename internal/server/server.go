package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/feed"
	"triageline/internal/importer"
	"triageline/internal/logging"
	"triageline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Importer       *importer.Coordinator
	BasePath       string
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"validation failed: title is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":[{\"field\":\"title\",\"reason\":\"is required\"}]}"`
}

// apiError is the error envelope every operation returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the triage API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.Or(cfg.Logger)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema failures share the engine's 400 envelope
			return newAPIError(http.StatusBadRequest, "validation_failed", msg, map[string]any{"fields": schemaFieldErrors(errs)})
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(RequestIDMiddleware)
	router.Use(LoggingMiddleware(logger))
	router.Use(TimeoutMiddleware(cfg.RequestTimeout))
	router.Use(middleware.Recoverer)
	router.Use(ActorMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "triageline")
	})

	hcfg := huma.DefaultConfig("Triageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerPredict(group, cfg.Engine)
	registerBugs(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Importer != nil {
		registerImports(group, cfg.Importer)
	}
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
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"fields": verr.Fields})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var perr *domain.PredictionUnavailableError
	if errors.As(err, &perr) {
		return newAPIError(http.StatusServiceUnavailable, "prediction_unavailable", err.Error(), nil)
	}
	var serr *domain.ImportSourceError
	if errors.As(err, &serr) {
		return newAPIError(http.StatusBadGateway, "import_source_error", err.Error(), map[string]any{"source": serr.Source})
	}
	var terr *domain.TransitionError
	if errors.As(err, &terr) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": terr.From, "to": terr.To})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", "request timed out", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// schemaFieldErrors reshapes huma's validation details into field errors.
func schemaFieldErrors(errs []error) []domain.FieldError {
	fields := []domain.FieldError{}
	for _, err := range errs {
		var detail *huma.ErrorDetail
		if !errors.As(err, &detail) {
			fields = append(fields, domain.FieldError{Field: "body", Reason: err.Error()})
			continue
		}
		field := strings.TrimPrefix(strings.TrimPrefix(detail.Location, "body."), "query.")
		if field == "" {
			field = "body"
		}
		fields = append(fields, domain.FieldError{Field: field, Reason: detail.Message})
	}
	return fields
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
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
    <title>Triageline API Docs</title>
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
      Send X-Actor-Id to attribute changes in the audit log.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check with predictor readiness",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{Status: "ok", Predictor: "none"}
		if e.Predictor == nil {
			resp.Status = "degraded"
		} else {
			resp.Predictor = e.Predictor.Name()
			if err := e.Predictor.Ready(ctx); err != nil {
				resp.Status = "degraded"
				resp.Error = err.Error()
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPredict(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "predict",
		Method:      http.MethodPost,
		Path:        "/predict",
		Summary:     "Create a bug and route it to the predicted developer",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body PredictRequest `json:"body"`
	}) (*struct {
		Body PredictResponse `json:"body"`
	}, error) {
		bug, decision, err := e.CreateBug(ctx, engine.BugInput{
			Title:    input.Body.Title,
			Body:     input.Body.Body,
			Priority: domain.Priority(input.Body.Priority),
			Source:   input.Body.Source,
			Tags:     input.Body.Tags,
			ActorID:  actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PredictResponse `json:"body"`
		}{Body: predictResponse(bug, decision)}, nil
	})
}

type bugPath struct {
	ID int64 `path:"id" minimum:"1"`
}

func registerBugs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bug",
		Method:        http.MethodPost,
		Path:          "/bugs",
		Summary:       "Create an untriaged bug",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateBugRequest `json:"body"`
	}) (*struct {
		Body domain.Bug `json:"body"`
	}, error) {
		bug, err := e.CreateUntriaged(ctx, engine.BugInput{
			Title:       input.Body.Title,
			Body:        input.Body.Body,
			Priority:    domain.Priority(input.Body.Priority),
			Source:      input.Body.Source,
			ExternalRef: input.Body.ExternalRef,
			Tags:        input.Body.Tags,
			ActorID:     actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bug `json:"body"`
		}{Body: bug}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bugs",
		Method:      http.MethodGet,
		Path:        "/bugs",
		Summary:     "List bugs oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,assigned,manual-review,closed"`
	}) (*struct {
		Body bugList `json:"body"`
	}, error) {
		bugs, err := e.List(ctx, engine.BugFilter{Status: domain.Status(input.Status)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body bugList `json:"body"`
		}{Body: bugList{Items: nonNilSlice(bugs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bug",
		Method:      http.MethodGet,
		Path:        "/bugs/{id}",
		Summary:     "Get a bug",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *bugPath) (*struct {
		Body domain.Bug `json:"body"`
	}, error) {
		bug, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bug `json:"body"`
		}{Body: bug}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bug-predictions",
		Method:      http.MethodGet,
		Path:        "/bugs/{id}/predictions",
		Summary:     "Stored prediction snapshot for manual assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *bugPath) (*struct {
		Body engine.PredictionSnapshot `json:"body"`
	}, error) {
		snap, err := e.Predictions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		snap.Predictions = nonNilSlice(snap.Predictions)
		return &struct {
			Body engine.PredictionSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bug-assignments",
		Method:      http.MethodGet,
		Path:        "/bugs/{id}/assignments",
		Summary:     "Assignment history, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *bugPath) (*struct {
		Body assignmentList `json:"body"`
	}, error) {
		history, err := e.Ledger().History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body assignmentList `json:"body"`
		}{Body: assignmentList{Items: nonNilSlice(history)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-bug",
		Method:      http.MethodPost,
		Path:        "/bugs/{id}/assign",
		Summary:     "Manually assign or reassign a bug",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id" minimum:"1"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body domain.AssignmentEvent `json:"body"`
	}, error) {
		ev, err := e.Assign(ctx, input.ID, input.Body.DeveloperID, input.Body.DeveloperName, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AssignmentEvent `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "triage-bug",
		Method:      http.MethodPost,
		Path:        "/bugs/{id}/triage",
		Summary:     "Run prediction for an open bug",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *bugPath) (*struct {
		Body PredictResponse `json:"body"`
	}, error) {
		bug, decision, err := e.Triage(ctx, input.ID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PredictResponse `json:"body"`
		}{Body: predictResponse(bug, decision)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-bug",
		Method:      http.MethodDelete,
		Path:        "/bugs/{id}",
		Summary:     "Delete a bug and its assignment history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *bugPath) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		if err := e.Delete(ctx, input.ID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: true, ID: input.ID}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "Developer directory",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body developerList `json:"body"`
	}, error) {
		devs, err := e.Developers(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body developerList `json:"body"`
		}{Body: developerList{Items: nonNilSlice(devs)}}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Triage counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerImports(api huma.API, c *importer.Coordinator) {
	for _, route := range []struct {
		id, path, source, summary string
	}{
		{"fetch-github", "/fetch-github", feed.SourceGitHub, "Import open issues from the configured GitHub repositories"},
		{"import-local", "/import-local", feed.SourceLocal, "Import bugs from the local batch file"},
	} {
		huma.Register(api, huma.Operation{
			OperationID: route.id,
			Method:      http.MethodPost,
			Path:        route.path,
			Summary:     route.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
		}, func(ctx context.Context, input *struct {
			Body ImportRequest `json:"body"`
		}) (*struct {
			Body domain.ImportBatchResult `json:"body"`
		}, error) {
			res, err := c.ImportBatch(ctx, route.source, input.Body.Count, actorFromContext(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.ImportBatchResult `json:"body"`
			}{Body: res}, nil
		})
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.AuditLog(ctx, repo.EventFilter{Type: input.Type, After: cursorID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
