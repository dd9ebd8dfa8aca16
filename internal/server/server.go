package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"phaseline/internal/apperr"
	"phaseline/internal/batch"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/engine/auth"
	"phaseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Batch    *batch.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"cannot approve: version is draft, not pending_approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"draft\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// bodyOut is the common single-body response.
type bodyOut[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *bodyOut[T] { return &bodyOut[T]{Body: v} }

// New returns an HTTP handler exposing the phaseline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Batch == nil {
		return nil, errors.New("server: batch engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerReports(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerJobs(group, cfg.Batch)
	registerEvents(group, cfg.Engine)
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

var kindStatus = map[apperr.Kind]int{
	apperr.KindNotFound:      http.StatusNotFound,
	apperr.KindConflict:      http.StatusConflict,
	apperr.KindInvalidState:  http.StatusConflict,
	apperr.KindValidation:    http.StatusUnprocessableEntity,
	apperr.KindBusinessLogic: http.StatusUnprocessableEntity,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		if status, ok := kindStatus[ae.Kind]; ok {
			return newAPIError(status, string(ae.Kind), err.Error(), ae.Details)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission returns the calling actor when the principal holds perm.
func requirePermission(ctx context.Context, perm string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if err := auth.Require(principal.Roles, principal.Permissions, perm); err != nil {
		return "", err
	}
	return principal.ActorID, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Phaseline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
    </script>
  </body>
</html>`, specURL)
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		perms := auth.Permissions(principal.Roles)
		perms = append(perms, principal.Permissions...)
		return reply(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOut[DevLoginResponse], error) {
		if !authCfg.AllowLegacyActorHeader {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

type reportPath struct {
	ReportID string `path:"report_id"`
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Create report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateReportRequest `json:"body"`
	}) (*bodyOut[domain.Report], error) {
		actorID, err := requirePermission(ctx, auth.PermReportWrite)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := e.CreateReport(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[[]domain.Report], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListReports(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*bodyOut[domain.Report], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.GetReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-catalog-items",
		Method:      http.MethodPost,
		Path:        "/reports/{report_id}/catalog",
		Summary:     "Append catalog items",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ReportID string            `path:"report_id"`
		Body     AddCatalogRequest `json:"body"`
	}) (*bodyOut[CountResponse], error) {
		actorID, err := requirePermission(ctx, auth.PermReportWrite)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.AddCatalogItems(ctx, input.ReportID, input.Body.Items, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CountResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-catalog",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}/catalog",
		Summary:     "List catalog items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*bodyOut[[]domain.CatalogItem], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListCatalog(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}

type phasePath struct {
	ReportID string `path:"report_id"`
	Phase    string `path:"phase"`
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}/phases",
		Summary:     "List declared phases with their state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*bodyOut[[]engine.PhaseView], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		views, err := e.ListPhases(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(views), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}/phases/{phase}",
		Summary:     "Get phase instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phasePath) (*bodyOut[domain.PhaseInstance], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		pi, err := e.GetPhase(ctx, input.ReportID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pi), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-phase",
		Method:        http.MethodPost,
		Path:          "/reports/{report_id}/phases/{phase}/start",
		Summary:       "Start phase",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *phasePath) (*bodyOut[domain.PhaseInstance], error) {
		actorID, err := requirePermission(ctx, auth.PermPhaseStart)
		if err != nil {
			return nil, handleError(err)
		}
		pi, err := e.StartPhase(ctx, input.ReportID, input.Phase, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pi), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/reports/{report_id}/phases/{phase}/complete",
		Summary:     "Complete phase and start eligible dependents",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *phasePath) (*bodyOut[engine.CompleteResult], error) {
		actorID, err := requirePermission(ctx, auth.PermPhaseComplete)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.CompletePhase(ctx, input.ReportID, input.Phase, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

type phaseInstancePath struct {
	PhaseInstanceID string `path:"phase_instance_id"`
}

type versionPath struct {
	VersionID string `path:"version_id"`
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/phase-instances/{phase_instance_id}/versions",
		Summary:     "List versions of a phase instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phaseInstancePath) (*bodyOut[[]domain.Version], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListVersions(ctx, input.PhaseInstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-version",
		Method:        http.MethodPost,
		Path:          "/phase-instances/{phase_instance_id}/versions",
		Summary:       "Open a draft version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PhaseInstanceID string               `path:"phase_instance_id"`
		Body            *CreateVersionRequest
	}) (*bodyOut[domain.Version], error) {
		actorID, err := requirePermission(ctx, auth.PermVersionCreate)
		if err != nil {
			return nil, handleError(err)
		}
		var parentID string
		if input.Body != nil {
			parentID = input.Body.ParentVersionID
		}
		v, err := e.CreateVersion(ctx, engine.CreateVersionOptions{
			PhaseInstanceID: input.PhaseInstanceID,
			ParentVersionID: parentID,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-approved-version",
		Method:      http.MethodGet,
		Path:        "/phase-instances/{phase_instance_id}/current",
		Summary:     "Current approved version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phaseInstancePath) (*bodyOut[CurrentVersionResponse], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		v, err := e.CurrentApproved(ctx, input.PhaseInstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CurrentVersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resubmit-from-feedback",
		Method:        http.MethodPost,
		Path:          "/phase-instances/{phase_instance_id}/resubmit",
		Summary:       "Open a draft from approver feedback",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *phaseInstancePath) (*bodyOut[domain.Version], error) {
		actorID, err := requirePermission(ctx, auth.PermVersionCreate)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.ResubmitFromFeedback(ctx, input.PhaseInstanceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}",
		Summary:     "Get version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *versionPath) (*bodyOut[domain.Version], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetVersion(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	type transition struct {
		id, summary, perm string
		run               func(ctx context.Context, versionID, actorID string) (domain.Version, error)
	}
	for _, tr := range []transition{
		{"submit-version", "Submit a fully decided draft for approval", auth.PermVersionSubmit,
			func(ctx context.Context, id, actor string) (domain.Version, error) {
				return e.SubmitForApproval(ctx, id, actor)
			}},
		{"discard-version", "Discard a draft", auth.PermVersionDiscard,
			func(ctx context.Context, id, actor string) (domain.Version, error) {
				return e.DiscardVersion(ctx, id, actor)
			}},
	} {
		tr := tr
		huma.Register(api, huma.Operation{
			OperationID: tr.id,
			Method:      http.MethodPost,
			Path:        "/versions/{version_id}/" + strings.TrimSuffix(tr.id, "-version"),
			Summary:     tr.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, input *versionPath) (*bodyOut[domain.Version], error) {
			actorID, err := requirePermission(ctx, tr.perm)
			if err != nil {
				return nil, handleError(err)
			}
			v, err := tr.run(ctx, input.VersionID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(v), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/approve",
		Summary:     "Approve a pending version",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		VersionID string         `path:"version_id"`
		Body      *ApproveRequest
	}) (*bodyOut[domain.Version], error) {
		actorID, err := requirePermission(ctx, auth.PermVersionDecide)
		if err != nil {
			return nil, handleError(err)
		}
		var notes string
		if input.Body != nil {
			notes = input.Body.Notes
		}
		v, err := e.Approve(ctx, input.VersionID, actorID, notes)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/reject",
		Summary:     "Reject a pending version",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string        `path:"version_id"`
		Body      RejectRequest `json:"body"`
	}) (*bodyOut[domain.Version], error) {
		actorID, err := requirePermission(ctx, auth.PermVersionDecide)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.Reject(ctx, input.VersionID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "version-completeness",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/completeness",
		Summary:     "Decided and total record counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *versionPath) (*bodyOut[engine.Completeness], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		c, err := e.DecisionCompleteness(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-counters",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/counters",
		Summary:     "Compare cached counters with a live recount",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *versionPath) (*bodyOut[engine.CounterCheck], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		c, err := e.VerifyCounters(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "diff-versions",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/diff",
		Summary:     "Diff against another version of the same phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
		Against   string `query:"against"`
	}) (*bodyOut[engine.VersionDiff], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		if input.Against == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "against is required", nil)
		}
		d, err := e.DiffVersions(ctx, input.Against, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})
}

type recordPath struct {
	VersionID string `path:"version_id"`
	ItemID    string `path:"item_id"`
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/records",
		Summary:     "List decision records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
		Undecided bool   `query:"undecided"`
	}) (*bodyOut[[]domain.DecisionRecord], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		recs, err := e.ListRecords(ctx, input.VersionID, input.Undecided)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(recs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/records/{item_id}",
		Summary:     "Get decision record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*bodyOut[domain.DecisionRecord], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetRecord(ctx, input.VersionID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seed-records",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/records/seed",
		Summary:     "Seed empty records for catalog items",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string             `path:"version_id"`
		Body      SeedRecordsRequest `json:"body"`
	}) (*bodyOut[CountResponse], error) {
		actorID, err := requirePermission(ctx, auth.PermVersionCreate)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.SeedRecords(ctx, input.VersionID, input.Body.ItemIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CountResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-suggestion",
		Method:      http.MethodPut,
		Path:        "/versions/{version_id}/records/{item_id}/suggestion",
		Summary:     "Store an automated suggestion",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string            `path:"version_id"`
		ItemID    string            `path:"item_id"`
		Body      domain.Suggestion `json:"body"`
	}) (*bodyOut[domain.DecisionRecord], error) {
		actorID, err := requirePermission(ctx, auth.PermSuggestionWrite)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.ApplyAutomatedSuggestion(ctx, input.VersionID, input.ItemID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-decision",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/records/{item_id}/decision",
		Summary:     "Record a tester or approver decision",
		Description: "The decision slot follows the caller's role. Callers holding both roles pass kind.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string          `path:"version_id"`
		ItemID    string          `path:"item_id"`
		Kind      string          `query:"kind"`
		Body      DecisionRequest `json:"body"`
	}) (*bodyOut[domain.DecisionRecord], error) {
		actorID, kind, err := decisionKind(ctx, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.ApplyDecision(ctx, kind, input.VersionID, input.ItemID, engine.DecisionInput{Action: input.Body.Action, Comment: input.Body.Comment}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-apply-decision",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/records/bulk",
		Summary:     "Apply one decision to many records",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string              `path:"version_id"`
		Kind      string              `query:"kind"`
		Body      BulkDecisionRequest `json:"body"`
	}) (*bodyOut[engine.BulkResult], error) {
		actorID, kind, err := decisionKind(ctx, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.BulkApply(ctx, kind, input.VersionID, input.Body.ItemIDs, engine.DecisionInput{Action: input.Body.Action, Comment: input.Body.Comment}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

// decisionKind resolves the decision slot once, from the principal's roles.
func decisionKind(ctx context.Context, requested string) (string, domain.DecisionKind, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", "", authErr
	}
	kind, err := auth.ResolveDecisionKind(principal.Roles, principal.Permissions, requested)
	if err != nil {
		return "", "", err
	}
	return principal.ActorID, kind, nil
}

type jobPath struct {
	JobID string `path:"job_id"`
}

func registerJobs(api huma.API, b *batch.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/versions/{version_id}/jobs",
		Summary:       "Submit a suggestion job",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string       `path:"version_id"`
		Body      *ItemsRequest
	}) (*bodyOut[domain.BatchJob], error) {
		actorID, err := requirePermission(ctx, auth.PermJobRun)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := itemsOrRecords(ctx, b, input.VersionID, input.Body.items())
		if err != nil {
			return nil, handleError(err)
		}
		job, err := b.Submit(ctx, input.VersionID, items, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "populate-suggestions",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/populate",
		Summary:     "Generate suggestions inline or as a job",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string       `path:"version_id"`
		Body      *ItemsRequest
	}) (*bodyOut[batch.PopulateResult], error) {
		actorID, err := requirePermission(ctx, auth.PermJobRun)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := itemsOrRecords(ctx, b, input.VersionID, input.Body.items())
		if err != nil {
			return nil, handleError(err)
		}
		res, err := b.Populate(ctx, input.VersionID, items, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/jobs",
		Summary:     "List jobs of a version",
	}, func(ctx context.Context, input *versionPath) (*bodyOut[[]domain.BatchJob], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		jobs, err := b.ListJobs(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(jobs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-status",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*bodyOut[domain.JobStatus], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		st, err := b.GetStatus(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/pause",
		Summary:     "Pause a running job at the next item boundary",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*bodyOut[domain.BatchJob], error) {
		actorID, err := requirePermission(ctx, auth.PermJobRun)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := b.Pause(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resume-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/resume",
		Summary:       "Resume a paused job from its checkpoint",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*bodyOut[domain.BatchJob], error) {
		actorID, err := requirePermission(ctx, auth.PermJobRun)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := b.Resume(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})
}

func itemsOrRecords(ctx context.Context, b *batch.Engine, versionID string, items []domain.ItemDescriptor) ([]domain.ItemDescriptor, error) {
	if len(items) > 0 {
		return items, nil
	}
	return b.DescribeRecords(ctx, versionID)
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ReportID   string `query:"report_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOut[paginatedEvents], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, e.DB, repo.EventFilters{
			ReportID:   input.ReportID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			BeforeID:   cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
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
