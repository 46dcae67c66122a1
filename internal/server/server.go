package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rosterline/internal/audit"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/engine/auth"
	"rosterline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"retention_active"`
	Message string         `json:"message" example:"audit entry retained until 2027-03-01"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Rosterline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the shared envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(buf))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, buf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Rosterline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // served by registerDocs below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrgs(group, cfg.Engine)
	registerEmployees(group, cfg.Engine)
	registerRosters(group, cfg.Engine)
	registerShifts(group, cfg.Engine)
	registerValidation(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var re domain.RetentionError
	if errors.As(err, &re) {
		return newAPIError(http.StatusConflict, "retention_active", err.Error(), map[string]any{
			"id":           re.ID,
			"retain_until": re.RetainUntil.Format(time.RFC3339),
		})
	}
	var ie domain.InvalidInputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ie.Field})
	}
	var ce domain.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), map[string]any{"field": ce.Field})
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, audit.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission checks the token claims first, then falls back to
// the RBAC tables for legacy and API-key principals.
func requirePermission(ctx context.Context, e engine.Engine, orgID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, orgID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func requireGlobalPermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	if principal.OrgID != "" {
		return requirePermission(ctx, e, principal.OrgID, perm)
	}
	if e.Config == nil {
		return auth.ForbiddenError{Permission: perm}
	}
	return requirePermission(ctx, e, e.Config.Org.ID, perm)
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Rosterline API Docs</title>
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

func registerOrgs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-org",
		Method:        http.MethodPost,
		Path:          "/orgs",
		Summary:       "Create org",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrgRequest `json:"body"`
	}) (*struct {
		Body OrgResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireGlobalPermission(ctx, e, "org.admin"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CreateOrg(ctx, engine.OrgCreateOptions{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			Jurisdiction: input.Body.Jurisdiction,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgResponse `json:"body"`
		}{Body: orgResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orgs",
		Method:      http.MethodGet,
		Path:        "/orgs",
		Summary:     "List orgs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []OrgResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListOrgs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OrgResponse `json:"body"`
		}{Body: mapOrgs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}",
		Summary:     "Get org",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body OrgResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		o, err := e.GetOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgResponse `json:"body"`
		}{Body: orgResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org-config",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/config",
		Summary:     "Get org config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body OrgConfigResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.OrgConfig(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-org-config",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/config",
		Summary:     "Import org config",
		Description: "Replaces the stored org config. The body is YAML or JSON; omitted keys keep their defaults.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body OrgConfigResponse `json:"body"`
	}, error) {
		data := bodyBytes(ctx)
		if len(data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.OrgID, "org.admin"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := e.ImportOrgConfig(ctx, input.OrgID, data, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerEmployees(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-employee",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/employees/{employee_id}",
		Summary:     "Create or rename employee",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID      string                `path:"org_id"`
		EmployeeID string                `path:"employee_id"`
		Body       UpsertEmployeeRequest `json:"body"`
	}) (*struct {
		Body EmployeeResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "roster.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		emp, err := e.UpsertEmployee(ctx, engine.EmployeeUpsertOptions{
			ID:      input.EmployeeID,
			OrgID:   input.OrgID,
			Name:    input.Body.Name,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EmployeeResponse `json:"body"`
		}{Body: employeeResponse(emp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-employees",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/employees",
		Summary:     "List employees",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []EmployeeResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEmployees(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EmployeeResponse `json:"body"`
		}{Body: mapEmployees(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-preferences",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/employees/{employee_id}/preferences",
		Summary:     "Set employee preferences",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID      string             `path:"org_id"`
		EmployeeID string             `path:"employee_id"`
		Body       PreferencesRequest `json:"body"`
	}) (*struct {
		Body domain.EmployeePreferences `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "roster.write"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.SetPreferences(ctx, input.OrgID, domain.EmployeePreferences{
			EmployeeID:         input.EmployeeID,
			PreferredDays:      input.Body.PreferredDays,
			AvoidedDays:        input.Body.AvoidedDays,
			PreferredShiftType: input.Body.PreferredShiftType,
			MaxWeeklyHours:     input.Body.MaxWeeklyHours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmployeePreferences `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-preferences",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/employees/{employee_id}/preferences",
		Summary:     "Get employee preferences",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		EmployeeID string `path:"employee_id"`
	}) (*struct {
		Body domain.EmployeePreferences `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.GetPreferences(ctx, input.OrgID, input.EmployeeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmployeePreferences `json:"body"`
		}{Body: p}, nil
	})
}

func registerRosters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-roster",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/rosters",
		Summary:       "Create roster",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string              `path:"org_id"`
		Body  CreateRosterRequest `json:"body"`
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.OrgID, "roster.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ro, err := e.CreateRoster(ctx, engine.RosterCreateOptions{
			ID:        input.Body.ID,
			OrgID:     input.OrgID,
			StartDate: input.Body.StartDate,
			EndDate:   input.Body.EndDate,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: rosterResponse(ro)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rosters",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/rosters",
		Summary:     "List rosters",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRosters `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreatedAt, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListRostersWithCursor(ctx, input.OrgID, limit+1, cursorCreatedAt, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRosters{Items: []RosterResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt.UTC().Format(time.RFC3339), last.ID)
			items = items[:limit]
		}
		resp.Items = mapRosters(items)
		return &struct {
			Body paginatedRosters `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-roster",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/rosters/{roster_id}",
		Summary:     "Get roster",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID    string `path:"org_id"`
		RosterID string `path:"roster_id"`
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		ro, err := e.GetRoster(ctx, input.OrgID, input.RosterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: rosterResponse(ro)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-roster",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/rosters/{roster_id}/publish",
		Summary:     "Publish roster",
		Description: "Marks the roster published. Publication timing warnings surface through validate, not here.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID    string `path:"org_id"`
		RosterID string `path:"roster_id"`
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "roster.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ro, err := e.PublishRoster(ctx, input.OrgID, input.RosterID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: rosterResponse(ro)}, nil
	})
}

func registerShifts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-shift",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/rosters/{roster_id}/shifts",
		Summary:       "Add shift",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID    string          `path:"org_id"`
		RosterID string          `path:"roster_id"`
		Body     AddShiftRequest `json:"body"`
	}) (*struct {
		Body ShiftResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.OrgID, "roster.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AddShift(ctx, engine.ShiftAddOptions{
			OrgID:        input.OrgID,
			RosterID:     input.RosterID,
			EmployeeID:   input.Body.EmployeeID,
			StartAt:      input.Body.StartAt,
			EndAt:        input.Body.EndAt,
			BreakMinutes: input.Body.BreakMinutes,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShiftResponse `json:"body"`
		}{Body: shiftResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-shifts",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/rosters/{roster_id}/shifts",
		Summary:     "List shifts",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		RosterID   string `path:"roster_id"`
		EmployeeID string `query:"employee_id"`
		Status     string `query:"status" enum:"scheduled,retired"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedShifts `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorStartAt, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListShifts(ctx, input.OrgID, input.RosterID, repo.ShiftFilters{
			EmployeeID:    input.EmployeeID,
			Status:        input.Status,
			Limit:         limit + 1,
			CursorStartAt: cursorStartAt,
			CursorID:      cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedShifts{Items: []ShiftResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.StartAt.UTC().Format(time.RFC3339), last.ID)
			items = items[:limit]
		}
		resp.Items = mapShifts(items)
		return &struct {
			Body paginatedShifts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retire-shift",
		Method:      http.MethodDelete,
		Path:        "/orgs/{org_id}/rosters/{roster_id}/shifts/{shift_id}",
		Summary:     "Retire shift",
		Description: "Soft delete: the shift stays on record but no longer counts in validation or evaluation.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID    string `path:"org_id"`
		RosterID string `path:"roster_id"`
		ShiftID  string `path:"shift_id"`
	}) (*struct {
		Body ShiftResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "roster.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetShift(ctx, input.ShiftID)
		if err != nil {
			return nil, handleError(err)
		}
		if existing.RosterID != input.RosterID {
			return nil, handleError(repo.ErrNotFound)
		}
		s, err := e.RetireShift(ctx, input.OrgID, input.ShiftID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShiftResponse `json:"body"`
		}{Body: shiftResponse(s)}, nil
	})
}

func registerValidation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/validate",
		Summary:     "Validate roster or proposal",
		Description: "Checks a stored roster (roster_id) or an inline proposal against the org's labor rules.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string          `path:"org_id"`
		Body  ValidateRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.OrgID, "decision.evaluate"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Proposal == nil && input.Body.RosterID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "roster_id or proposal required", nil)
		}
		if input.Body.Proposal == nil {
			res, err := e.ValidateRoster(ctx, input.OrgID, input.Body.RosterID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.ValidationResult `json:"body"`
			}{Body: res}, nil
		}
		p := *input.Body.Proposal
		if input.Body.RosterID != "" && p.Roster == nil {
			ro, err := e.GetRoster(ctx, input.OrgID, input.Body.RosterID)
			if err != nil {
				return nil, handleError(err)
			}
			p.Roster = &ro
		}
		res, err := e.ValidateProposal(ctx, input.OrgID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-decision",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/decisions/evaluate",
		Summary:     "Evaluate decision by consensus",
		Description: "Runs the agent panel and records an audit entry. Input and config problems come back as success=false rather than a transport error.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string                  `path:"org_id"`
		Body  EvaluateDecisionRequest `json:"body"`
	}) (*struct {
		Body EvaluateEnvelope `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.OrgID, "decision.evaluate"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, auditID, err := e.EvaluateDecision(ctx, engine.EvaluateRequest{
			OrgID:        input.OrgID,
			DecisionType: domain.DecisionType(input.Body.DecisionType),
			Proposal:     input.Body.Proposal,
			RosterID:     input.Body.RosterID,
			RequestedBy:  actorID,
		})
		if err != nil {
			var ie domain.InvalidInputError
			var ce domain.ConfigurationError
			if errors.As(err, &ie) || errors.As(err, &ce) {
				return &struct {
					Body EvaluateEnvelope `json:"body"`
				}{Body: EvaluateEnvelope{Success: false, Error: err.Error()}}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluateEnvelope `json:"body"`
		}{Body: EvaluateEnvelope{Success: true, Result: &result, AuditEntryID: auditID}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-entries",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/audit",
		Summary:     "List audit entries",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID        string `path:"org_id"`
		DecisionType string `query:"decision_type"`
		Since        string `query:"since" format:"date-time"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ConsensusAuditEntry `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "audit.read"); err != nil {
			return nil, handleError(err)
		}
		f := audit.ListFilter{
			DecisionType: input.DecisionType,
			Limit:        normalizeLimit(input.Limit),
		}
		if input.Since != "" {
			since, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since timestamp", map[string]any{"since": input.Since})
			}
			f.Since = since
		}
		items, err := e.ListAuditEntries(ctx, input.OrgID, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ConsensusAuditEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit-entry",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/audit/{entry_id}",
		Summary:     "Get audit entry",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID   string `path:"org_id"`
		EntryID string `path:"entry_id"`
	}) (*struct {
		Body domain.ConsensusAuditEntry `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "audit.read"); err != nil {
			return nil, handleError(err)
		}
		entry, err := e.GetAuditEntry(ctx, input.OrgID, input.EntryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConsensusAuditEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-audit-entry",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org_id}/audit/{entry_id}",
		Summary:       "Delete audit entry",
		Description:   "Refused with 409 while the entry is inside its retention window.",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrgID   string `path:"org_id"`
		EntryID string `path:"entry_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "audit.purge"); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteAuditEntry(ctx, input.OrgID, input.EntryID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-audit-entries",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/audit/purge",
		Summary:     "Purge expired audit entries",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body PurgeResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "audit.purge"); err != nil {
			return nil, handleError(err)
		}
		n, err := e.PurgeAuditEntries(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurgeResponse `json:"body"`
		}{Body: PurgeResponse{Purged: n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"org,roster,shift,decision"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.OrgID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/me/permissions",
		Summary:     "Current actor permissions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.ActorProfile(ctx, input.OrgID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     who.ActorID,
			OrgID:       input.OrgID,
			Roles:       nonNilSlice(who.Roles),
			Permissions: nonNilSlice(who.Permissions),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/rbac/roles/grant",
		Summary:     "Grant role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string            `path:"org_id"`
		Body  RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "org.admin"); err != nil {
			return nil, handleError(err)
		}
		if err := e.GrantRole(ctx, input.OrgID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/rbac/roles/revoke",
		Summary:     "Revoke role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string            `path:"org_id"`
		Body  RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, input.OrgID, "org.admin"); err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, input.OrgID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		orgID := principal.OrgID
		if orgID == "" && e.Config != nil {
			orgID = e.Config.Org.ID
		}
		if len(perms) == 0 && orgID != "" {
			if who, err := e.ActorProfile(ctx, orgID, principal.ActorID); err == nil {
				if len(roles) == 0 {
					roles = who.Roles
				}
				perms = who.Permissions
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			OrgID:       orgID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		org := strings.TrimSpace(input.Body.OrgID)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and org_id are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, authCfg.Issuer, actor, org, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
