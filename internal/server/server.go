// Package server exposes the sync engine over HTTP.
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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"slipsync/internal/app"
	"slipsync/internal/domain"
	"slipsync/internal/engine"
	"slipsync/internal/fault"
	"slipsync/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"case changed since last read"`
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

// New returns an HTTP handler exposing the slipsync API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Slipsync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
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

// handleError maps engine faults to transport codes. The engine never
// sees HTTP.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve fault.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var fe fault.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ce fault.ConflictError
	if errors.As(err, &ce) {
		var details map[string]any
		if ce.Current != nil {
			details = map[string]any{"current": caseResponse(*ce.Current)}
		}
		return newAPIError(http.StatusConflict, "conflict", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "case not found", nil)
	}
	var se fault.StoreError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
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

// listCasesBody is the union answer for the listing endpoint: page
// mode without `since`, delta mode with it.
type listCasesBody struct {
	Page  *paginatedCases    `json:"page,omitempty"`
	Delta *caseDeltaResponse `json:"delta,omitempty"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "export-case",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/cases",
		Summary:       "Export a work slip into its case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string            `path:"team_id"`
		Body   ExportCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireTeam(ctx, input.TeamID)
		if authErr != nil {
			return nil, authErr
		}
		sheet, err := domain.ParseSheetPhase(input.Body.SheetPhase)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "sheet_phase"})
		}
		if _, err := app.NewScope(e.Repo, e.Now).ResolveTeam(ctx, input.TeamID); err != nil {
			return nil, handleError(err)
		}
		opts := engine.ExportOptions{
			TeamID:           input.TeamID,
			ParentCaseID:     input.Body.ParentCaseID,
			JobNumber:        strings.TrimSpace(input.Body.JobNumber),
			CaseKind:         strings.TrimSpace(input.Body.CaseKind),
			System:           input.Body.System,
			Totals:           domainTotals(input.Body.Totals),
			SheetPhase:       sheet,
			Content:          input.Body.Content,
			JSONContent:      input.Body.JSONContent,
			IfMatchUpdatedAt: input.Body.IfMatchUpdatedAt,
			Actor:            principal.Actor(),
		}
		if input.Body.CaseID != nil {
			opts.CaseID = *input.Body.CaseID
		}
		c, err := e.ExportCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/cases",
		Summary:     "List cases (page mode) or poll changes (delta mode)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		TeamID         string `path:"team_id"`
		Since          string `query:"since"`
		SinceID        string `query:"since_id"`
		Limit          int    `query:"limit"`
		Cursor         string `query:"cursor"`
		Status         string `query:"status"`
		Phase          string `query:"phase"`
		JobNumber      string `query:"job_number"`
		Q              string `query:"q"`
		UpdatedFrom    string `query:"updated_from"`
		UpdatedTo      string `query:"updated_to"`
		IncludeDeleted bool   `query:"include_deleted"`
	}) (*struct {
		Body listCasesBody `json:"body"`
	}, error) {
		principal, authErr := requireTeam(ctx, input.TeamID)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(e, input.Limit)

		if input.Since != "" {
			d, err := e.ListDelta(ctx, input.TeamID, input.Since, input.SinceID, limit, principal.Actor())
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body listCasesBody `json:"body"`
			}{Body: listCasesBody{Delta: &caseDeltaResponse{
				Cases:          nonNilSlice(mapCases(d.Cases)),
				DeletedCaseIDs: nonNilSlice(d.DeletedIDs),
				MaxUpdatedAt:   d.MaxUpdatedAt,
				MaxID:          d.MaxID,
				HasMore:        d.HasMore,
			}}}, nil
		}

		if input.Status != "" {
			if _, err := domain.ParseStatus(input.Status); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "status"})
			}
		}
		if input.Phase != "" {
			if _, err := domain.ParsePhase(input.Phase); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "phase"})
			}
		}
		page, err := e.ListPage(ctx, input.TeamID, engine.ListOptions{
			Status:         input.Status,
			Phase:          input.Phase,
			JobNumber:      input.JobNumber,
			Query:          input.Q,
			UpdatedFrom:    input.UpdatedFrom,
			UpdatedTo:      input.UpdatedTo,
			IncludeDeleted: input.IncludeDeleted,
			Limit:          limit,
			Cursor:         repo.DecodeCursor(input.Cursor),
		}, principal.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listCasesBody `json:"body"`
		}{Body: listCasesBody{Page: &paginatedCases{
			Items:      nonNilSlice(mapCases(page.Cases)),
			Total:      page.Total,
			NextCursor: page.NextCursor,
		}}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/cases/{case_id}",
		Summary:     "Get one case",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TeamID         string `path:"team_id"`
		CaseID         string `path:"case_id"`
		IncludeDeleted bool   `query:"include_deleted"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := requireTeam(ctx, input.TeamID)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.GetCase(ctx, input.TeamID, input.CaseID, input.IncludeDeleted, principal.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-case",
		Method:      http.MethodDelete,
		Path:        "/teams/{team_id}/cases/{case_id}",
		Summary:     "Soft-delete a case",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := requireTeam(ctx, input.TeamID)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SoftDelete(ctx, input.TeamID, input.CaseID, principal.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-case-status",
		Method:      http.MethodPatch,
		Path:        "/teams/{team_id}/cases/{case_id}/status",
		Summary:     "Set case status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string               `path:"team_id"`
		CaseID string               `path:"case_id"`
		Body   SetCaseStatusRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireTeam(ctx, input.TeamID)
		if authErr != nil {
			return nil, authErr
		}
		target, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "status"})
		}
		c, err := e.SetStatus(ctx, input.TeamID, input.CaseID, target, input.Body.IfMatchUpdatedAt, principal.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-case",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/cases/{case_id}/approve",
		Summary:     "Approve a sheet",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string             `path:"team_id"`
		CaseID string             `path:"case_id"`
		Body   ApproveCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := requireTeam(ctx, input.TeamID)
		if authErr != nil {
			return nil, authErr
		}
		sheet := domain.SheetPhaseMontage
		if input.Body.SheetPhase != "" {
			var err error
			sheet, err = domain.ParseSheetPhase(input.Body.SheetPhase)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "sheet_phase"})
			}
		}
		c, err := e.Approve(ctx, input.TeamID, input.CaseID, sheet, input.Body.IfMatchUpdatedAt, principal.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/audit",
		Summary:     "List the team's audit ledger, newest first",
		Errors: []int{
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		CaseID string `query:"case_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Entries []AuditEntryResponse `json:"entries"`
		} `json:"body"`
	}, error) {
		if _, authErr := requireTeam(ctx, input.TeamID); authErr != nil {
			return nil, authErr
		}
		entries, err := e.AuditTrail(ctx, input.TeamID, input.CaseID, normalizeLimit(e, input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Entries []AuditEntryResponse `json:"entries"`
			} `json:"body"`
		}{}
		out.Body.Entries = make([]AuditEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out.Body.Entries = append(out.Body.Entries, auditEntryResponse(entry))
		}
		return out, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Sub:    principal.Sub,
			TeamID: principal.TeamID,
			Role:   string(principal.Role),
			Email:  principal.Email,
			Name:   principal.Name,
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
		team := strings.TrimSpace(input.Body.TeamID)
		if actor == "" || team == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and team_id are required", nil)
		}
		role := input.Body.Role
		if role == "" {
			role = string(domain.RoleMember)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, team, role, input.Body.Email, input.Body.Name, authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
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
    <title>Slipsync API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
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

func normalizeLimit(e engine.Engine, in int) int {
	def, max := 50, 200
	if e.Config != nil {
		if e.Config.Sync.DefaultLimit > 0 {
			def = e.Config.Sync.DefaultLimit
		}
		if e.Config.Sync.MaxLimit > 0 {
			max = e.Config.Sync.MaxLimit
		}
	}
	if in <= 0 {
		return def
	}
	if in > max {
		return max
	}
	return in
}
