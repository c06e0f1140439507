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
	"go.uber.org/zap"

	"rotaguard/internal/domain"
	"rotaguard/internal/engine"
	"rotaguard/internal/engine/auth"
	"rotaguard/internal/metrics"
	"rotaguard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_filled"`
	Message string         `json:"message" example:"alert already filled"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"alert_id\":\"9f1c\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the rota API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	hcfg := huma.DefaultConfig("Rota API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", metrics.Handler())
	registerHealth(group)
	registerRules(group, cfg.Engine)
	registerChecks(group, cfg.Engine)
	registerViolations(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerResponses(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
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

// claimStatus maps claim outcomes onto HTTP: gone for alerts that closed
// without filling, conflict for everything else.
func claimStatus(code string) int {
	switch code {
	case "cancelled", "expired":
		return http.StatusGone
	}
	return http.StatusConflict
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
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	var ne auth.NotOwnerError
	if errors.As(err, &ne) {
		return newAPIError(http.StatusForbidden, "not_owner", err.Error(), map[string]any{"staff_id": ne.StaffID})
	}
	var ce *engine.ClaimError
	if errors.As(err, &ce) {
		code := engine.ClaimOutcome(ce)
		details := map[string]any{
			"alert_id":    ce.AlertID,
			"response_id": ce.ResponseID,
			"status":      ce.Status,
		}
		// A filled alert has no capacity left either.
		if code != "capacity_exceeded" && errors.Is(ce, engine.ErrCapacityExceeded) {
			details["secondary_code"] = "capacity_exceeded"
		}
		return newAPIError(claimStatus(code), code, err.Error(), details)
	}
	if errors.Is(err, engine.ErrDuplicateShift) {
		return newAPIError(http.StatusConflict, "duplicate_shift", err.Error(), nil)
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	if errors.Is(err, engine.ErrAlertExists) {
		return newAPIError(http.StatusConflict, "alert_exists", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrShiftStarted) {
		return newAPIError(http.StatusUnprocessableEntity, "shift_started", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "no longer"), strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "before"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusGone:
		return "gone"
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
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Rota API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({ url: %q, dom_id: "#swagger" });
    </script>
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

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List compliance rules",
	}, func(ctx context.Context, input *struct {
		Category   string `query:"category"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body ruleList `json:"body"`
	}, error) {
		items, err := e.Repo.ListRules(ctx, input.Category, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ruleList `json:"body"`
		}{Body: ruleList{Items: nonNilSlice(items)}}, nil
	})
}

func registerChecks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-checks",
		Method:      http.MethodPost,
		Path:        "/checks",
		Summary:     "Run compliance checks over a period",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RunChecksRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.BatchResult `json:"body"`
	}, error) {
		p, err := requireRole(ctx, auth.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		start, end, err := e.CheckPeriod(input.Body.Start, input.Body.End)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.RunChecks(ctx, engine.RunOptions{
			Start:    start,
			End:      end,
			Codes:    input.Body.Rules,
			Category: input.Body.Category,
			Resume:   input.Body.Resume,
			ActorID:  p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Runs = nonNilSlice(res.Runs)
		return &struct {
			Body engine.BatchResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-check-runs",
		Method:      http.MethodGet,
		Path:        "/checks",
		Summary:     "List check runs",
	}, func(ctx context.Context, input *struct {
		BatchID string `query:"batch_id"`
		Rule    string `query:"rule"`
		Status  string `query:"status" enum:"IN_PROGRESS,COMPLETED,FAILED"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body checkRunList `json:"body"`
	}, error) {
		items, err := e.Repo.ListCheckRuns(ctx, repo.CheckRunFilter{
			BatchID:  input.BatchID,
			RuleCode: input.Rule,
			Status:   input.Status,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body checkRunList `json:"body"`
		}{Body: checkRunList{Items: nonNilSlice(items)}}, nil
	})
}

func registerViolations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-violations",
		Method:      http.MethodGet,
		Path:        "/violations",
		Summary:     "List violations",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Rule       string `query:"rule"`
		StaffID    string `query:"staff_id"`
		CheckRunID string `query:"check_run_id"`
		From       string `query:"from" format:"date"`
		To         string `query:"to" format:"date"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body violationList `json:"body"`
	}, error) {
		items, err := e.ListViolations(ctx, repo.ViolationFilter{
			Status:     input.Status,
			RuleCode:   input.Rule,
			StaffID:    input.StaffID,
			CheckRunID: input.CheckRunID,
			From:       input.From,
			To:         input.To,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body violationList `json:"body"`
		}{Body: violationList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-violation",
		Method:      http.MethodPatch,
		Path:        "/violations/{id}",
		Summary:     "Move a violation along its status graph",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateViolationRequest `json:"body"`
	}) (*struct {
		Body domain.Violation `json:"body"`
	}, error) {
		p, err := requireRole(ctx, auth.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		note := ""
		if input.Body.Note != nil {
			note = *input.Body.Note
		}
		v, err := e.UpdateViolationStatus(ctx, input.ID, input.Body.Status, note, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Violation `json:"body"`
		}{Body: v}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List shortage alerts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"PENDING,FILLED,UNFILLED,CANCELLED"`
		Unit   string `query:"unit"`
		From   string `query:"from" format:"date"`
		To     string `query:"to" format:"date"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body alertList `json:"body"`
	}, error) {
		items, err := e.ListAlerts(ctx, repo.AlertFilter{
			Status: input.Status,
			Unit:   input.Unit,
			From:   input.From,
			To:     input.To,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body alertList `json:"body"`
		}{Body: alertList{Items: mapAlerts(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-alert",
		Method:        http.MethodPost,
		Path:          "/alerts",
		Summary:       "Open a shortage alert",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateAlertRequest `json:"body"`
	}) (*struct {
		Body AlertView `json:"body"`
	}, error) {
		p, err := requireRole(ctx, auth.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.CreateAlert(ctx, engine.AlertInput{
			Unit:          input.Body.Unit,
			ShiftDate:     input.Body.ShiftDate,
			ShiftType:     input.Body.ShiftType,
			RequiredStaff: input.Body.RequiredStaff,
			CurrentStaff:  input.Body.CurrentStaff,
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertView `json:"body"`
		}{Body: alertView(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-alerts",
		Method:      http.MethodPost,
		Path:        "/alerts/expire",
		Summary:     "Mark past-due pending alerts UNFILLED",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body alertList `json:"body"`
	}, error) {
		p, err := requireRole(ctx, auth.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		expired, err := e.ExpireAlerts(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body alertList `json:"body"`
		}{Body: alertList{Items: mapAlerts(expired)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-alert",
		Method:      http.MethodGet,
		Path:        "/alerts/{id}",
		Summary:     "Get an alert with its invitations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AlertDetailView `json:"body"`
	}, error) {
		d, err := e.GetAlert(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertDetailView `json:"body"`
		}{Body: AlertDetailView{
			AlertView: alertView(d.Alert),
			Responses:     nonNilSlice(d.Responses),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{id}/cancel",
		Summary:     "Cancel a pending alert",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CancelAlertRequest `json:"body" required:"false"`
	}) (*struct {
		Body AlertView `json:"body"`
	}, error) {
		p, err := requireRole(ctx, auth.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.CancelAlert(ctx, input.ID, input.Body.Reason, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertView `json:"body"`
		}{Body: alertView(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invite-staff",
		Method:      http.MethodPost,
		Path:        "/alerts/{id}/invitations",
		Summary:     "Invite staff to fill an alert",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body InviteRequest `json:"body" required:"false"`
	}) (*struct {
		Body responseList `json:"body"`
	}, error) {
		p, err := requireRole(ctx, auth.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		var invited []domain.AlertResponse
		if len(input.Body.StaffIDs) > 0 {
			invited, err = e.InviteStaff(ctx, input.ID, input.Body.StaffIDs, p.ActorID)
		} else {
			invited, err = e.InviteAvailable(ctx, input.ID, input.Body.Limit, p.ActorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body responseList `json:"body"`
		}{Body: responseList{Items: nonNilSlice(invited)}}, nil
	})
}

func registerResponses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-responses",
		Method:      http.MethodGet,
		Path:        "/me/responses",
		Summary:     "List the caller's invitations",
	}, func(ctx context.Context, input *struct {
		Response string `query:"response" enum:"PENDING,ACCEPTED,DECLINED,NO_RESPONSE"`
	}) (*struct {
		Body responseList `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ResponsesForStaff(ctx, p.ActorID, input.Response)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body responseList `json:"body"`
		}{Body: responseList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-response",
		Method:      http.MethodPost,
		Path:        "/responses/{id}/accept",
		Summary:     "Accept an invitation and claim the shift",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AcceptResponse `json:"body"`
	}, error) {
		p, err := requireOwnResponse(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		shift, err := e.AcceptShift(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptResponse `json:"body"`
		}{Body: AcceptResponse{Shift: shift}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-response",
		Method:      http.MethodPost,
		Path:        "/responses/{id}/decline",
		Summary:     "Decline an invitation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.AlertResponse `json:"body"`
	}, error) {
		p, err := requireOwnResponse(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ar, err := e.DeclineResponse(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AlertResponse `json:"body"`
		}{Body: ar}, nil
	})
}

func requireOwnResponse(ctx context.Context, e engine.Engine, responseID string) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	ar, err := e.Repo.GetResponse(ctx, nil, responseID)
	if err != nil {
		return Principal{}, err
	}
	if err := auth.RequireOwner(p.ActorID, p.Roles, ar.StaffID); err != nil {
		return Principal{}, err
	}
	return p, nil
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, auth.RoleManager); err != nil {
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
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Describe the authenticated caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: p.ActorID,
			Roles:   nonNilSlice(p.Roles),
			Source:  p.Source,
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
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
