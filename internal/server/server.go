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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"cropmind/internal/advisor"
	"cropmind/internal/domain"
	"cropmind/internal/engine"
	"cropmind/internal/lifecycle"
	"cropmind/internal/metrics"
	"cropmind/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	BasePath       string
	Auth           AuthConfig
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	CORSOrigins    []string
	WelcomeMessage string
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_crop_type"`
	Message string         `json:"message" example:"crop type \"Barley\" not found in configuration"`
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

// New returns an HTTP handler exposing the CropMind API.
func New(cfg Config) (http.Handler, error) {
	basePath := strings.TrimRight(strings.TrimSpace(cfg.BasePath), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(middleware.RequestID, middleware.RealIP)
	router.Use(accessLog(cfg.logger()))
	router.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Middleware)
	}
	router.Use(middleware.StripSlashes)
	router.Use(cors(cfg.CORSOrigins))
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

	hcfg := huma.DefaultConfig("CropMind API", "1.0.0")
	hcfg.OpenAPIPath = "" // served below with security applied
	hcfg.DocsPath = ""    // custom Swagger UI below
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	registerDocs(router, basePath)
	registerHealth(group, cfg.WelcomeMessage)
	registerAuth(group, cfg)
	registerCrops(group, cfg.Engine)
	registerOnboarding(group, cfg)
	registerDashboard(group, cfg)
	registerLifecycle(group, cfg)
	registerChat(group, cfg)
	registerAlerts(group, cfg)
	registerProfile(group, cfg)
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

func handleError(log *zap.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ie *engine.InputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ie.Field})
	}
	var ue *lifecycle.UnknownCropError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadRequest, "unknown_crop_type", err.Error(), map[string]any{
			"crop_type": ue.CropType,
			"available": ue.Available,
		})
	}
	if errors.Is(err, lifecycle.ErrUnknownCropType) {
		return newAPIError(http.StatusBadRequest, "unknown_crop_type", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoFarmProfile) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "user not found", nil)
	}
	if errors.Is(err, advisor.ErrUpstream) {
		log.Error("advice provider failed", zap.Error(err))
		return newAPIError(http.StatusBadGateway, "upstream_error", "advice provider unavailable, try again later", nil)
	}
	log.Error("request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", metrics.RoutePattern(r)),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// cors allows the configured browser origins. "*" allows any origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !(allowed["*"] || allowed[origin]) {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
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
	specPath := path.Join("/", basePath, "openapi.json")
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
		for _, op := range operations(item) {
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
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CropMind API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; from POST /auth/login.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, welcome string) {
	if welcome == "" {
		welcome = "CropMind AI API is online"
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Message: welcome}}, nil
	})
}

func registerAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Find or create a user and mint a bearer token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, created, err := cfg.Engine.Login(ctx, engine.LoginInput{Email: input.Body.Email, Name: input.Body.Name})
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		token, expires, err := cfg.Auth.Tokens.Issue(u.Email, u.Name)
		if err != nil {
			return nil, handleError(cfg.logger(), fmt.Errorf("issue token: %w", err))
		}
		msg := "Login successful"
		if created {
			msg = "User created successfully"
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{
			Message:   msg,
			UserID:    u.ID,
			Email:     u.Email,
			Name:      u.Name,
			Created:   created,
			Token:     token,
			TokenType: "bearer",
			ExpiresAt: domain.FormatTime(expires),
		}}, nil
	})
}

func registerCrops(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-crops",
		Method:      http.MethodGet,
		Path:        "/crops",
		Summary:     "Supported crops and their stages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CropResponse `json:"body"`
	}, error) {
		crops := e.Catalog.Crops()
		out := make([]CropResponse, 0, len(crops))
		for _, c := range crops {
			out = append(out, cropResponse(c))
		}
		return &struct {
			Body []CropResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerOnboarding(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "onboarding-setup",
		Method:        http.MethodPost,
		Path:          "/onboarding/setup",
		Summary:       "Create or replace the caller's farm profile",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body OnboardingRequest `json:"body"`
	}) (*struct {
		Body OnboardingResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, input.Body.UserEmail, cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		res, err := cfg.Engine.Onboard(ctx, engine.OnboardInput{
			Email:             email,
			Crop:              b.Crop,
			SowingDate:        b.SowingDate,
			State:             b.State,
			District:          b.District,
			Village:           b.Village,
			Latitude:          b.Latitude,
			Longitude:         b.Longitude,
			PreferredLanguage: b.PreferredLanguage,
		})
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		return &struct {
			Body OnboardingResponse `json:"body"`
		}{Body: OnboardingResponse{
			Message:      "Onboarding completed successfully",
			FarmID:       res.FarmID,
			CurrentStage: res.Stage,
			DayCount:     res.DayCount,
		}}, nil
	})
}

func registerDashboard(api huma.API, cfg Config) {
	farmErrors := []int{http.StatusUnauthorized, http.StatusNotFound}

	huma.Register(api, huma.Operation{
		OperationID: "dashboard-summary",
		Method:      http.MethodGet,
		Path:        "/dashboard/summary",
		Summary:     "Today's stage, advice and weather",
		Errors:      append(farmErrors, http.StatusBadGateway),
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, "", cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		s, err := cfg.Engine.DashboardSummary(ctx, email)
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{
			CurrentStage:       s.CurrentStage,
			DayCount:           s.DayCount,
			TodayAction:        s.TodayAction,
			WeatherSummary:     s.WeatherSummary,
			ProgressPercentage: s.Progress,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard-weather",
		Method:      http.MethodGet,
		Path:        "/dashboard/weather",
		Summary:     "Current weather at the farm",
		Errors:      farmErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WeatherResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, "", cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		report, err := cfg.Engine.CurrentWeather(ctx, email)
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		return &struct {
			Body WeatherResponse `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard-user-info",
		Method:      http.MethodGet,
		Path:        "/dashboard/user-info",
		Summary:     "Caller name, crop and language",
		Errors:      farmErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserInfoResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, "", cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		info, err := cfg.Engine.UserInfo(ctx, email)
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		out := UserInfoResponse{
			Name:              info.Name,
			Email:             info.Email,
			HasFarmProfile:    info.HasFarmProfile,
			PreferredLanguage: info.PreferredLanguage,
		}
		if info.CropType != "" {
			out.CropType = &info.CropType
		}
		return &struct {
			Body UserInfoResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerLifecycle(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "lifecycle-status",
		Method:      http.MethodGet,
		Path:        "/lifecycle/status",
		Summary:     "Stage timeline and recent advice",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LifecycleResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, "", cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		st, err := cfg.Engine.LifecycleStatus(ctx, email)
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		return &struct {
			Body LifecycleResponse `json:"body"`
		}{Body: lifecycleResponse(st)}, nil
	})
}

func registerChat(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "chat-query",
		Method:      http.MethodPost,
		Path:        "/chat/query",
		Summary:     "Ask a question about the farm",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, input.Body.UserEmail, cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		ans, err := cfg.Engine.Chat(ctx, email, input.Body.Question)
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{Answer: ans.Answer, Stage: ans.Stage, ActionableSteps: nonNilSlice(ans.Steps)}}, nil
	})
}

func registerAlerts(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "Farm alerts, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AlertResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, "", cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Engine.ListAlerts(ctx, email)
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		return &struct {
			Body []AlertResponse `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerProfile(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/user/profile",
		Summary:     "Caller profile and farm location",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, "", cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Profile(ctx, email)
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p, e.DefaultName(), e.DefaultLanguage())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPut,
		Path:        "/user/profile",
		Summary:     "Partially update the caller profile",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ProfileUpdateRequest `json:"body"`
	}) (*struct {
		Body ProfileUpdateResponse `json:"body"`
	}, error) {
		email, authErr := callerEmail(ctx, "", cfg.Auth.AllowEmailQuery)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		p, err := e.UpdateProfile(ctx, email, engine.ProfileUpdate{
			Name:              b.Name,
			PreferredLanguage: b.PreferredLanguage,
			State:             b.State,
			District:          b.District,
			Village:           b.Village,
		})
		if err != nil {
			return nil, handleError(cfg.logger(), err)
		}
		return &struct {
			Body ProfileUpdateResponse `json:"body"`
		}{Body: ProfileUpdateResponse{
			Message: "Profile updated successfully",
			Profile: profileResponse(p, e.DefaultName(), e.DefaultLanguage()),
		}}, nil
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
