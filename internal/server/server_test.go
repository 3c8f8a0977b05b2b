package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"cropmind/internal/advisor"
	"cropmind/internal/auth"
	"cropmind/internal/config"
	"cropmind/internal/db"
	"cropmind/internal/engine"
	"cropmind/internal/lifecycle"
	"cropmind/internal/metrics"
	"cropmind/internal/migrate"
	"cropmind/internal/repo"
	cropmindsdk "cropmind/sdk/go"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Tokens auth.Tokens
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "cropmind.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	catalog, err := lifecycle.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	e := engine.New(conn, config.Default(), catalog)
	var mu sync.Mutex
	clock := time.Date(2024, 12, 16, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return e
}

func newTestServer(t *testing.T, allowEmailQuery bool) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t)
	tokens := auth.Tokens{Secret: "test-secret", TTL: time.Hour}
	handler, err := New(Config{
		Engine:      e,
		Auth:        AuthConfig{Tokens: tokens, AllowEmailQuery: allowEmailQuery},
		Metrics:     metrics.New(),
		CORSOrigins: []string{"http://localhost:3000"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Tokens: tokens,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(t *testing.T, tokens auth.Tokens, email string) map[string]string {
	t.Helper()
	token, _, err := tokens.Issue(email, "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code, env.Error.Details
}

func TestFarmJourneyThroughSDK(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	c := cropmindsdk.New(srv.URL)

	crops, err := c.Crops(ctx)
	if err != nil {
		t.Fatalf("crops: %v", err)
	}
	if len(crops) == 0 || len(crops[0].Stages) == 0 {
		t.Fatalf("expected crops with stages, got %+v", crops)
	}

	session, err := c.Login(ctx, "asha@example.com", "Asha")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !session.Created || session.Token == "" || session.TokenType != "bearer" {
		t.Fatalf("unexpected session %+v", session)
	}

	onboarded, err := c.Onboard(ctx, cropmindsdk.Onboarding{
		Crop: "Wheat", SowingDate: "2024-11-01",
		State: "Maharashtra", District: "Pune", Village: "Wagholi",
	})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if onboarded.FarmID == "" || onboarded.CurrentStage != "Vegetative" || onboarded.DayCount != 45 {
		t.Fatalf("unexpected onboarding %+v", onboarded)
	}

	summary, err := c.DashboardSummary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.CurrentStage != "Vegetative" || summary.DayCount != 45 || !strings.Contains(summary.TodayAction, "ACTION:") {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.ProgressPercentage != 37.5 {
		t.Fatalf("expected 37.5%% progress, got %v", summary.ProgressPercentage)
	}

	status, err := c.LifecycleStatus(ctx)
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	if status.Crop != "wheat" || status.TotalDays != 120 || len(status.Timeline) != 5 {
		t.Fatalf("unexpected lifecycle %+v", status)
	}
	if status.Timeline[2].Status != "current" || len(status.History) != 1 {
		t.Fatalf("expected current vegetative stage and one history entry, got %+v", status)
	}

	items, err := c.Alerts(ctx)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	found := false
	for _, a := range items {
		if a.Type == "Stage" && strings.Contains(a.Message, "Vegetative") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a stage alert, got %+v", items)
	}

	answer, err := c.Ask(ctx, "Should I irrigate today?")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if answer.Stage != "Vegetative" || len(answer.ActionableSteps) == 0 {
		t.Fatalf("unexpected chat answer %+v", answer)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/dashboard/summary", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code, _ := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/dashboard/summary", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
	if code, _ := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials code, got %s", code)
	}

	// The email query parameter is ignored unless enabled.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/dashboard/user-info?email=asha@example.com", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for legacy email query, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"ok"`) {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestUnknownCropIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	headers := bearer(t, srv.Tokens, "ravi@example.com")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/onboarding/setup", map[string]any{
		"crop": "Barley", "sowing_date": "2024-11-01",
		"state": "Punjab", "district": "Ludhiana", "village": "Khanna",
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	code, details := errorCode(t, data)
	if code != "unknown_crop_type" {
		t.Fatalf("expected unknown_crop_type, got %s", code)
	}
	if available, ok := details["available"].([]any); !ok || len(available) == 0 {
		t.Fatalf("expected available crops in details, got %+v", details)
	}
}

func TestMissingFarmIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	headers := bearer(t, srv.Tokens, "nofarm@example.com")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/lifecycle/status", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d %s", res.StatusCode, string(data))
	}

	if _, _, err := srv.Engine.Login(context.Background(), engine.LoginInput{Email: "nofarm@example.com"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/dashboard/summary", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without farm, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/alerts/", nil, headers)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty alert list, got %d %s", res.StatusCode, string(data))
	}
}

func TestLegacyEmailIdentity(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/onboarding/setup", map[string]any{
		"user_email": "meena@example.com", "crop": "Rice", "sowing_date": "2024-12-01",
		"state": "Kerala", "district": "Palakkad", "village": "Alathur",
		"preferred_language": "Malayalam",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("onboard status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/dashboard/user-info?email=meena@example.com", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("user-info status %d: %s", res.StatusCode, string(data))
	}
	var info UserInfoResponse
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.Name != "Farmer" || !info.HasFarmProfile || info.CropType == nil || *info.CropType != "rice" || info.PreferredLanguage != "Malayalam" {
		t.Fatalf("unexpected user info %+v", info)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/dashboard/summary", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without any identity, got %d %s", res.StatusCode, string(data))
	}
}

func TestBodyEmailMustMatchToken(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	headers := bearer(t, srv.Tokens, "asha@example.com")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/chat/query", map[string]any{
		"user_email": "someone-else@example.com",
		"question":   "What now?",
	}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestProfileRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	headers := bearer(t, srv.Tokens, "asha@example.com")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/onboarding/setup", map[string]any{
		"crop": "Cotton", "sowing_date": "2024-10-01",
		"state": "Gujarat", "district": "Rajkot", "village": "Gondal",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("onboard status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/user/profile", map[string]any{
		"name": "Asha Patel", "preferred_language": "Gujarati", "village": "Jetpur",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/user/profile", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("profile status %d: %s", res.StatusCode, string(data))
	}
	var p ProfileResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Name != "Asha Patel" || p.PreferredLanguage != "Gujarati" || p.Village == nil || *p.Village != "Jetpur" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.Crop == nil || *p.Crop != "cotton" || p.District == nil || *p.District != "Rajkot" {
		t.Fatalf("farm fields lost: %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/user/profile", map[string]any{"preferred_language": "  "}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank language, got %d %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIMetricsAndCORS(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var oas struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if sec := oas.Paths["/health"]["get"].Security; len(sec) != 0 {
		t.Fatalf("health should be public, got %+v", sec)
	}
	if sec := oas.Paths["/dashboard/summary"]["get"].Security; len(sec) != 1 {
		t.Fatalf("summary should require bearer auth, got %+v", sec)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "cropmind_http_requests_total") {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodOptions, srv.URL+"/dashboard/summary", nil, map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "GET",
	})
	if res.StatusCode != http.StatusNoContent || res.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("preflight: %d %v", res.StatusCode, res.Header)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, map[string]string{"Origin": "http://evil.example"})
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected CORS header for unknown origin")
	}
}

type capturedDelivery struct {
	header http.Header
	body   []byte
}

func TestAlertDispatcherDeliversNewAlerts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	var mu sync.Mutex
	var got []capturedDelivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, capturedDelivery{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	onboard := func(email string) {
		t.Helper()
		if _, err := e.Onboard(ctx, engine.OnboardInput{
			Email: email, Crop: "Wheat", SowingDate: "2024-11-01",
			State: "Punjab", District: "Ludhiana", Village: "Khanna",
		}); err != nil {
			t.Fatalf("onboard %s: %v", email, err)
		}
	}

	onboard("before@example.com")
	d := newAlertDispatcher(e.Repo, []config.WebhookConfig{
		{URL: hook.URL, Types: []string{"stage"}, Secret: "s3cret"},
		{URL: hook.URL, Types: []string{"Weather"}},
	}, nil)
	d.dispatchAll(ctx)
	if len(got) != 0 {
		t.Fatalf("existing alerts must not be delivered, got %d", len(got))
	}

	onboard("after@example.com")
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
	if got[0].header.Get("X-CropMind-Alert") != "Stage" || got[0].header.Get("X-CropMind-Secret") != "s3cret" {
		t.Fatalf("unexpected headers %v", got[0].header)
	}
	var alert AlertResponse
	if err := json.Unmarshal(got[0].body, &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if alert.ID != got[0].header.Get("X-CropMind-Delivery") || !strings.Contains(alert.Message, "wheat") {
		t.Fatalf("unexpected alert %+v", alert)
	}
}

func TestAlertDispatcherRetriesFailedDelivery(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	var mu sync.Mutex
	fail := true
	delivered := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		delivered++
	}))
	defer hook.Close()

	d := newAlertDispatcher(e.Repo, []config.WebhookConfig{{URL: hook.URL}}, nil)
	d.dispatchAll(ctx)
	if _, err := e.Onboard(ctx, engine.OnboardInput{
		Email: "retry@example.com", Crop: "Wheat", SowingDate: "2024-11-01",
		State: "Punjab", District: "Ludhiana", Village: "Khanna",
	}); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	fail = false
	mu.Unlock()
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected the failed alert to be redelivered once, got %d", delivered)
	}
}

func TestAlertDispatcherStopsOnCancel(t *testing.T) {
	e := newTestEngine(t)
	opts := goleak.IgnoreCurrent()
	ctx, cancel := context.WithCancel(context.Background())
	StartAlertDispatcher(ctx, e.Repo, []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook"}}, nil)
	cancel()
	goleak.VerifyNone(t, opts)
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&engine.InputError{Field: "sowing_date", Reason: "must be YYYY-MM-DD"}, http.StatusBadRequest, "bad_request"},
		{&lifecycle.UnknownCropError{CropType: "Barley", Available: []string{"Wheat"}}, http.StatusBadRequest, "unknown_crop_type"},
		{engine.ErrNoFarmProfile, http.StatusNotFound, "not_found"},
		{fmt.Errorf("load user: %w", repo.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: plan: timeout", advisor.ErrUpstream), http.StatusBadGateway, "upstream_error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		se := handleError(zap.NewNop(), tc.err)
		ae, ok := se.(*apiError)
		if !ok {
			t.Fatalf("expected *apiError for %v", tc.err)
		}
		if ae.GetStatus() != tc.status || ae.Body.Code != tc.code {
			t.Fatalf("%v: got %d %s", tc.err, ae.GetStatus(), ae.Body.Code)
		}
	}
}
