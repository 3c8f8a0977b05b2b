package cropmindsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal CropMind HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Session is the login response.
type Session struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Created   bool   `json:"created"`
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresAt string `json:"expires_at"`
}

type Stage struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	StartDay    int    `json:"start_day"`
	EndDay      int    `json:"end_day"`
	Description string `json:"description,omitempty"`
}

type Crop struct {
	Name      string  `json:"name"`
	TotalDays int     `json:"total_days"`
	Stages    []Stage `json:"stages"`
}

// Onboarding is the farm setup payload.
type Onboarding struct {
	Crop              string   `json:"crop"`
	SowingDate        string   `json:"sowing_date"`
	State             string   `json:"state"`
	District          string   `json:"district"`
	Village           string   `json:"village"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	PreferredLanguage string   `json:"preferred_language,omitempty"`
}

type OnboardingResult struct {
	Message      string `json:"message"`
	FarmID       string `json:"farm_id"`
	CurrentStage string `json:"current_stage"`
	DayCount     int    `json:"day_count"`
}

type Summary struct {
	CurrentStage       string  `json:"current_stage"`
	DayCount           int     `json:"day_count"`
	TodayAction        string  `json:"today_action"`
	WeatherSummary     string  `json:"weather_summary"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

type TimelineStage struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Status      string `json:"status"`
	Date        string `json:"date"`
	Description string `json:"description,omitempty"`
}

type Lifecycle struct {
	Crop               string          `json:"crop"`
	SowingDate         string          `json:"sowing_date"`
	DayCount           int             `json:"day_count"`
	CurrentStage       string          `json:"current_stage"`
	TotalDays          int             `json:"total_days"`
	ProgressPercentage float64         `json:"progress_percentage"`
	Timeline           []TimelineStage `json:"timeline"`
	History            []string        `json:"history"`
}

type Alert struct {
	ID        string `json:"id"`
	FarmID    string `json:"farm_id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	CreatedAt string `json:"created_at"`
}

type ChatAnswer struct {
	Answer          string   `json:"answer"`
	Stage           string   `json:"stage"`
	ActionableSteps []string `json:"actionable_steps"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login finds or creates the user and stores the returned bearer token on
// the client.
func (c *Client) Login(ctx context.Context, email, name string) (Session, error) {
	body := map[string]any{"email": email}
	if name != "" {
		body["name"] = name
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// Crops lists the supported crops.
func (c *Client) Crops(ctx context.Context) ([]Crop, error) {
	var resp []Crop
	err := c.do(ctx, http.MethodGet, "crops", nil, &resp)
	return resp, err
}

// Onboard creates or replaces the caller's farm.
func (c *Client) Onboard(ctx context.Context, in Onboarding) (OnboardingResult, error) {
	var resp OnboardingResult
	err := c.do(ctx, http.MethodPost, "onboarding/setup", in, &resp)
	return resp, err
}

// DashboardSummary returns today's advice for the caller's farm.
func (c *Client) DashboardSummary(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "dashboard/summary", nil, &resp)
	return resp, err
}

// LifecycleStatus returns the stage timeline.
func (c *Client) LifecycleStatus(ctx context.Context) (Lifecycle, error) {
	var resp Lifecycle
	err := c.do(ctx, http.MethodGet, "lifecycle/status", nil, &resp)
	return resp, err
}

// Alerts returns farm alerts, newest first.
func (c *Client) Alerts(ctx context.Context) ([]Alert, error) {
	var resp []Alert
	err := c.do(ctx, http.MethodGet, "alerts", nil, &resp)
	return resp, err
}

// Ask sends a chat question.
func (c *Client) Ask(ctx context.Context, question string) (ChatAnswer, error) {
	var resp ChatAnswer
	err := c.do(ctx, http.MethodPost, "chat/query", map[string]any{"question": question}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
