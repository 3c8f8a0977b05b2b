package server

import (
	"cropmind/internal/domain"
	"cropmind/internal/engine"
	"cropmind/internal/lifecycle"
	"cropmind/internal/weather"
)

// Request payloads

type LoginRequest struct {
	Email string `json:"email" example:"farmer@example.com"`
	Name  string `json:"name,omitempty"`
	UID   string `json:"uid,omitempty" doc:"Identity provider uid; accepted and ignored"`
}

type OnboardingRequest struct {
	UserEmail         string   `json:"user_email,omitempty" doc:"Must match the authenticated user when both are present"`
	Crop              string   `json:"crop" example:"Wheat"`
	SowingDate        string   `json:"sowing_date" format:"date" example:"2024-11-01"`
	State             string   `json:"state"`
	District          string   `json:"district"`
	Village           string   `json:"village"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	PreferredLanguage string   `json:"preferred_language,omitempty"`
}

type ChatRequest struct {
	UserEmail string `json:"user_email,omitempty"`
	Question  string `json:"question" minLength:"1"`
}

type ProfileUpdateRequest struct {
	Name              *string `json:"name,omitempty"`
	PreferredLanguage *string `json:"preferred_language,omitempty"`
	State             *string `json:"state,omitempty"`
	District          *string `json:"district,omitempty"`
	Village           *string `json:"village,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status  string `json:"status" example:"ok"`
	Message string `json:"message"`
}

type LoginResponse struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Created   bool   `json:"created"`
	Token     string `json:"token"`
	TokenType string `json:"token_type" example:"bearer"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type StageResponse struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	StartDay    int    `json:"start_day"`
	EndDay      int    `json:"end_day"`
	Description string `json:"description,omitempty"`
}

type CropResponse struct {
	Name      string          `json:"name"`
	TotalDays int             `json:"total_days"`
	Stages    []StageResponse `json:"stages"`
}

type OnboardingResponse struct {
	Message      string `json:"message"`
	FarmID       string `json:"farm_id"`
	CurrentStage string `json:"current_stage"`
	DayCount     int    `json:"day_count"`
}

type SummaryResponse struct {
	CurrentStage       string  `json:"current_stage"`
	DayCount           int     `json:"day_count"`
	TodayAction        string  `json:"today_action"`
	WeatherSummary     string  `json:"weather_summary"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

type UserInfoResponse struct {
	Name              string  `json:"name"`
	Email             string  `json:"email"`
	CropType          *string `json:"crop_type"`
	HasFarmProfile    bool    `json:"has_farm_profile"`
	PreferredLanguage string  `json:"preferred_language"`
}

type TimelineStageResponse struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Status      string `json:"status" enum:"completed,current,upcoming"`
	Date        string `json:"date"`
	Description string `json:"description,omitempty"`
}

type LifecycleResponse struct {
	Crop               string                  `json:"crop"`
	SowingDate         string                  `json:"sowing_date" format:"date"`
	DayCount           int                     `json:"day_count"`
	CurrentStage       string                  `json:"current_stage"`
	TotalDays          int                     `json:"total_days"`
	ProgressPercentage float64                 `json:"progress_percentage"`
	Timeline           []TimelineStageResponse `json:"timeline"`
	History            []string                `json:"history"`
}

type ChatResponse struct {
	Answer          string   `json:"answer"`
	Stage           string   `json:"stage"`
	ActionableSteps []string `json:"actionable_steps"`
}

type ProfileResponse struct {
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	PreferredLanguage string   `json:"preferred_language"`
	Phone             *string  `json:"phone"`
	HasFarmProfile    bool     `json:"has_farm_profile"`
	Crop              *string  `json:"crop"`
	SowingDate        *string  `json:"sowing_date"`
	State             *string  `json:"state"`
	District          *string  `json:"district"`
	Village           *string  `json:"village"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
}

type ProfileUpdateResponse struct {
	Message string          `json:"message"`
	Profile ProfileResponse `json:"profile"`
}

type AlertResponse = domain.Alert

type WeatherResponse = weather.Report

func cropResponse(c lifecycle.Crop) CropResponse {
	out := CropResponse{Name: c.Name, TotalDays: c.TotalDays, Stages: make([]StageResponse, 0, len(c.Stages))}
	for _, s := range c.Stages {
		out.Stages = append(out.Stages, StageResponse{
			ID:          s.ID,
			Label:       s.Label,
			StartDay:    s.StartDay,
			EndDay:      s.EndDay,
			Description: s.Description,
		})
	}
	return out
}

func lifecycleResponse(st engine.LifecycleStatus) LifecycleResponse {
	snap := st.Snapshot
	out := LifecycleResponse{
		Crop:               st.Crop,
		SowingDate:         st.SowingDate,
		DayCount:           snap.DayCount,
		CurrentStage:       snap.CurrentLabel(),
		TotalDays:          snap.TotalDays,
		ProgressPercentage: snap.Progress,
		Timeline:           make([]TimelineStageResponse, 0, len(snap.Timeline)),
		History:            nonNilSlice(st.History),
	}
	for _, entry := range snap.Timeline {
		out.Timeline = append(out.Timeline, TimelineStageResponse{
			ID:          entry.Stage.ID,
			Label:       entry.Stage.Label,
			Status:      string(entry.Status),
			Date:        entry.Date,
			Description: entry.Stage.Description,
		})
	}
	return out
}

func profileResponse(p engine.Profile, defaultName, defaultLanguage string) ProfileResponse {
	out := ProfileResponse{
		Email:             p.User.Email,
		Name:              p.User.Name,
		PreferredLanguage: p.User.PreferredLanguage,
		HasFarmProfile:    p.HasFarmProfile,
	}
	if out.Name == "" {
		out.Name = defaultName
	}
	if out.PreferredLanguage == "" {
		out.PreferredLanguage = defaultLanguage
	}
	if p.HasFarmProfile {
		f := p.Farm
		out.Crop = &f.CropType
		out.SowingDate = &f.SowingDate
		out.State = &f.State
		out.District = &f.District
		out.Village = &f.Village
		out.Latitude = f.Latitude
		out.Longitude = f.Longitude
	}
	return out
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
