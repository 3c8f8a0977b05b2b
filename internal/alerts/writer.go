package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"cropmind/internal/domain"
	"cropmind/internal/repo"
)

// Writer records farm alerts, usually inside the caller's transaction.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (w Writer) Append(ctx context.Context, q sqlx.ExtContext, farmID, alertType, severity, message string) (domain.Alert, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if !validType(alertType) {
		return domain.Alert{}, fmt.Errorf("unknown alert type %q", alertType)
	}
	if !validSeverity(severity) {
		return domain.Alert{}, fmt.Errorf("unknown alert severity %q", severity)
	}
	a := domain.Alert{
		ID:        uuid.NewString(),
		FarmID:    farmID,
		Type:      alertType,
		Message:   strings.TrimSpace(message),
		Severity:  severity,
		CreatedAt: domain.FormatTime(w.Now()),
	}
	if err := w.Repo.InsertAlert(ctx, q, a); err != nil {
		return domain.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return a, nil
}

// StageChanged records the transition into a new stage.
func (w Writer) StageChanged(ctx context.Context, q sqlx.ExtContext, farmID, cropType, stage string) (domain.Alert, error) {
	msg := fmt.Sprintf("Your %s crop has entered the %s stage.", cropType, stage)
	return w.Append(ctx, q, farmID, domain.AlertStage, domain.SeverityInfo, msg)
}

// WeatherSeverity grades a weather alert message.
func WeatherSeverity(message string) string {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "heavy rain") || strings.Contains(lower, "extreme heat") || strings.Contains(lower, "frost") {
		return domain.SeverityCritical
	}
	return domain.SeverityWarning
}

func validType(t string) bool {
	switch t {
	case domain.AlertWeather, domain.AlertPest, domain.AlertStage:
		return true
	}
	return false
}

func validSeverity(s string) bool {
	switch s {
	case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
		return true
	}
	return false
}
