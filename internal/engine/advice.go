package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cropmind/internal/advisor"
	"cropmind/internal/alerts"
	"cropmind/internal/domain"
	"cropmind/internal/knowledge"
	"cropmind/internal/lifecycle"
	"cropmind/internal/repo"
	"cropmind/internal/weather"
)

const historyLimit = 5

type Summary struct {
	CurrentStage   string
	DayCount       int
	TodayAction    string
	WeatherSummary string
	Progress       float64
	Weather        weather.Report
}

type farmContext struct {
	report    weather.Report
	knowledge string
}

// gather reads weather and knowledge concurrently.
func (e Engine) gather(ctx context.Context, f domain.FarmProfile, q knowledge.Query) (farmContext, error) {
	var out farmContext
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out.report = e.Weather.Current(gctx, farmLocation(f))
		return nil
	})
	g.Go(func() error {
		text, err := e.Knowledge.Retrieve(gctx, q)
		if err != nil {
			return fmt.Errorf("knowledge: %w", err)
		}
		out.knowledge = text
		return nil
	})
	return out, g.Wait()
}

func shortWeather(r weather.Report) string {
	return fmt.Sprintf("%s, %.1f°C", r.Condition, r.Temperature)
}

// DashboardSummary plans today's action and records it with the farm state.
func (e Engine) DashboardSummary(ctx context.Context, email string) (Summary, error) {
	u, f, err := e.userFarm(ctx, email)
	if err != nil {
		return Summary{}, err
	}
	snap, err := e.snapshot(f)
	if err != nil {
		return Summary{}, err
	}
	stage := snap.CurrentLabel()
	gathered, err := e.gather(ctx, f, knowledge.Query{Crop: f.CropType, Stage: stage})
	if err != nil {
		return Summary{}, err
	}
	weatherCtx := gathered.report.Summary()
	raw, err := e.Advisor.PlanAction(ctx, advisor.PlanInput{
		Crop:      f.CropType,
		Stage:     stage,
		Weather:   weatherCtx,
		Knowledge: gathered.knowledge,
	})
	if err != nil {
		return Summary{}, err
	}
	final, err := e.Advisor.Translate(ctx, raw, u.PreferredLanguage)
	if err != nil {
		return Summary{}, err
	}

	var recorded []domain.Alert
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		ts := domain.FormatTime(e.now())
		if err := e.Repo.InsertAdvice(ctx, tx, domain.AdviceRecord{
			ID:             uuid.NewString(),
			FarmID:         f.ID,
			Recommendation: final,
			StageAtTime:    stage,
			WeatherSummary: shortWeather(gathered.report),
			CreatedAt:      ts,
		}); err != nil {
			return fmt.Errorf("store advice: %w", err)
		}
		prev, err := e.Repo.GetFarmStateTx(ctx, tx, f.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if snap.Current != nil && prev.CurrentStage != stage {
			a, err := e.writer().StageChanged(ctx, tx, f.ID, f.CropType, stage)
			if err != nil {
				return err
			}
			recorded = append(recorded, a)
		}
		if err := e.Repo.UpsertFarmState(ctx, tx, domain.FarmState{
			FarmID:       f.ID,
			CurrentStage: stage,
			DayCount:     snap.DayCount,
			LastAction:   final,
			UpdatedAt:    ts,
		}); err != nil {
			return fmt.Errorf("store farm state: %w", err)
		}
		a, ok, err := e.recordWeatherAlert(ctx, tx, f.ID, gathered.report)
		if err != nil {
			return err
		}
		if ok {
			recorded = append(recorded, a)
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	for _, a := range recorded {
		e.countAlert(a)
	}
	if e.Metrics != nil {
		e.Metrics.Advice.WithLabelValues(stage).Inc()
	}
	e.logger().Info("advice generated",
		zap.String("farm_id", f.ID), zap.String("stage", stage), zap.Int("day_count", snap.DayCount),
		zap.Bool("llm", e.Advisor.Enabled()), zap.Bool("mock_weather", gathered.report.Mock))
	return Summary{
		CurrentStage:   stage,
		DayCount:       snap.DayCount,
		TodayAction:    final,
		WeatherSummary: fmt.Sprintf("%s - %.1f°C", gathered.report.Condition, gathered.report.Temperature),
		Progress:       snap.Progress,
		Weather:        gathered.report,
	}, nil
}

// recordWeatherAlert stores the report's alert unless the same message was
// already raised for the farm today.
func (e Engine) recordWeatherAlert(ctx context.Context, tx *sqlx.Tx, farmID string, r weather.Report) (domain.Alert, bool, error) {
	msg := strings.TrimSpace(r.Alert)
	if msg == "" {
		return domain.Alert{}, false, nil
	}
	last, err := e.Repo.LatestAlert(ctx, tx, farmID, domain.AlertWeather)
	switch {
	case err == nil:
		if last.Message == msg && sameDay(last.CreatedAt, e.now()) {
			return domain.Alert{}, false, nil
		}
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Alert{}, false, err
	}
	a, err := e.writer().Append(ctx, tx, farmID, domain.AlertWeather, alerts.WeatherSeverity(msg), msg)
	if err != nil {
		return domain.Alert{}, false, err
	}
	return a, true, nil
}

func sameDay(stored string, now time.Time) bool {
	t, err := time.Parse(domain.TimeLayout, stored)
	if err != nil {
		return false
	}
	n := now.UTC()
	return t.Year() == n.Year() && t.YearDay() == n.YearDay()
}

type ChatAnswer struct {
	Answer string
	Stage  string
	Steps  []string
}

// Chat answers a free-form question in the context of the farm.
func (e Engine) Chat(ctx context.Context, email, question string) (ChatAnswer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return ChatAnswer{}, &InputError{Field: "question", Reason: "is required"}
	}
	u, f, err := e.userFarm(ctx, email)
	if err != nil {
		return ChatAnswer{}, err
	}
	snap, err := e.snapshot(f)
	if err != nil {
		return ChatAnswer{}, err
	}
	stage := snap.CurrentLabel()
	gathered, err := e.gather(ctx, f, knowledge.Query{Crop: f.CropType, Stage: stage, Question: question})
	if err != nil {
		return ChatAnswer{}, err
	}
	raw, err := e.Advisor.PlanAction(ctx, advisor.PlanInput{
		Crop:      f.CropType,
		Stage:     stage,
		Weather:   gathered.report.Summary(),
		Knowledge: gathered.knowledge,
		Query:     question,
	})
	if err != nil {
		return ChatAnswer{}, err
	}
	steps := advisor.ParseActions(raw)
	answer, err := e.Advisor.Translate(ctx, raw, u.PreferredLanguage)
	if err != nil {
		return ChatAnswer{}, err
	}
	return ChatAnswer{Answer: answer, Stage: stage, Steps: steps}, nil
}

func (e Engine) CurrentWeather(ctx context.Context, email string) (weather.Report, error) {
	_, f, err := e.userFarm(ctx, email)
	if err != nil {
		return weather.Report{}, err
	}
	return e.Weather.Current(ctx, farmLocation(f)), nil
}

type LifecycleStatus struct {
	Crop       string
	SowingDate string
	Snapshot   lifecycle.Snapshot
	History    []string
}

func (e Engine) LifecycleStatus(ctx context.Context, email string) (LifecycleStatus, error) {
	_, f, err := e.userFarm(ctx, email)
	if err != nil {
		return LifecycleStatus{}, err
	}
	snap, err := e.snapshot(f)
	if err != nil {
		return LifecycleStatus{}, err
	}
	recs, err := e.Repo.RecentAdvice(ctx, f.ID, historyLimit)
	if err != nil {
		return LifecycleStatus{}, err
	}
	history := make([]string, 0, len(recs))
	for _, r := range recs {
		history = append(history, r.Recommendation)
	}
	return LifecycleStatus{Crop: f.CropType, SowingDate: f.SowingDate, Snapshot: snap, History: history}, nil
}

// ListAlerts lists the farm's alerts newest first. Unknown users and users
// without a farm get an empty list.
func (e Engine) ListAlerts(ctx context.Context, email string) ([]domain.Alert, error) {
	_, f, err := e.userFarm(ctx, email)
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, ErrNoFarmProfile) {
		return []domain.Alert{}, nil
	}
	if err != nil {
		return nil, err
	}
	return e.Repo.ListAlerts(ctx, f.ID, 0)
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &InputError{Field: "sowing_date", Reason: "is required"}
	}
	t, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		return time.Time{}, &InputError{Field: "sowing_date", Reason: "must be YYYY-MM-DD"}
	}
	return t, nil
}
