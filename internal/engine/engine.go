package engine

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"cropmind/internal/advisor"
	"cropmind/internal/alerts"
	"cropmind/internal/config"
	"cropmind/internal/domain"
	"cropmind/internal/knowledge"
	"cropmind/internal/lifecycle"
	"cropmind/internal/metrics"
	"cropmind/internal/repo"
	"cropmind/internal/weather"
)

// ErrNoFarmProfile means the user exists but has not onboarded a farm.
var ErrNoFarmProfile = errors.New("farm profile not found, please onboard first")

// InputError reports a malformed request field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// WeatherSource returns current conditions. It never fails; providers
// degrade to mock readings.
type WeatherSource interface {
	Current(ctx context.Context, loc weather.Location) weather.Report
}

type Engine struct {
	DB        *sqlx.DB
	Repo      repo.Repo
	Alerts    alerts.Writer
	Catalog   *lifecycle.Catalog
	Advisor   advisor.Advisor
	Knowledge knowledge.Retriever
	Weather   WeatherSource
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Config    *config.Config
	Now       func() time.Time
}

// New wires an engine with template advice, static knowledge and mock
// weather. Callers replace those collaborators as configured.
func New(db *sqlx.DB, cfg *config.Config, catalog *lifecycle.Catalog) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Alerts:    alerts.Writer{Repo: r},
		Catalog:   catalog,
		Advisor:   advisor.Advisor{AppName: cfg.Server.AppName, Config: cfg.LLM},
		Knowledge: knowledge.Static{},
		Weather:   weather.NewService(nil, cfg.Weather.CacheSize, cfg.Weather.CacheTTL, nil),
		Logger:    zap.NewNop(),
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) writer() alerts.Writer {
	w := e.Alerts
	w.Now = e.now
	return w
}

func (e Engine) countAlert(a domain.Alert) {
	if e.Metrics != nil {
		e.Metrics.Alerts.WithLabelValues(a.Type).Inc()
	}
}

// NormalizeEmail trims and lowercases an address after validating it.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", &InputError{Field: "email", Reason: "is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &InputError{Field: "email", Reason: "is not a valid address"}
	}
	return email, nil
}

func (e Engine) DefaultName() string {
	if e.Config != nil && e.Config.Defaults.UserName != "" {
		return e.Config.Defaults.UserName
	}
	return "Farmer"
}

func (e Engine) DefaultLanguage() string {
	if e.Config != nil && e.Config.Defaults.Language != "" {
		return e.Config.Defaults.Language
	}
	return "English"
}

func (e Engine) appName() string {
	if e.Config != nil && e.Config.Server.AppName != "" {
		return e.Config.Server.AppName
	}
	return "CropMind AI"
}

// userFarm loads the caller and their farm. A missing user yields
// repo.ErrNotFound, a missing farm ErrNoFarmProfile.
func (e Engine) userFarm(ctx context.Context, email string) (domain.User, domain.FarmProfile, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return domain.User{}, domain.FarmProfile{}, err
	}
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, domain.FarmProfile{}, err
	}
	f, err := e.Repo.GetFarmByUser(ctx, u.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return u, domain.FarmProfile{}, ErrNoFarmProfile
	}
	if err != nil {
		return u, domain.FarmProfile{}, err
	}
	return u, f, nil
}

func (e Engine) snapshot(f domain.FarmProfile) (lifecycle.Snapshot, error) {
	sowing, err := f.Sowing()
	if err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("stored sowing date %q: %w", f.SowingDate, err)
	}
	return e.Catalog.Snapshot(f.CropType, sowing, e.now())
}

func farmLocation(f domain.FarmProfile) weather.Location {
	var parts []string
	for _, p := range []string{f.Village, f.District, f.State} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return weather.Location{Latitude: f.Latitude, Longitude: f.Longitude, Name: strings.Join(parts, ", ")}
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
