package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cropmind/internal/advisor"
	"cropmind/internal/auth"
	"cropmind/internal/config"
	"cropmind/internal/db"
	"cropmind/internal/engine"
	"cropmind/internal/knowledge"
	"cropmind/internal/lifecycle"
	"cropmind/internal/metrics"
	"cropmind/internal/migrate"
	"cropmind/internal/server"
	"cropmind/internal/weather"
)

// App holds the wired service for one process.
type App struct {
	Config  *config.Config
	DB      *sqlx.DB
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Tokens  auth.Tokens
	Logger  *zap.Logger
}

// NewLogger builds a production zap logger with the configured level and
// encoding ("json" or "console").
func NewLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	switch strings.ToLower(c.Format) {
	case "", "json":
	case "console", "text":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("log.format %q: want json or console", c.Format)
	}
	return zc.Build()
}

// LoadCatalog reads the crop catalog file, or the embedded default when no
// path is configured.
func LoadCatalog(path string) (*lifecycle.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return lifecycle.Default()
	}
	return lifecycle.Load(path)
}

// OpenDB opens and migrates the configured database.
func OpenDB(ctx context.Context, url string, logger *zap.Logger) (*sqlx.DB, error) {
	conn, err := db.Open(url)
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if applied > 0 {
		logger.Info("migrations applied", zap.Int("count", applied), zap.String("driver", db.Driver(url)))
	}
	return conn, nil
}

// Build opens storage and wires the engine with the configured advice,
// knowledge and weather providers.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog, err := LoadCatalog(cfg.Crops.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := OpenDB(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	e := engine.New(conn, cfg, catalog)
	e.Logger = logger
	e.Metrics = m
	e.Advisor = advisor.Advisor{
		Config:   cfg.LLM,
		AppName:  cfg.Server.AppName,
		Logger:   logger.Named("advisor"),
		Failures: m.LLMFailures,
	}
	if cfg.LLM.Enabled {
		e.Advisor.Completer = advisor.NewAnthropicCompleter(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
	} else {
		logger.Info("llm disabled, using template advice")
	}

	ks := knowledge.Service{Logger: logger.Named("knowledge")}
	if cfg.Knowledge.Enabled {
		embedder, err := knowledge.NewGenAIEmbedder(ctx, cfg.Knowledge.GenAIAPIKey, cfg.Knowledge.EmbedModel)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("knowledge embedder: %w", err)
		}
		ks.Primary = knowledge.Pinecone{
			Embedder:  embedder,
			Host:      cfg.Knowledge.PineconeHost,
			APIKey:    cfg.Knowledge.PineconeAPIKey,
			Namespace: cfg.Knowledge.Namespace,
			TopK:      cfg.Knowledge.TopK,
		}
	}
	e.Knowledge = ks

	var provider weather.Provider
	if cfg.Weather.Enabled {
		provider = weather.OpenWeatherMap{
			Endpoint: cfg.Weather.Endpoint,
			APIKey:   cfg.Weather.APIKey,
			Client:   &http.Client{Timeout: cfg.Weather.Timeout},
		}
	} else {
		logger.Info("weather api disabled, using mock readings")
	}
	ws := weather.NewService(provider, cfg.Weather.CacheSize, cfg.Weather.CacheTTL, logger.Named("weather"))
	ws.CacheResults = m.WeatherCache
	e.Weather = ws

	return &App{
		Config:  cfg,
		DB:      conn,
		Engine:  e,
		Metrics: m,
		Tokens:  auth.Tokens{Secret: cfg.Auth.JWTSecret, TTL: cfg.Auth.JWTExpiration},
		Logger:  logger,
	}, nil
}

// Handler builds the HTTP API for the app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			Tokens:          a.Tokens,
			AllowEmailQuery: a.Config.Auth.AllowEmailQuery,
			Logger:          a.Logger.Named("auth"),
		},
		Logger:         a.Logger.Named("http"),
		Metrics:        a.Metrics,
		CORSOrigins:    a.Config.Server.CORSOrigins,
		WelcomeMessage: a.Config.Server.WelcomeMessage,
	})
}

func (a *App) Close() error {
	return a.DB.Close()
}
