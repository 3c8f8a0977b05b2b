package weather

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var mockConditions = []string{"Sunny", "Partly Cloudy", "Cloudy", "Light Rain", "Clear"}

// Mock produces plausible random readings when no provider is configured.
type Mock struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewMock(seed uint64) *Mock {
	return &Mock{rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (m *Mock) Current(context.Context, Location) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	temp := round1(24 + m.rand.Float64()*11)
	rainChance := m.rand.IntN(71)
	rep := Report{
		Temperature: temp,
		FeelsLike:   round1(temp + 1 + m.rand.Float64()*2),
		Condition:   mockConditions[m.rand.IntN(len(mockConditions))],
		Description: "Mock weather data (API not configured)",
		Humidity:    45 + m.rand.IntN(36),
		WindSpeed:   round1(5 + m.rand.Float64()*15),
		RainChance:  rainChance,
		Mock:        true,
	}
	if rainChance > 50 {
		rep.RainAmount = fmt.Sprintf("%dmm", 15+m.rand.IntN(6))
		rep.Alert = "Rain Expected Tomorrow"
	}
	return rep, nil
}

// Service serves cached provider readings and falls back to Mock data on
// provider failure or when no provider is set.
type Service struct {
	Provider Provider
	Mock     *Mock
	Logger   *zap.Logger
	// CacheResults counts lookups by result (hit, miss). Optional.
	CacheResults *prometheus.CounterVec

	cache *expirable.LRU[string, Report]
}

func NewService(p Provider, size int, ttl time.Duration, logger *zap.Logger) *Service {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Provider: p,
		Mock:     NewMock(uint64(time.Now().UnixNano())),
		Logger:   logger,
		cache:    expirable.NewLRU[string, Report](size, nil, ttl),
	}
}

func (s *Service) Current(ctx context.Context, loc Location) Report {
	if s.Provider == nil {
		rep, _ := s.Mock.Current(ctx, loc)
		return rep
	}
	key := loc.key()
	if rep, ok := s.cache.Get(key); ok {
		s.count("hit")
		return rep
	}
	s.count("miss")
	rep, err := s.Provider.Current(ctx, loc)
	if err != nil {
		s.Logger.Warn("weather provider failed, using mock data", zap.String("location", key), zap.Error(err))
		rep, _ = s.Mock.Current(ctx, loc)
		return rep
	}
	s.cache.Add(key, rep)
	return rep
}

func (s *Service) count(result string) {
	if s.CacheResults != nil {
		s.CacheResults.WithLabelValues(result).Inc()
	}
}
