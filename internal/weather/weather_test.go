package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ptr(v float64) *float64 { return &v }

func TestDeriveAlert(t *testing.T) {
	cases := []struct {
		rain int
		temp float64
		want string
	}{
		{80, 30, "Heavy rain expected"},
		{60, 30, "Rain likely today"},
		{50, 30, ""},
		{10, 41, "Extreme heat warning"},
		{10, 4, "Frost warning"},
		{75, 42, "Heavy rain expected | Extreme heat warning"},
		{55, 2, "Rain likely today | Frost warning"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveAlert(tc.rain, tc.temp), "rain=%d temp=%v", tc.rain, tc.temp)
	}
}

func TestOpenWeatherMapParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/weather", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "owm-key", q.Get("appid"))
		assert.Equal(t, "metric", q.Get("units"))
		assert.Equal(t, "18.52", q.Get("lat"))
		assert.Equal(t, "73.85", q.Get("lon"))
		_, _ = w.Write([]byte(`{"main":{"temp":28.46,"feels_like":30.04,"humidity":77},
			"weather":[{"main":"Rain","description":"light rain"}],
			"wind":{"speed":5},"rain":{"1h":0.42},"clouds":{"all":40}}`))
	}))
	defer srv.Close()

	o := OpenWeatherMap{Endpoint: srv.URL, APIKey: "owm-key", Client: srv.Client()}
	rep, err := o.Current(context.Background(), Location{Latitude: ptr(18.52), Longitude: ptr(73.85)})
	require.NoError(t, err)
	assert.Equal(t, Report{
		Temperature: 28.5,
		FeelsLike:   30,
		Condition:   "Rain",
		Description: "light rain",
		Humidity:    77,
		WindSpeed:   18,
		RainChance:  70,
		RainAmount:  "0.4mm",
		Alert:       "Rain likely today",
	}, rep)
}

func TestOpenWeatherMapByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Pune", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"main":{"temp":3},"clouds":{"all":20}}`))
	}))
	defer srv.Close()
	o := OpenWeatherMap{Endpoint: srv.URL + "/", Client: srv.Client()}
	rep, err := o.Current(context.Background(), Location{Name: "Pune"})
	require.NoError(t, err)
	assert.Equal(t, "Unknown", rep.Condition)
	assert.Equal(t, "Frost warning", rep.Alert)
	assert.Empty(t, rep.RainAmount)

	_, err = o.Current(context.Background(), Location{})
	require.ErrorIs(t, err, ErrNoLocation)
}

func TestServiceCachesAndFallsBack(t *testing.T) {
	var calls atomic.Int32
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"main":{"temp":31},"weather":[{"main":"Clear"}],"clouds":{"all":0}}`))
	}))
	defer srv.Close()

	results := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cache"}, []string{"result"})
	s := NewService(OpenWeatherMap{Endpoint: srv.URL, Client: srv.Client()}, 8, time.Minute, zap.NewNop())
	s.CacheResults = results
	loc := Location{Name: "Pune"}

	first := s.Current(context.Background(), loc)
	second := s.Current(context.Background(), loc)
	assert.Equal(t, first, second)
	assert.Equal(t, "Clear", first.Condition)
	assert.False(t, first.Mock)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(results.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(results.WithLabelValues("miss")))

	fail.Store(true)
	fallback := s.Current(context.Background(), Location{Name: "Nashik"})
	assert.True(t, fallback.Mock)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMockRanges(t *testing.T) {
	m := NewMock(42)
	for i := 0; i < 200; i++ {
		rep, err := m.Current(context.Background(), Location{})
		require.NoError(t, err)
		assert.True(t, rep.Mock)
		assert.GreaterOrEqual(t, rep.Temperature, 24.0)
		assert.LessOrEqual(t, rep.Temperature, 35.0)
		assert.GreaterOrEqual(t, rep.Humidity, 45)
		assert.LessOrEqual(t, rep.Humidity, 80)
		assert.Contains(t, mockConditions, rep.Condition)
		if rep.RainChance > 50 {
			assert.Equal(t, "Rain Expected Tomorrow", rep.Alert)
		} else {
			assert.Empty(t, rep.Alert)
		}
	}
	s := NewService(nil, 0, time.Minute, nil)
	assert.True(t, s.Current(context.Background(), Location{}).Mock)
}

func TestSummary(t *testing.T) {
	r := Report{Condition: "Clear", Temperature: 31, Humidity: 40, RainChance: 10}
	assert.Equal(t, "Clear, 31.0°C, humidity 40%, rain chance 10%", r.Summary())
	r.Alert = "Extreme heat warning"
	assert.Equal(t, "Clear, 31.0°C, humidity 40%, rain chance 10%, alert: Extreme heat warning", r.Summary())
}
