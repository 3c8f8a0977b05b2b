package weather

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Report is a normalized current-conditions reading.
type Report struct {
	Temperature float64 `json:"temperature"`
	FeelsLike   float64 `json:"feels_like"`
	Condition   string  `json:"condition"`
	Description string  `json:"description"`
	Humidity    int     `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed" doc:"km/h"`
	RainChance  int     `json:"rain_chance" doc:"percent"`
	RainAmount  string  `json:"rain_amount,omitempty"`
	Alert       string  `json:"alert,omitempty"`
	Mock        bool    `json:"mock"`
}

// Summary is the one-line form stored with advice and fed to the planner.
func (r Report) Summary() string {
	s := fmt.Sprintf("%s, %.1f°C, humidity %d%%, rain chance %d%%", r.Condition, r.Temperature, r.Humidity, r.RainChance)
	if r.Alert != "" {
		s += ", alert: " + r.Alert
	}
	return s
}

// Location identifies where to read the weather. Coordinates win over Name.
type Location struct {
	Latitude  *float64
	Longitude *float64
	Name      string
}

func (l Location) hasCoords() bool {
	return l.Latitude != nil && l.Longitude != nil
}

func (l Location) key() string {
	if l.hasCoords() {
		return fmt.Sprintf("%.4f_%.4f", *l.Latitude, *l.Longitude)
	}
	return "q_" + strings.ToLower(strings.TrimSpace(l.Name))
}

// Provider fetches live conditions.
type Provider interface {
	Current(ctx context.Context, loc Location) (Report, error)
}

// DeriveAlert builds the farmer-facing alert text for a reading.
func DeriveAlert(rainChance int, temperature float64) string {
	var alerts []string
	switch {
	case rainChance > 70:
		alerts = append(alerts, "Heavy rain expected")
	case rainChance > 50:
		alerts = append(alerts, "Rain likely today")
	}
	switch {
	case temperature > 40:
		alerts = append(alerts, "Extreme heat warning")
	case temperature < 5:
		alerts = append(alerts, "Frost warning")
	}
	return strings.Join(alerts, " | ")
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
