package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrNoLocation = errors.New("either coordinates or a location name must be provided")

// OpenWeatherMap reads the current-weather endpoint in metric units.
type OpenWeatherMap struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

type owmResponse struct {
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
}

func (o OpenWeatherMap) Current(ctx context.Context, loc Location) (Report, error) {
	params := url.Values{}
	params.Set("appid", o.APIKey)
	params.Set("units", "metric")
	switch {
	case loc.hasCoords():
		params.Set("lat", strconv.FormatFloat(*loc.Latitude, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(*loc.Longitude, 'f', -1, 64))
	case strings.TrimSpace(loc.Name) != "":
		params.Set("q", strings.TrimSpace(loc.Name))
	default:
		return Report{}, ErrNoLocation
	}
	endpoint := strings.TrimRight(o.Endpoint, "/") + "/weather?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Report{}, err
	}
	client := o.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("openweathermap: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Report{}, fmt.Errorf("openweathermap: status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var raw owmResponse
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return Report{}, fmt.Errorf("decode openweathermap response: %w", err)
	}
	return raw.report(), nil
}

func (r owmResponse) report() Report {
	condition, description := "Unknown", ""
	if len(r.Weather) > 0 {
		if r.Weather[0].Main != "" {
			condition = r.Weather[0].Main
		}
		description = r.Weather[0].Description
	}
	rainChance := min(r.Clouds.All, 100)
	if r.Rain.OneHour > 0 {
		rainChance = max(rainChance, 70)
	}
	rep := Report{
		Temperature: round1(r.Main.Temp),
		FeelsLike:   round1(r.Main.FeelsLike),
		Condition:   condition,
		Description: description,
		Humidity:    r.Main.Humidity,
		WindSpeed:   round1(r.Wind.Speed * 3.6),
		RainChance:  rainChance,
		Alert:       DeriveAlert(rainChance, r.Main.Temp),
	}
	if r.Rain.OneHour > 0 {
		rep.RainAmount = fmt.Sprintf("%.1fmm", r.Rain.OneHour)
	}
	return rep
}
