package domain

import "time"

// TimeLayout is fixed width so lexical order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// DateLayout is the stored sowing date format.
const DateLayout = "2006-01-02"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type User struct {
	ID                string `db:"id" json:"id"`
	Email             string `db:"email" json:"email"`
	Name              string `db:"name" json:"name"`
	PreferredLanguage string `db:"preferred_language" json:"preferred_language"`
	CreatedAt         string `db:"created_at" json:"created_at" format:"date-time"`
	UpdatedAt         string `db:"updated_at" json:"updated_at" format:"date-time"`
}

type FarmProfile struct {
	ID         string   `db:"id" json:"id"`
	UserID     string   `db:"user_id" json:"user_id"`
	CropType   string   `db:"crop_type" json:"crop_type"`
	SowingDate string   `db:"sowing_date" json:"sowing_date" format:"date"`
	State      string   `db:"state" json:"state"`
	District   string   `db:"district" json:"district"`
	Village    string   `db:"village" json:"village"`
	Latitude   *float64 `db:"latitude" json:"latitude,omitempty"`
	Longitude  *float64 `db:"longitude" json:"longitude,omitempty"`
	CreatedAt  string   `db:"created_at" json:"created_at" format:"date-time"`
	UpdatedAt  string   `db:"updated_at" json:"updated_at" format:"date-time"`
}

// Sowing parses SowingDate as a UTC date.
func (f FarmProfile) Sowing() (time.Time, error) {
	return time.Parse(DateLayout, f.SowingDate)
}

type FarmState struct {
	FarmID       string `db:"farm_id" json:"farm_id"`
	CurrentStage string `db:"current_stage" json:"current_stage"`
	DayCount     int    `db:"day_count" json:"day_count"`
	LastAction   string `db:"last_action" json:"last_action"`
	UpdatedAt    string `db:"updated_at" json:"updated_at" format:"date-time"`
}

type AdviceRecord struct {
	ID             string `db:"id" json:"id"`
	FarmID         string `db:"farm_id" json:"farm_id"`
	Recommendation string `db:"recommendation" json:"recommendation"`
	StageAtTime    string `db:"stage_at_time" json:"stage_at_time"`
	WeatherSummary string `db:"weather_summary" json:"weather_summary"`
	CreatedAt      string `db:"created_at" json:"created_at" format:"date-time"`
}

const (
	AlertWeather = "Weather"
	AlertPest    = "Pest"
	AlertStage   = "Stage"

	SeverityInfo     = "Info"
	SeverityWarning  = "Warning"
	SeverityCritical = "Critical"
)

type Alert struct {
	ID        string `db:"id" json:"id"`
	FarmID    string `db:"farm_id" json:"farm_id"`
	Type      string `db:"type" json:"type" enum:"Weather,Pest,Stage"`
	Message   string `db:"message" json:"message"`
	Severity  string `db:"severity" json:"severity" enum:"Info,Warning,Critical"`
	CreatedAt string `db:"created_at" json:"created_at" format:"date-time"`
}
