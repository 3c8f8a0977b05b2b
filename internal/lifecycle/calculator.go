package lifecycle

import (
	"math"
	"time"
)

// Status is the position of a stage relative to a day count.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCurrent   Status = "current"
	StatusUpcoming  Status = "upcoming"
)

const (
	// UnknownLabel names the stage of a crop that has not yet begun.
	UnknownLabel = "Unknown"
	// InProgress replaces the display date of the current stage.
	InProgress = "In Progress"
	// DisplayDateLayout renders timeline dates as month/day.
	DisplayDateLayout = "Jan 02"
)

// TimelineEntry is one row of a crop timeline.
type TimelineEntry struct {
	Stage  Stage
	Status Status
	Date   string
}

// Snapshot is the lifecycle position of a crop on a given day.
type Snapshot struct {
	Crop       string
	SowingDate time.Time
	DayCount   int
	TotalDays  int
	// Current is nil when the day count precedes every stage.
	Current  *Stage
	Progress float64
	Timeline []TimelineEntry
}

// CurrentLabel returns the current stage label or UnknownLabel.
func (s Snapshot) CurrentLabel() string {
	if s.Current == nil {
		return UnknownLabel
	}
	return s.Current.Label
}

// StageStatus classifies a stage against a day count.
func StageStatus(stage Stage, dayCount int) Status {
	switch {
	case dayCount >= stage.EndDay:
		return StatusCompleted
	case dayCount >= stage.StartDay:
		return StatusCurrent
	default:
		return StatusUpcoming
	}
}

// DayCount is the number of calendar days from sowing to today, negative
// before sowing.
func DayCount(sowing, today time.Time) int {
	s := time.Date(sowing.Year(), sowing.Month(), sowing.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(t.Sub(s).Hours() / 24))
}

// ResolveStage returns the stage containing dayCount. Past the end of the
// table the last stage is returned; before the first stage ok is false.
func (c *Catalog) ResolveStage(cropType string, dayCount int) (Stage, bool, error) {
	crop, err := c.lookup(cropType)
	if err != nil {
		return Stage{}, false, err
	}
	s, ok := crop.resolve(dayCount)
	return s, ok, nil
}

func (c Crop) resolve(dayCount int) (Stage, bool) {
	for _, s := range c.Stages {
		if s.StartDay <= dayCount && dayCount < s.EndDay {
			return s, true
		}
	}
	last := c.Stages[len(c.Stages)-1]
	if dayCount >= c.TotalDays || dayCount >= last.EndDay {
		return last, true
	}
	return Stage{}, false
}

// ProgressPercentage is dayCount/total_days as a percentage, capped at 100.
// Pre-sowing day counts pass through as negative values.
func (c *Catalog) ProgressPercentage(cropType string, dayCount int) (float64, error) {
	crop, err := c.lookup(cropType)
	if err != nil {
		return 0, err
	}
	return crop.progress(dayCount), nil
}

func (c Crop) progress(dayCount int) float64 {
	return math.Min(float64(dayCount)/float64(c.TotalDays)*100, 100.0)
}

// BuildTimeline lists every stage in configuration order with its status
// and display date.
func (c *Catalog) BuildTimeline(cropType string, dayCount int, sowingDate time.Time) ([]TimelineEntry, error) {
	crop, err := c.lookup(cropType)
	if err != nil {
		return nil, err
	}
	return crop.timeline(dayCount, sowingDate), nil
}

func (c Crop) timeline(dayCount int, sowingDate time.Time) []TimelineEntry {
	out := make([]TimelineEntry, 0, len(c.Stages))
	for _, s := range c.Stages {
		status := StageStatus(s, dayCount)
		var date string
		switch status {
		case StatusCompleted:
			date = sowingDate.AddDate(0, 0, s.EndDay).Format(DisplayDateLayout)
		case StatusCurrent:
			date = InProgress
		default:
			date = sowingDate.AddDate(0, 0, s.StartDay).Format(DisplayDateLayout)
		}
		out = append(out, TimelineEntry{Stage: s, Status: status, Date: date})
	}
	return out
}

// Snapshot computes the full lifecycle position of a crop for today.
func (c *Catalog) Snapshot(cropType string, sowingDate, today time.Time) (Snapshot, error) {
	crop, err := c.lookup(cropType)
	if err != nil {
		return Snapshot{}, err
	}
	days := DayCount(sowingDate, today)
	snap := Snapshot{
		Crop:       crop.Name,
		SowingDate: sowingDate,
		DayCount:   days,
		TotalDays:  crop.TotalDays,
		Progress:   crop.progress(days),
		Timeline:   crop.timeline(days, sowingDate),
	}
	if s, ok := crop.resolve(days); ok {
		snap.Current = &s
	}
	return snap, nil
}
