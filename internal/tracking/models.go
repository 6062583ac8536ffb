package tracking

import (
	"backend-racetracker/internal/route"
	"backend-racetracker/internal/shared/clock"
)

// Request identifies a motorcycle sample to project.
type Request struct {
	SampleID     int64   `json:"sample_id"`
	MotorcycleID int64   `json:"motorcycle_id"`
	RaceID       int64   `json:"race_id"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	// RecordedAt orders a batch; single projections do not need it.
	RecordedAt *clock.LocalClockReading `json:"recorded_at,omitempty"`
}

// BackfillRequest selects stored motorcycle samples to reproject, either by
// range or by a window ending at the newest motorcycle sample.
type BackfillRequest struct {
	From            *clock.LocalClockReading `json:"from"`
	To              *clock.LocalClockReading `json:"to"`
	LookbackMinutes int                      `json:"lookback_minutes"`
	RaceID          *int64                   `json:"race_id"`
}

// Projection is the progress written back onto one sample.
type Projection struct {
	SampleID       int64 `json:"sample_id"`
	MotorcycleID   int64 `json:"motorcycle_id"`
	RaceID         int64 `json:"race_id"`
	RouteAvailable bool  `json:"route_available"`
	route.Progress
}

type BatchResult struct {
	Projections []Projection `json:"projections"`
	Skipped     int          `json:"skipped"`
}
