package store

import (
	"time"

	"backend-racetracker/internal/route"
	"backend-racetracker/internal/shared/clock"
	"backend-racetracker/internal/shared/geo"
)

const (
	SubjectRunner     = "runner"
	SubjectMotorcycle = "motorcycle"

	MethodGeofence = "gps_geofence"

	// DefaultRadiusM applies to checkpoints without a configured radius.
	DefaultRadiusM = 50.0
)

type Sample struct {
	ID          int64                    `json:"id"`
	SubjectType string                   `json:"subject_type"`
	SubjectID   int64                    `json:"subject_id"`
	RaceID      int64                    `json:"race_id"`
	Lat         *float64                 `json:"lat"`
	Lng         *float64                 `json:"lng"`
	RecordedAt  clock.LocalClockReading  `json:"recorded_at"`
	CorrectedAt *clock.LocalClockReading `json:"corrected_at,omitempty"`
	SpeedMps    *float64                 `json:"speed_mps,omitempty"`
	HeadingDeg  *float64                 `json:"heading_deg,omitempty"`
	AccuracyM   *float64                 `json:"accuracy_m,omitempty"`
}

// Timestamp prefers the corrected reading when the device supplied one.
func (s Sample) Timestamp() clock.LocalClockReading {
	if s.CorrectedAt != nil {
		return *s.CorrectedAt
	}
	return s.RecordedAt
}

func (s Sample) Position() (geo.Coord, bool) {
	if s.Lat == nil || s.Lng == nil {
		return geo.Coord{}, false
	}
	c := geo.Coord{Lat: *s.Lat, Lng: *s.Lng}
	return c, c.Valid()
}

type Checkpoint struct {
	ID             int64          `json:"id"`
	RaceID         int64          `json:"race_id"`
	RaceDistanceID int64          `json:"race_distance_id"`
	Name           string         `json:"name"`
	Kind           string         `json:"kind"`
	Lat            *float64       `json:"lat"`
	Lng            *float64       `json:"lng"`
	RadiusM        *float64       `json:"radius_m"`
	DistanceKm     float64        `json:"distance_km"`
	Order          int            `json:"checkpoint_order"`
	MinTime        *time.Duration `json:"min_time,omitempty"`
	MaxTime        *time.Duration `json:"max_time,omitempty"`
	MinLapTime     *time.Duration `json:"min_lap_time,omitempty"`
	ExpectedLaps   int            `json:"expected_laps"`
}

func (c Checkpoint) Center() (geo.Coord, bool) {
	if c.Lat == nil || c.Lng == nil {
		return geo.Coord{}, false
	}
	center := geo.Coord{Lat: *c.Lat, Lng: *c.Lng}
	return center, center.Valid()
}

func (c Checkpoint) Radius() float64 {
	if c.RadiusM == nil || *c.RadiusM <= 0 {
		return DefaultRadiusM
	}
	return *c.RadiusM
}

func (c Checkpoint) Laps() int {
	if c.ExpectedLaps < 1 {
		return 1
	}
	return c.ExpectedLaps
}

func (c Checkpoint) Mark() route.Mark {
	return route.Mark{ID: c.ID, Name: c.Name, DistanceKm: c.DistanceKm}
}

// Participant maps a registration onto the race distance it runs.
type Participant struct {
	RegistrationID int64   `json:"registration_id"`
	RaceID         int64   `json:"race_id"`
	RaceDistanceID int64   `json:"race_distance_id"`
	Bib            *string `json:"bib,omitempty"`
}

type Wave struct {
	ID             int64                   `json:"id"`
	RaceDistanceID int64                   `json:"race_distance_id"`
	Name           string                  `json:"name"`
	StartTime      clock.LocalClockReading `json:"start_time"`
}

type Crossing struct {
	ID             string                  `json:"id"`
	RegistrationID int64                   `json:"registration_id"`
	RaceID         int64                   `json:"race_id"`
	RaceDistanceID int64                   `json:"race_distance_id"`
	CheckpointID   int64                   `json:"checkpoint_id"`
	SampleID       *int64                  `json:"sample_id,omitempty"`
	CrossedAt      clock.LocalClockReading `json:"crossed_at"`
	Lap            int                     `json:"lap"`
	Method         string                  `json:"method"`
	Note           string                  `json:"note"`
}

type RaceDistance struct {
	ID         int64   `json:"id"`
	RaceID     int64   `json:"race_id"`
	Name       string  `json:"name"`
	DistanceKm float64 `json:"distance_km"`
	RouteURL   *string `json:"route_url,omitempty"`
}

func (d RaceDistance) RouteHandle() string {
	if d.RouteURL == nil {
		return ""
	}
	return *d.RouteURL
}

// Snapshot is the latest progress written onto a motorcycle sample.
type Snapshot struct {
	SampleID   int64                   `json:"sample_id"`
	RecordedAt clock.LocalClockReading `json:"recorded_at"`
	route.Progress
}
