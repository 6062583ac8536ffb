// Package store reads race reference data and writes the engine's outputs.
package store

import (
	"context"
	"errors"
	"time"

	"backend-racetracker/internal/db"
	"backend-racetracker/internal/route"
	"backend-racetracker/internal/shared/clock"

	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db db.Querier
}

func New(q db.Querier) *Store {
	return &Store{db: q}
}

const sampleColumns = `id, subject_type, subject_id, race_id, lat, lng, recorded_at, corrected_at, speed_mps, heading_deg, accuracy_m`

// SamplesInRange returns samples of one subject type whose effective
// timestamp falls within [from, to]. A nil raceID selects every race.
func (s *Store) SamplesInRange(ctx context.Context, subjectType string, from, to clock.LocalClockReading, raceID *int64) ([]Sample, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sampleColumns+`
		FROM gps_samples
		WHERE subject_type=$1
		  AND COALESCE(corrected_at, recorded_at) BETWEEN $2 AND $3
		  AND ($4::bigint IS NULL OR race_id=$4)
		ORDER BY subject_id, COALESCE(corrected_at, recorded_at), id
	`, subjectType, from.WallTime(), to.WallTime(), raceID)
	if err != nil {
		return nil, err
	}
	return scanSamples(rows)
}

func (s *Store) SamplesByID(ctx context.Context, subjectType string, ids []int64) ([]Sample, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sampleColumns+`
		FROM gps_samples
		WHERE subject_type=$1 AND id = ANY($2)
		ORDER BY subject_id, COALESCE(corrected_at, recorded_at), id
	`, subjectType, ids)
	if err != nil {
		return nil, err
	}
	return scanSamples(rows)
}

// LatestSampleTime reports the most recent effective timestamp for the
// subject type. ok is false when there are no samples.
func (s *Store) LatestSampleTime(ctx context.Context, subjectType string, raceID *int64) (clock.LocalClockReading, bool, error) {
	var latest *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT MAX(COALESCE(corrected_at, recorded_at))
		FROM gps_samples
		WHERE subject_type=$1 AND ($2::bigint IS NULL OR race_id=$2)
	`, subjectType, raceID).Scan(&latest)
	if err != nil {
		return clock.LocalClockReading{}, false, err
	}
	if latest == nil {
		return clock.LocalClockReading{}, false, nil
	}
	return clock.FromWallClock(*latest), true, nil
}

func scanSamples(rows pgx.Rows) ([]Sample, error) {
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var (
			sample    Sample
			recorded  time.Time
			corrected *time.Time
		)
		if err := rows.Scan(&sample.ID, &sample.SubjectType, &sample.SubjectID, &sample.RaceID, &sample.Lat, &sample.Lng,
			&recorded, &corrected, &sample.SpeedMps, &sample.HeadingDeg, &sample.AccuracyM); err != nil {
			return nil, err
		}
		sample.RecordedAt = clock.FromWallClock(recorded)
		if corrected != nil {
			c := clock.FromWallClock(*corrected)
			sample.CorrectedAt = &c
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (s *Store) Participants(ctx context.Context, registrationIDs []int64) ([]Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, race_id, race_distance_id, bib
		FROM registrations
		WHERE id = ANY($1)
	`, registrationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.RegistrationID, &p.RaceID, &p.RaceDistanceID, &p.Bib); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

const checkpointColumns = `id, race_id, race_distance_id, name, kind, lat, lng, radius_m, distance_km, checkpoint_order,
		min_time::text, max_time::text, min_lap_time::text, expected_laps`

// Checkpoints returns every checkpoint of the given races.
func (s *Store) Checkpoints(ctx context.Context, raceIDs []int64) ([]Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints
		WHERE race_id = ANY($1)
		ORDER BY race_distance_id, distance_km, checkpoint_order, id
	`, raceIDs)
	if err != nil {
		return nil, err
	}
	return scanCheckpoints(rows)
}

func (s *Store) CheckpointsForDistance(ctx context.Context, raceDistanceID int64) ([]Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints
		WHERE race_distance_id=$1
		ORDER BY distance_km, checkpoint_order, id
	`, raceDistanceID)
	if err != nil {
		return nil, err
	}
	return scanCheckpoints(rows)
}

func scanCheckpoints(rows pgx.Rows) ([]Checkpoint, error) {
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var (
			c                            Checkpoint
			minTime, maxTime, minLapTime *string
		)
		if err := rows.Scan(&c.ID, &c.RaceID, &c.RaceDistanceID, &c.Name, &c.Kind, &c.Lat, &c.Lng, &c.RadiusM,
			&c.DistanceKm, &c.Order, &minTime, &maxTime, &minLapTime, &c.ExpectedLaps); err != nil {
			return nil, err
		}
		c.MinTime = parseInterval(minTime)
		c.MaxTime = parseInterval(maxTime)
		c.MinLapTime = parseInterval(minLapTime)
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}

func parseInterval(text *string) *time.Duration {
	if text == nil {
		return nil
	}
	d, ok := clock.ParseInterval(*text)
	if !ok {
		return nil
	}
	return &d
}

func (s *Store) Waves(ctx context.Context, raceDistanceIDs []int64) ([]Wave, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, race_distance_id, name, start_time
		FROM waves
		WHERE race_distance_id = ANY($1)
		ORDER BY race_distance_id, start_time, id
	`, raceDistanceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waves []Wave
	for rows.Next() {
		var (
			w     Wave
			start time.Time
		)
		if err := rows.Scan(&w.ID, &w.RaceDistanceID, &w.Name, &start); err != nil {
			return nil, err
		}
		w.StartTime = clock.FromWallClock(start)
		waves = append(waves, w)
	}
	return waves, rows.Err()
}

// Crossings returns the recorded crossings of the given registrations in
// crossing order.
func (s *Store) Crossings(ctx context.Context, registrationIDs []int64) ([]Crossing, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, registration_id, race_id, race_distance_id, checkpoint_id, sample_id, crossed_at, lap, method, COALESCE(note, '')
		FROM timing_records
		WHERE registration_id = ANY($1)
		ORDER BY registration_id, checkpoint_id, crossed_at, lap
	`, registrationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var crossings []Crossing
	for rows.Next() {
		var (
			c       Crossing
			crossed time.Time
		)
		if err := rows.Scan(&c.ID, &c.RegistrationID, &c.RaceID, &c.RaceDistanceID, &c.CheckpointID, &c.SampleID,
			&crossed, &c.Lap, &c.Method, &c.Note); err != nil {
			return nil, err
		}
		c.CrossedAt = clock.FromWallClock(crossed)
		crossings = append(crossings, c)
	}
	return crossings, rows.Err()
}

// InsertCrossing appends a timing record. It reports false when a record for
// the same registration, checkpoint and lap already exists.
func (s *Store) InsertCrossing(ctx context.Context, c Crossing) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO timing_records (id, registration_id, race_id, race_distance_id, checkpoint_id, sample_id, crossed_at, lap, method, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (registration_id, checkpoint_id, lap) DO NOTHING
	`, c.ID, c.RegistrationID, c.RaceID, c.RaceDistanceID, c.CheckpointID, c.SampleID, c.CrossedAt.WallTime(), c.Lap, c.Method, c.Note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RaceDistanceForMotorcycle resolves the distance a motorcycle is assigned
// to within a race.
func (s *Store) RaceDistanceForMotorcycle(ctx context.Context, motorcycleID, raceID int64) (RaceDistance, error) {
	var d RaceDistance
	err := s.db.QueryRow(ctx, `
		SELECT d.id, d.race_id, d.name, d.distance_km, d.route_url
		FROM motorcycles m
		JOIN race_distances d ON d.id = m.race_distance_id
		WHERE m.id=$1 AND m.race_id=$2
	`, motorcycleID, raceID).Scan(&d.ID, &d.RaceID, &d.Name, &d.DistanceKm, &d.RouteURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return RaceDistance{}, ErrNotFound
	}
	if err != nil {
		return RaceDistance{}, err
	}
	return d, nil
}

// PreviousDistance returns the distance from start, in km, of the latest
// projected sample of the motorcycle recorded before sampleID. It returns
// nil when no earlier projection exists.
func (s *Store) PreviousDistance(ctx context.Context, motorcycleID, sampleID int64) (*float64, error) {
	var km float64
	err := s.db.QueryRow(ctx, `
		SELECT p.distance_from_start_km
		FROM gps_samples p, gps_samples cur
		WHERE cur.id=$2
		  AND p.subject_type='motorcycle' AND p.subject_id=$1
		  AND p.id <> cur.id
		  AND p.distance_from_start_km IS NOT NULL
		  AND COALESCE(p.corrected_at, p.recorded_at) <= COALESCE(cur.corrected_at, cur.recorded_at)
		ORDER BY COALESCE(p.corrected_at, p.recorded_at) DESC, p.id DESC
		LIMIT 1
	`, motorcycleID, sampleID).Scan(&km)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &km, nil
}

// SaveProgress overwrites the progress fields of a sample.
func (s *Store) SaveProgress(ctx context.Context, sampleID int64, p route.Progress) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE gps_samples
		SET distance_from_start_km=$2,
		    distance_to_finish_km=$3,
		    next_checkpoint_id=$4,
		    next_checkpoint_name=$5,
		    distance_to_next_checkpoint_km=$6,
		    progress_updated_at=now()
		WHERE id=$1
	`, sampleID, p.DistanceFromStartKm, p.DistanceToFinishKm, p.NextCheckpointID, p.NextCheckpointName, p.DistanceToNextCheckpointKm)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestProgress returns the most recent snapshot written for a motorcycle.
func (s *Store) LatestProgress(ctx context.Context, motorcycleID, raceID int64) (Snapshot, error) {
	var (
		snap     Snapshot
		recorded time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, COALESCE(corrected_at, recorded_at), distance_from_start_km, distance_to_finish_km,
		       next_checkpoint_id, next_checkpoint_name, distance_to_next_checkpoint_km
		FROM gps_samples
		WHERE subject_type='motorcycle' AND subject_id=$1 AND race_id=$2
		  AND progress_updated_at IS NOT NULL
		ORDER BY COALESCE(corrected_at, recorded_at) DESC, id DESC
		LIMIT 1
	`, motorcycleID, raceID).Scan(&snap.SampleID, &recorded, &snap.DistanceFromStartKm, &snap.DistanceToFinishKm,
		&snap.NextCheckpointID, &snap.NextCheckpointName, &snap.DistanceToNextCheckpointKm)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap.RecordedAt = clock.FromWallClock(recorded)
	return snap, nil
}
