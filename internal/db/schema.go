package db

import (
	"context"
	"fmt"
)

// schema lists the tables the engine reads and writes, in dependency order.
// Race, checkpoint and registration rows are owned by the organiser tooling;
// the engine only appends timing_records and updates gps_samples progress.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS races (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS race_distances (
		id BIGINT PRIMARY KEY,
		race_id BIGINT NOT NULL REFERENCES races(id),
		name TEXT NOT NULL,
		distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		route_url TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id BIGINT PRIMARY KEY,
		race_id BIGINT NOT NULL REFERENCES races(id),
		race_distance_id BIGINT NOT NULL REFERENCES race_distances(id),
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'intermediate',
		lat DOUBLE PRECISION,
		lng DOUBLE PRECISION,
		radius_m DOUBLE PRECISION,
		distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		checkpoint_order INT NOT NULL DEFAULT 0,
		min_time INTERVAL,
		max_time INTERVAL,
		min_lap_time INTERVAL,
		expected_laps INT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS waves (
		id BIGINT PRIMARY KEY,
		race_distance_id BIGINT NOT NULL REFERENCES race_distances(id),
		name TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS registrations (
		id BIGINT PRIMARY KEY,
		race_id BIGINT NOT NULL REFERENCES races(id),
		race_distance_id BIGINT NOT NULL REFERENCES race_distances(id),
		bib TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS motorcycles (
		id BIGINT PRIMARY KEY,
		race_id BIGINT NOT NULL REFERENCES races(id),
		race_distance_id BIGINT NOT NULL REFERENCES race_distances(id),
		name TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS gps_samples (
		id BIGSERIAL PRIMARY KEY,
		subject_type TEXT NOT NULL,
		subject_id BIGINT NOT NULL,
		race_id BIGINT NOT NULL,
		lat DOUBLE PRECISION,
		lng DOUBLE PRECISION,
		recorded_at TIMESTAMP NOT NULL,
		corrected_at TIMESTAMP,
		speed_mps DOUBLE PRECISION,
		heading_deg DOUBLE PRECISION,
		accuracy_m DOUBLE PRECISION,
		distance_from_start_km DOUBLE PRECISION,
		distance_to_finish_km DOUBLE PRECISION,
		next_checkpoint_id BIGINT,
		next_checkpoint_name TEXT,
		distance_to_next_checkpoint_km DOUBLE PRECISION,
		progress_updated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS gps_samples_subject_time ON gps_samples (subject_type, subject_id, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS gps_samples_race_time ON gps_samples (race_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS timing_records (
		id UUID PRIMARY KEY,
		registration_id BIGINT NOT NULL,
		race_id BIGINT NOT NULL,
		race_distance_id BIGINT NOT NULL,
		checkpoint_id BIGINT NOT NULL REFERENCES checkpoints(id),
		sample_id BIGINT,
		crossed_at TIMESTAMP NOT NULL,
		lap INT NOT NULL,
		method TEXT NOT NULL,
		note TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (registration_id, checkpoint_id, lap)
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func EnsureSchema(ctx context.Context, q Querier) error {
	for i, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
