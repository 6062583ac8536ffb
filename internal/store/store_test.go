package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-racetracker/internal/route"
	"backend-racetracker/internal/shared/clock"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func ptr[T any](v T) *T { return &v }

var sampleCols = []string{"id", "subject_type", "subject_id", "race_id", "lat", "lng", "recorded_at", "corrected_at", "speed_mps", "heading_deg", "accuracy_m"}

func TestSamplesInRange(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	recorded := time.Date(2024, 5, 1, 8, 45, 0, 0, time.UTC)
	corrected := time.Date(2024, 5, 1, 8, 45, 2, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, subject_type, subject_id, race_id, lat, lng, recorded_at, corrected_at`).
		WithArgs(SubjectRunner, pgxmock.AnyArg(), pgxmock.AnyArg(), ptr(int64(7))).
		WillReturnRows(pgxmock.NewRows(sampleCols).
			AddRow(int64(1), SubjectRunner, int64(101), int64(7), ptr(40.0001), ptr(-3.0001), recorded, (*time.Time)(nil), (*float64)(nil), (*float64)(nil), (*float64)(nil)).
			AddRow(int64(2), SubjectRunner, int64(101), int64(7), (*float64)(nil), (*float64)(nil), recorded, &corrected, ptr(3.2), (*float64)(nil), ptr(4.0)))

	from := clock.MustParseLocal("2024-05-01T08:00:00")
	to := clock.MustParseLocal("2024-05-01T09:00:00")
	samples, err := s.SamplesInRange(context.Background(), SubjectRunner, from, to, ptr(int64(7)))
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Timestamp().String() != "2024-05-01T08:45:00.000" {
		t.Fatalf("unexpected timestamp %s", samples[0].Timestamp())
	}
	if samples[1].Timestamp().String() != "2024-05-01T08:45:02.000" {
		t.Fatalf("expected corrected timestamp, got %s", samples[1].Timestamp())
	}
	if _, ok := samples[1].Position(); ok {
		t.Fatalf("expected missing position")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSamplesByIDError(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	mock.ExpectQuery(`FROM gps_samples`).
		WithArgs(SubjectRunner, []int64{1, 2}).
		WillReturnError(errors.New("conn reset"))

	if _, err := s.SamplesByID(context.Background(), SubjectRunner, []int64{1, 2}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLatestSampleTime(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	latest := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT MAX\(COALESCE\(corrected_at, recorded_at\)\)`).
		WithArgs(SubjectRunner, (*int64)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&latest))
	mock.ExpectQuery(`SELECT MAX\(COALESCE\(corrected_at, recorded_at\)\)`).
		WithArgs(SubjectRunner, ptr(int64(9))).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow((*time.Time)(nil)))

	got, ok, err := s.LatestSampleTime(context.Background(), SubjectRunner, nil)
	if err != nil || !ok {
		t.Fatalf("latest: %v %v", ok, err)
	}
	if got.String() != "2024-05-01T09:30:00.000" {
		t.Fatalf("unexpected latest %s", got)
	}

	_, ok, err = s.LatestSampleTime(context.Background(), SubjectRunner, ptr(int64(9)))
	if err != nil || ok {
		t.Fatalf("expected no samples, got %v %v", ok, err)
	}
}

func TestCheckpointsParsesIntervals(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	cols := []string{"id", "race_id", "race_distance_id", "name", "kind", "lat", "lng", "radius_m", "distance_km", "checkpoint_order", "min_time", "max_time", "min_lap_time", "expected_laps"}
	mock.ExpectQuery(`FROM checkpoints\s+WHERE race_id = ANY\(\$1\)`).
		WithArgs([]int64{7}).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(1), int64(7), int64(10), "Finish", "finish", ptr(40.0), ptr(-3.0), (*float64)(nil), 10.0, 3,
				ptr("00:20:00"), ptr("03:00:00"), ptr("00:05:00"), 1).
			AddRow(int64(2), int64(7), int64(10), "Loop", "intermediate", ptr(40.01), ptr(-3.0), ptr(30.0), 2.5, 1,
				(*string)(nil), (*string)(nil), ptr("garbage"), 0))

	checkpoints, err := s.Checkpoints(context.Background(), []int64{7})
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints")
	}
	finish := checkpoints[0]
	if finish.MinLapTime == nil || *finish.MinLapTime != 5*time.Minute {
		t.Fatalf("expected min lap time, got %v", finish.MinLapTime)
	}
	if finish.MaxTime == nil || *finish.MaxTime != 3*time.Hour {
		t.Fatalf("expected max time, got %v", finish.MaxTime)
	}
	if finish.Radius() != DefaultRadiusM || finish.Laps() != 1 {
		t.Fatalf("unexpected defaults radius=%v laps=%d", finish.Radius(), finish.Laps())
	}
	loop := checkpoints[1]
	if loop.MinLapTime != nil || loop.MinTime != nil {
		t.Fatalf("expected unparsed intervals to be nil")
	}
	if loop.Radius() != 30 || loop.Laps() != 1 {
		t.Fatalf("unexpected loop radius=%v laps=%d", loop.Radius(), loop.Laps())
	}
}

func TestWavesAndParticipants(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	mock.ExpectQuery(`FROM registrations`).
		WithArgs([]int64{101}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "race_id", "race_distance_id", "bib"}).
			AddRow(int64(101), int64(7), int64(10), ptr("101")))
	mock.ExpectQuery(`FROM waves`).
		WithArgs([]int64{10}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "race_distance_id", "name", "start_time"}).
			AddRow(int64(1), int64(10), "Elite", time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)))

	participants, err := s.Participants(context.Background(), []int64{101})
	if err != nil || len(participants) != 1 || participants[0].RaceDistanceID != 10 {
		t.Fatalf("participants: %v %+v", err, participants)
	}
	waves, err := s.Waves(context.Background(), []int64{10})
	if err != nil || len(waves) != 1 {
		t.Fatalf("waves: %v", err)
	}
	if waves[0].StartTime.String() != "2024-05-01T08:00:00.000" {
		t.Fatalf("unexpected wave start %s", waves[0].StartTime)
	}
}

func TestCrossings(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	cols := []string{"id", "registration_id", "race_id", "race_distance_id", "checkpoint_id", "sample_id", "crossed_at", "lap", "method", "note"}
	mock.ExpectQuery(`FROM timing_records`).
		WithArgs([]int64{101}).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("c-1", int64(101), int64(7), int64(10), int64(1), ptr(int64(5)), time.Date(2024, 5, 1, 8, 45, 0, 0, time.UTC), 1, MethodGeofence, ""))

	crossings, err := s.Crossings(context.Background(), []int64{101})
	if err != nil || len(crossings) != 1 {
		t.Fatalf("crossings: %v", err)
	}
	if crossings[0].Lap != 1 || crossings[0].CrossedAt.String() != "2024-05-01T08:45:00.000" {
		t.Fatalf("unexpected crossing %+v", crossings[0])
	}
}

func TestInsertCrossing(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	c := Crossing{
		ID:             "c-1",
		RegistrationID: 101,
		RaceID:         7,
		RaceDistanceID: 10,
		CheckpointID:   1,
		SampleID:       ptr(int64(5)),
		CrossedAt:      clock.MustParseLocal("2024-05-01T08:45:00"),
		Lap:            1,
		Method:         MethodGeofence,
		Note:           "distance_to_center=14.0m race_time=00h45m00s",
	}
	mock.ExpectExec(`INSERT INTO timing_records .* ON CONFLICT \(registration_id, checkpoint_id, lap\) DO NOTHING`).
		WithArgs("c-1", int64(101), int64(7), int64(10), int64(1), c.SampleID, c.CrossedAt.WallTime(), 1, MethodGeofence, c.Note).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO timing_records`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.InsertCrossing(context.Background(), c)
	if err != nil || !inserted {
		t.Fatalf("insert: %v %v", inserted, err)
	}
	inserted, err = s.InsertCrossing(context.Background(), c)
	if err != nil || inserted {
		t.Fatalf("expected conflict to be ignored: %v %v", inserted, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRaceDistanceForMotorcycle(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	mock.ExpectQuery(`FROM motorcycles m\s+JOIN race_distances d`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "race_id", "name", "distance_km", "route_url"}).
			AddRow(int64(10), int64(7), "10K", 10.0, ptr("https://example.com/10k.gpx")))
	mock.ExpectQuery(`FROM motorcycles m`).
		WithArgs(int64(4), int64(7)).
		WillReturnError(pgx.ErrNoRows)

	d, err := s.RaceDistanceForMotorcycle(context.Background(), 3, 7)
	if err != nil {
		t.Fatalf("race distance: %v", err)
	}
	if d.RouteHandle() != "https://example.com/10k.gpx" {
		t.Fatalf("unexpected route handle %q", d.RouteHandle())
	}
	if _, err := s.RaceDistanceForMotorcycle(context.Background(), 4, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreviousDistance(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	mock.ExpectQuery(`SELECT p.distance_from_start_km`).
		WithArgs(int64(3), int64(20)).
		WillReturnRows(pgxmock.NewRows([]string{"distance_from_start_km"}).AddRow(4.2))
	mock.ExpectQuery(`SELECT p.distance_from_start_km`).
		WithArgs(int64(3), int64(1)).
		WillReturnError(pgx.ErrNoRows)

	prev, err := s.PreviousDistance(context.Background(), 3, 20)
	if err != nil || prev == nil || *prev != 4.2 {
		t.Fatalf("previous: %v %v", prev, err)
	}
	prev, err = s.PreviousDistance(context.Background(), 3, 1)
	if err != nil || prev != nil {
		t.Fatalf("expected no previous distance, got %v %v", prev, err)
	}
}

func TestSaveAndLoadProgress(t *testing.T) {
	mock := newMock(t)
	s := New(mock)

	progress := route.Progress{
		DistanceFromStartKm:        ptr(5.0),
		DistanceToFinishKm:         ptr(5.0),
		NextCheckpointID:           ptr(int64(2)),
		NextCheckpointName:         ptr("CP2"),
		DistanceToNextCheckpointKm: ptr(3.0),
	}
	mock.ExpectExec(`UPDATE gps_samples`).
		WithArgs(int64(20), progress.DistanceFromStartKm, progress.DistanceToFinishKm, progress.NextCheckpointID,
			progress.NextCheckpointName, progress.DistanceToNextCheckpointKm).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE gps_samples`).
		WithArgs(int64(21), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := s.SaveProgress(context.Background(), 20, progress); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveProgress(context.Background(), 21, progress); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cols := []string{"id", "recorded_at", "distance_from_start_km", "distance_to_finish_km", "next_checkpoint_id", "next_checkpoint_name", "distance_to_next_checkpoint_km"}
	mock.ExpectQuery(`progress_updated_at IS NOT NULL`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(20), time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), ptr(5.0), ptr(5.0), ptr(int64(2)), ptr("CP2"), ptr(3.0)))
	mock.ExpectQuery(`progress_updated_at IS NOT NULL`).
		WithArgs(int64(4), int64(7)).
		WillReturnError(pgx.ErrNoRows)

	snap, err := s.LatestProgress(context.Background(), 3, 7)
	if err != nil {
		t.Fatalf("latest progress: %v", err)
	}
	if snap.SampleID != 20 || *snap.NextCheckpointName != "CP2" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := s.LatestProgress(context.Background(), 4, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
