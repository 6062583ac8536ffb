package timing

import (
	"context"
	"errors"
	"sync"
	"time"

	"backend-racetracker/internal/shared/clock"
	"backend-racetracker/internal/store"
)

const (
	raceID     = int64(7)
	distance10 = int64(10)
	distance21 = int64(21)
	finishID   = int64(1)
)

func ptr[T any](v T) *T { return &v }

func at(text string) clock.LocalClockReading {
	return clock.MustParseLocal(text)
}

func runnerSample(id, subject int64, lat, lng float64, ts string) store.Sample {
	return store.Sample{
		ID:          id,
		SubjectType: store.SubjectRunner,
		SubjectID:   subject,
		RaceID:      raceID,
		Lat:         ptr(lat),
		Lng:         ptr(lng),
		RecordedAt:  at(ts),
	}
}

func finishLine() store.Checkpoint {
	return store.Checkpoint{
		ID:             finishID,
		RaceID:         raceID,
		RaceDistanceID: distance10,
		Name:           "Finish",
		Kind:           "finish",
		Lat:            ptr(40.0),
		Lng:            ptr(-3.0),
		RadiusM:        ptr(50.0),
		DistanceKm:     10,
		ExpectedLaps:   1,
	}
}

func lapGate(minLap time.Duration, laps int) store.Checkpoint {
	cp := finishLine()
	cp.ID = 2
	cp.Name = "Lap gate"
	cp.Kind = "intermediate"
	cp.MinLapTime = &minLap
	cp.ExpectedLaps = laps
	return cp
}

func entrant(registrationID int64) store.Participant {
	return store.Participant{RegistrationID: registrationID, RaceID: raceID, RaceDistanceID: distance10}
}

func wave(start string) store.Wave {
	return store.Wave{ID: 1, RaceDistanceID: distance10, Name: "Main", StartTime: at(start)}
}

var errStore = errors.New("connection refused")

// fakeStore is an in-memory reference store with the same conflict rule as
// the timing_records unique key.
type fakeStore struct {
	mu           sync.Mutex
	samples      []store.Sample
	participants []store.Participant
	checkpoints  []store.Checkpoint
	waves        []store.Wave
	crossings    []store.Crossing

	failOn      string
	crossingsIn time.Duration
	inserts     int
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (f *fakeStore) fail(op string) error {
	if f.failOn == op {
		return errStore
	}
	return nil
}

func (f *fakeStore) SamplesInRange(_ context.Context, subjectType string, from, to clock.LocalClockReading, race *int64) ([]store.Sample, error) {
	if err := f.fail("samples"); err != nil {
		return nil, err
	}
	var out []store.Sample
	for _, s := range f.samples {
		ts := s.Timestamp()
		if s.SubjectType != subjectType || ts.Before(from) || ts.After(to) {
			continue
		}
		if race != nil && s.RaceID != *race {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) SamplesByID(_ context.Context, subjectType string, ids []int64) ([]store.Sample, error) {
	if err := f.fail("samples"); err != nil {
		return nil, err
	}
	var out []store.Sample
	for _, s := range f.samples {
		if s.SubjectType == subjectType && contains(ids, s.ID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestSampleTime(_ context.Context, subjectType string, race *int64) (clock.LocalClockReading, bool, error) {
	if err := f.fail("samples"); err != nil {
		return clock.LocalClockReading{}, false, err
	}
	var (
		latest clock.LocalClockReading
		found  bool
	)
	for _, s := range f.samples {
		if s.SubjectType != subjectType || (race != nil && s.RaceID != *race) {
			continue
		}
		if !found || s.Timestamp().After(latest) {
			latest, found = s.Timestamp(), true
		}
	}
	return latest, found, nil
}

func (f *fakeStore) Participants(_ context.Context, ids []int64) ([]store.Participant, error) {
	if err := f.fail("participants"); err != nil {
		return nil, err
	}
	var out []store.Participant
	for _, p := range f.participants {
		if contains(ids, p.RegistrationID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) Checkpoints(_ context.Context, raceIDs []int64) ([]store.Checkpoint, error) {
	if err := f.fail("checkpoints"); err != nil {
		return nil, err
	}
	var out []store.Checkpoint
	for _, c := range f.checkpoints {
		if contains(raceIDs, c.RaceID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) Waves(_ context.Context, distanceIDs []int64) ([]store.Wave, error) {
	if err := f.fail("waves"); err != nil {
		return nil, err
	}
	var out []store.Wave
	for _, w := range f.waves {
		if contains(distanceIDs, w.RaceDistanceID) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) Crossings(_ context.Context, ids []int64) ([]store.Crossing, error) {
	if f.crossingsIn > 0 {
		time.Sleep(f.crossingsIn)
	}
	if err := f.fail("crossings"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Crossing
	for _, c := range f.crossings {
		if contains(ids, c.RegistrationID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertCrossing(_ context.Context, c store.Crossing) (bool, error) {
	if err := f.fail("insert"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	for _, existing := range f.crossings {
		if existing.RegistrationID == c.RegistrationID && existing.CheckpointID == c.CheckpointID && existing.Lap == c.Lap {
			return false, nil
		}
	}
	f.crossings = append(f.crossings, c)
	return true, nil
}

type published struct {
	topic     string
	eventType string
	data      any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(topic, eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic, eventType, data})
}
