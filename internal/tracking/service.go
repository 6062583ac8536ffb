// Package tracking projects support-motorcycle positions onto their race
// route and stores the resulting progress on each sample.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"backend-racetracker/internal/logger"
	"backend-racetracker/internal/route"
	"backend-racetracker/internal/shared/clock"
	"backend-racetracker/internal/shared/geo"
	"backend-racetracker/internal/store"
	"backend-racetracker/internal/stream"

	"go.uber.org/zap"
)

var (
	ErrUnknownSubject       = errors.New("unknown motorcycle")
	ErrUnknownSample        = errors.New("unknown sample")
	ErrInvalidPosition      = errors.New("invalid position")
	ErrNoProgress           = errors.New("no progress recorded")
	ErrReferenceUnavailable = errors.New("reference data unavailable")
	ErrInvalidSelection     = errors.New("invalid sample selection")
)

type Store interface {
	SamplesInRange(ctx context.Context, subjectType string, from, to clock.LocalClockReading, raceID *int64) ([]store.Sample, error)
	LatestSampleTime(ctx context.Context, subjectType string, raceID *int64) (clock.LocalClockReading, bool, error)
	RaceDistanceForMotorcycle(ctx context.Context, motorcycleID, raceID int64) (store.RaceDistance, error)
	CheckpointsForDistance(ctx context.Context, raceDistanceID int64) ([]store.Checkpoint, error)
	PreviousDistance(ctx context.Context, motorcycleID, sampleID int64) (*float64, error)
	SaveProgress(ctx context.Context, sampleID int64, p route.Progress) error
	LatestProgress(ctx context.Context, motorcycleID, raceID int64) (store.Snapshot, error)
}

type Publisher interface {
	Publish(topic, eventType string, data any)
}

type Service struct {
	store   Store
	fetcher route.Fetcher
	pub     Publisher
	log     *zap.Logger
	opts    route.MatchOptions
}

func NewService(st Store, fetcher route.Fetcher, pub Publisher, log *zap.Logger, opts route.MatchOptions) *Service {
	return &Service{store: st, fetcher: fetcher, pub: pub, log: logger.OrNop(log), opts: opts}
}

// course is the reference data of one motorcycle within a race.
type course struct {
	distance store.RaceDistance
	marks    []route.Mark
	index    *route.Index
}

type subjectKey struct {
	motorcycleID int64
	raceID       int64
}

// run holds what one projection call has already resolved.
type run struct {
	cache   *route.Cache
	courses map[subjectKey]course
	prevM   map[subjectKey]float64
}

func (s *Service) newRun() *run {
	return &run{
		cache:   route.NewCache(s.fetcher),
		courses: map[subjectKey]course{},
		prevM:   map[subjectKey]float64{},
	}
}

// ProjectSample projects a single sample, continuing from the motorcycle's
// last stored progress.
func (s *Service) ProjectSample(ctx context.Context, req Request) (Projection, error) {
	return s.project(ctx, s.newRun(), req)
}

// ProjectBatch projects samples per motorcycle in ascending recorded time,
// carrying each motorcycle's progress from one sample to the next. Requests
// without a recorded time go first, by sample id. Samples of unknown
// motorcycles or without a usable position are skipped; reference store
// failures abort the batch.
func (s *Service) ProjectBatch(ctx context.Context, reqs []Request) (BatchResult, error) {
	sorted := make([]Request, len(reqs))
	copy(sorted, reqs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.MotorcycleID != b.MotorcycleID {
			return a.MotorcycleID < b.MotorcycleID
		}
		if a.RaceID != b.RaceID {
			return a.RaceID < b.RaceID
		}
		if (a.RecordedAt == nil) != (b.RecordedAt == nil) {
			return a.RecordedAt == nil
		}
		if a.RecordedAt != nil && !a.RecordedAt.Equal(*b.RecordedAt) {
			return a.RecordedAt.Before(*b.RecordedAt)
		}
		return a.SampleID < b.SampleID
	})

	r := s.newRun()
	var res BatchResult
	for _, req := range sorted {
		p, err := s.project(ctx, r, req)
		switch {
		case errors.Is(err, ErrUnknownSubject), errors.Is(err, ErrUnknownSample), errors.Is(err, ErrInvalidPosition):
			s.log.Debug("skipping motorcycle sample", zap.Int64("sample_id", req.SampleID), zap.Error(err))
			res.Skipped++
		case err != nil:
			return res, err
		default:
			res.Projections = append(res.Projections, p)
		}
	}
	return res, nil
}

// Backfill reprojects the stored motorcycle samples selected by req, for
// example after a route file was corrected.
func (s *Service) Backfill(ctx context.Context, req BackfillRequest) (BatchResult, error) {
	samples, err := s.selectSamples(ctx, req)
	if err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	reqs := make([]Request, 0, len(samples))
	for _, smp := range samples {
		pos, ok := smp.Position()
		if !ok {
			res.Skipped++
			continue
		}
		ts := smp.Timestamp()
		reqs = append(reqs, Request{
			SampleID:     smp.ID,
			MotorcycleID: smp.SubjectID,
			RaceID:       smp.RaceID,
			Lat:          pos.Lat,
			Lon:          pos.Lng,
			RecordedAt:   &ts,
		})
	}

	batch, err := s.ProjectBatch(ctx, reqs)
	batch.Skipped += res.Skipped
	if err != nil {
		return batch, err
	}
	s.log.Info("motorcycle backfill finished",
		zap.Int("samples", len(samples)),
		zap.Int("projected", len(batch.Projections)),
		zap.Int("skipped", batch.Skipped))
	return batch, nil
}

func (s *Service) selectSamples(ctx context.Context, req BackfillRequest) ([]store.Sample, error) {
	var from, to clock.LocalClockReading
	switch {
	case req.LookbackMinutes < 0:
		return nil, fmt.Errorf("%w: negative lookback", ErrInvalidSelection)
	case req.From != nil && req.To != nil && req.LookbackMinutes == 0:
		if req.To.Before(*req.From) {
			return nil, fmt.Errorf("%w: to is before from", ErrInvalidSelection)
		}
		from, to = *req.From, *req.To
	case req.From == nil && req.To == nil && req.LookbackMinutes > 0:
		latest, ok, err := s.store.LatestSampleTime(ctx, store.SubjectMotorcycle, req.RaceID)
		if err != nil {
			return nil, fmt.Errorf("%w: latest sample: %w", ErrReferenceUnavailable, err)
		}
		if !ok {
			return nil, nil
		}
		from, to = latest.Add(-time.Duration(req.LookbackMinutes)*time.Minute), latest
	default:
		return nil, fmt.Errorf("%w: choose from/to or a positive lookback", ErrInvalidSelection)
	}

	samples, err := s.store.SamplesInRange(ctx, store.SubjectMotorcycle, from, to, req.RaceID)
	if err != nil {
		return nil, fmt.Errorf("%w: samples: %w", ErrReferenceUnavailable, err)
	}
	return samples, nil
}

func (s *Service) project(ctx context.Context, r *run, req Request) (Projection, error) {
	pos := geo.Coord{Lat: req.Lat, Lng: req.Lon}
	if !pos.Valid() {
		return Projection{}, ErrInvalidPosition
	}

	key := subjectKey{req.MotorcycleID, req.RaceID}
	c, err := s.course(ctx, r, key)
	if err != nil {
		return Projection{}, err
	}

	var prevM *float64
	if c.index != nil {
		if m, ok := r.prevM[key]; ok {
			prevM = &m
		} else {
			km, err := s.store.PreviousDistance(ctx, req.MotorcycleID, req.SampleID)
			if err != nil {
				return Projection{}, fmt.Errorf("%w: previous distance: %w", ErrReferenceUnavailable, err)
			}
			if km != nil {
				m := *km * 1000
				prevM = &m
			}
		}
	}

	progress, match := route.Project(pos, c.index, prevM, c.distance.DistanceKm, c.marks, s.opts)
	if err := s.store.SaveProgress(ctx, req.SampleID, progress); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Projection{}, ErrUnknownSample
		}
		return Projection{}, fmt.Errorf("%w: save progress: %w", ErrReferenceUnavailable, err)
	}
	if progress.DistanceFromStartKm != nil {
		r.prevM[key] = *progress.DistanceFromStartKm * 1000
	}
	if match.FullRoute {
		s.log.Debug("full-route match", zap.Int64("sample_id", req.SampleID), zap.Float64("offset_m", match.OffsetM))
	}

	p := Projection{
		SampleID:       req.SampleID,
		MotorcycleID:   req.MotorcycleID,
		RaceID:         req.RaceID,
		RouteAvailable: c.index != nil,
		Progress:       progress,
	}
	if s.pub != nil {
		s.pub.Publish(stream.RaceTopic(req.RaceID), stream.EventProgress, p)
	}
	return p, nil
}

func (s *Service) course(ctx context.Context, r *run, key subjectKey) (course, error) {
	if c, ok := r.courses[key]; ok {
		return c, nil
	}

	distance, err := s.store.RaceDistanceForMotorcycle(ctx, key.motorcycleID, key.raceID)
	if errors.Is(err, store.ErrNotFound) {
		return course{}, ErrUnknownSubject
	}
	if err != nil {
		return course{}, fmt.Errorf("%w: race distance: %w", ErrReferenceUnavailable, err)
	}

	checkpoints, err := s.store.CheckpointsForDistance(ctx, distance.ID)
	if err != nil {
		return course{}, fmt.Errorf("%w: checkpoints: %w", ErrReferenceUnavailable, err)
	}
	marks := make([]route.Mark, 0, len(checkpoints))
	for _, cp := range checkpoints {
		marks = append(marks, cp.Mark())
	}

	idx, err := r.cache.Get(ctx, distance.RouteHandle())
	switch {
	case errors.Is(err, route.ErrUnavailable):
		s.log.Warn("route unavailable, reporting configured length only",
			zap.Int64("race_distance_id", distance.ID), zap.String("route", distance.RouteHandle()))
	case err != nil:
		return course{}, fmt.Errorf("%w: route: %w", ErrReferenceUnavailable, err)
	}

	c := course{distance: distance, marks: marks, index: idx}
	r.courses[key] = c
	return c, nil
}

// LatestProgress returns the newest snapshot stored for a motorcycle.
func (s *Service) LatestProgress(ctx context.Context, motorcycleID, raceID int64) (store.Snapshot, error) {
	snap, err := s.store.LatestProgress(ctx, motorcycleID, raceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Snapshot{}, ErrNoProgress
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %w", ErrReferenceUnavailable, err)
	}
	return snap, nil
}
