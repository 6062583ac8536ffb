package timing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"backend-racetracker/internal/logger"
	"backend-racetracker/internal/shared/clock"
	"backend-racetracker/internal/store"
	"backend-racetracker/internal/stream"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidSelection is returned when a request does not name exactly
	// one way of selecting samples.
	ErrInvalidSelection = errors.New("invalid sample selection")

	// ErrReferenceUnavailable marks a run aborted because reference data
	// could not be read or results could not be written. Retry the run.
	ErrReferenceUnavailable = errors.New("reference data unavailable")
)

// Store is the reference store as seen by the timing path.
type Store interface {
	SamplesInRange(ctx context.Context, subjectType string, from, to clock.LocalClockReading, raceID *int64) ([]store.Sample, error)
	SamplesByID(ctx context.Context, subjectType string, ids []int64) ([]store.Sample, error)
	LatestSampleTime(ctx context.Context, subjectType string, raceID *int64) (clock.LocalClockReading, bool, error)
	Participants(ctx context.Context, registrationIDs []int64) ([]store.Participant, error)
	Checkpoints(ctx context.Context, raceIDs []int64) ([]store.Checkpoint, error)
	Waves(ctx context.Context, raceDistanceIDs []int64) ([]store.Wave, error)
	Crossings(ctx context.Context, registrationIDs []int64) ([]store.Crossing, error)
	InsertCrossing(ctx context.Context, c store.Crossing) (bool, error)
}

// Publisher receives every crossing that was written.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

type Options struct {
	Workers int
	Timeout time.Duration
}

// Request selects the runner samples of a run. Exactly one of the range,
// the look-back window or the sample ids must be set.
type Request struct {
	From            *clock.LocalClockReading `json:"from"`
	To              *clock.LocalClockReading `json:"to"`
	LookbackMinutes int                      `json:"lookback_minutes"`
	SampleIDs       []int64                  `json:"sample_ids"`
	RaceID          *int64                   `json:"race_id"`
	Force           bool                     `json:"force"`
}

func (r Request) validate() error {
	modes := 0
	if r.From != nil || r.To != nil {
		if r.From == nil || r.To == nil {
			return fmt.Errorf("%w: from and to must be given together", ErrInvalidSelection)
		}
		if r.To.Before(*r.From) {
			return fmt.Errorf("%w: to is before from", ErrInvalidSelection)
		}
		modes++
	}
	if r.LookbackMinutes < 0 {
		return fmt.Errorf("%w: negative lookback", ErrInvalidSelection)
	}
	if r.LookbackMinutes > 0 {
		modes++
	}
	if len(r.SampleIDs) > 0 {
		modes++
	}
	if modes != 1 {
		return fmt.Errorf("%w: choose one of from/to, lookback_minutes or sample_ids", ErrInvalidSelection)
	}
	return nil
}

// Result summarises a run. It is returned even when nothing was created so
// callers can tell an idle run from a filtered one by the counts.
type Result struct {
	SamplesConsidered   int   `json:"samples_considered"`
	RecordsCreated      int   `json:"records_created"`
	SuppressedLapTime   int   `json:"suppressed_lap_time"`
	SuppressedDuplicate int   `json:"suppressed_duplicate"`
	SkippedSamples      int   `json:"skipped_samples"`
	GeofencesExamined   int   `json:"geofences_examined"`
	GeofenceChecks      int   `json:"geofence_checks"`
	TimedOut            bool  `json:"timed_out"`
	DurationMs          int64 `json:"duration_ms"`
}

type Service struct {
	store Store
	pub   Publisher
	log   *zap.Logger
	opts  Options
}

func NewService(st Store, pub Publisher, log *zap.Logger, opts Options) *Service {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Service{store: st, pub: pub, log: logger.OrNop(log), opts: opts}
}

type batch struct {
	samples   []store.Sample
	ref       Reference
	crossings map[int64][]store.Crossing
}

// Run detects and writes the crossings of the selected runner samples.
// Subjects are processed concurrently; when the run deadline passes the
// remaining subjects are skipped and what was already detected is still
// written.
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	b, err := s.load(runCtx, req)
	if err != nil {
		s.log.Error("timing run aborted", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrReferenceUnavailable, err)
	}

	res := Result{GeofencesExamined: b.ref.Geofences()}
	if len(b.samples) > 0 && res.GeofencesExamined == 0 {
		s.log.Warn("no geofences found for races with samples", zap.Int("samples", len(b.samples)), zap.Int64p("race_id", req.RaceID))
	}

	outcome, timedOut := s.detect(runCtx, b, req.Force)
	res.SamplesConsidered = outcome.SamplesConsidered
	res.SuppressedLapTime = outcome.SuppressedLapTime
	res.SuppressedDuplicate = outcome.SuppressedDuplicate
	res.SkippedSamples = outcome.Skipped
	res.GeofenceChecks = outcome.GeofenceChecks
	res.TimedOut = timedOut

	created, err := s.persist(context.WithoutCancel(ctx), outcome.Crossings)
	res.RecordsCreated = created
	res.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		s.log.Error("timing run persist failed", zap.Int("records_created", created), zap.Error(err))
		return res, fmt.Errorf("%w: %w", ErrReferenceUnavailable, err)
	}

	s.log.Info("timing run finished",
		zap.Int("samples_considered", res.SamplesConsidered),
		zap.Int("records_created", res.RecordsCreated),
		zap.Int("suppressed_lap_time", res.SuppressedLapTime),
		zap.Int("suppressed_duplicate", res.SuppressedDuplicate),
		zap.Int("skipped_samples", res.SkippedSamples),
		zap.Int("geofences_examined", res.GeofencesExamined),
		zap.Bool("timed_out", res.TimedOut),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res, nil
}

func (s *Service) load(ctx context.Context, req Request) (batch, error) {
	samples, err := s.selectSamples(ctx, req)
	if err != nil {
		return batch{}, fmt.Errorf("load samples: %w", err)
	}
	if len(samples) == 0 {
		return batch{ref: NewReference(nil, nil, nil)}, nil
	}

	registrationIDs := uniqueIDs(samples, func(smp store.Sample) int64 { return smp.SubjectID })
	participants, err := s.store.Participants(ctx, registrationIDs)
	if err != nil {
		return batch{}, fmt.Errorf("load participants: %w", err)
	}

	raceIDs := uniqueIDs(participants, func(p store.Participant) int64 { return p.RaceID })
	distanceIDs := uniqueIDs(participants, func(p store.Participant) int64 { return p.RaceDistanceID })

	var checkpoints []store.Checkpoint
	var waves []store.Wave
	if len(participants) > 0 {
		if checkpoints, err = s.store.Checkpoints(ctx, raceIDs); err != nil {
			return batch{}, fmt.Errorf("load checkpoints: %w", err)
		}
		if waves, err = s.store.Waves(ctx, distanceIDs); err != nil {
			return batch{}, fmt.Errorf("load waves: %w", err)
		}
	}

	existing, err := s.store.Crossings(ctx, registrationIDs)
	if err != nil {
		return batch{}, fmt.Errorf("load crossings: %w", err)
	}
	bySubject := map[int64][]store.Crossing{}
	for _, c := range existing {
		bySubject[c.RegistrationID] = append(bySubject[c.RegistrationID], c)
	}

	return batch{
		samples:   samples,
		ref:       NewReference(participants, checkpoints, waves),
		crossings: bySubject,
	}, nil
}

func (s *Service) selectSamples(ctx context.Context, req Request) ([]store.Sample, error) {
	switch {
	case len(req.SampleIDs) > 0:
		samples, err := s.store.SamplesByID(ctx, store.SubjectRunner, req.SampleIDs)
		if err != nil || req.RaceID == nil {
			return samples, err
		}
		scoped := samples[:0]
		for _, smp := range samples {
			if smp.RaceID == *req.RaceID {
				scoped = append(scoped, smp)
			}
		}
		return scoped, nil
	case req.LookbackMinutes > 0:
		latest, ok, err := s.store.LatestSampleTime(ctx, store.SubjectRunner, req.RaceID)
		if err != nil || !ok {
			return nil, err
		}
		from := latest.Add(-time.Duration(req.LookbackMinutes) * time.Minute)
		return s.store.SamplesInRange(ctx, store.SubjectRunner, from, latest, req.RaceID)
	default:
		return s.store.SamplesInRange(ctx, store.SubjectRunner, *req.From, *req.To, req.RaceID)
	}
}

// detect runs one worker per subject so each subject's ledger has a single
// owner. It reports whether the deadline cut the run short.
func (s *Service) detect(ctx context.Context, b batch, force bool) (Outcome, bool) {
	groups := map[int64][]store.Sample{}
	for _, smp := range b.samples {
		groups[smp.SubjectID] = append(groups[smp.SubjectID], smp)
	}
	subjects := make([]int64, 0, len(groups))
	for id, samples := range groups {
		subjects = append(subjects, id)
		sort.SliceStable(samples, func(i, j int) bool {
			ti, tj := samples[i].Timestamp(), samples[j].Timestamp()
			if ti.Equal(tj) {
				return samples[i].ID < samples[j].ID
			}
			return ti.Before(tj)
		})
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })

	outcomes := make([]Outcome, len(subjects))
	expired := make([]bool, len(subjects))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, subject := range subjects {
		i, subject := i, subject
		samples := groups[subject]
		if ctx.Err() != nil {
			outcomes[i] = Outcome{SamplesConsidered: len(samples), Skipped: len(samples)}
			expired[i] = true
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = Outcome{SamplesConsidered: len(samples), Skipped: len(samples)}
				expired[i] = true
				return nil
			}
			outcomes[i] = Detect(samples, b.ref, NewLedger(b.crossings[subject]), force)
			return nil
		})
	}
	_ = g.Wait()

	var total Outcome
	timedOut := false
	for i := range outcomes {
		total.merge(outcomes[i])
		timedOut = timedOut || expired[i]
	}
	if timedOut {
		s.log.Warn("timing run deadline reached, remaining subjects skipped", zap.Duration("timeout", s.opts.Timeout))
	}
	return total, timedOut
}

func (s *Service) persist(ctx context.Context, crossings []store.Crossing) (int, error) {
	created := 0
	for _, c := range crossings {
		inserted, err := s.store.InsertCrossing(ctx, c)
		if err != nil {
			return created, fmt.Errorf("insert crossing: %w", err)
		}
		if !inserted {
			continue
		}
		created++
		if s.pub != nil {
			s.pub.Publish(stream.RaceTopic(c.RaceID), stream.EventCrossing, c)
		}
	}
	return created, nil
}

func uniqueIDs[T any](items []T, id func(T) int64) []int64 {
	seen := make(map[int64]struct{}, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		v := id(item)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		ids = append(ids, v)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
