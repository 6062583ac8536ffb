// Package timing turns runner GPS samples into checkpoint crossing records.
package timing

import (
	"fmt"
	"strings"
	"time"

	"backend-racetracker/internal/shared/clock"
	"backend-racetracker/internal/shared/geo"
	"backend-racetracker/internal/store"

	"github.com/google/uuid"
)

// Reference is the read-only race data a detection pass consults.
type Reference struct {
	participants map[int64]store.Participant
	geofences    map[int64][]store.Checkpoint
	waveStarts   map[int64]clock.LocalClockReading
}

// NewReference indexes participants by registration, geofences by race
// distance and keeps the earliest wave start of each race distance.
// Checkpoints without usable coordinates are dropped.
func NewReference(participants []store.Participant, checkpoints []store.Checkpoint, waves []store.Wave) Reference {
	ref := Reference{
		participants: make(map[int64]store.Participant, len(participants)),
		geofences:    map[int64][]store.Checkpoint{},
		waveStarts:   map[int64]clock.LocalClockReading{},
	}
	for _, p := range participants {
		ref.participants[p.RegistrationID] = p
	}
	for _, c := range checkpoints {
		if _, ok := c.Center(); !ok {
			continue
		}
		ref.geofences[c.RaceDistanceID] = append(ref.geofences[c.RaceDistanceID], c)
	}
	for _, w := range waves {
		if start, ok := ref.waveStarts[w.RaceDistanceID]; ok && !w.StartTime.Before(start) {
			continue
		}
		ref.waveStarts[w.RaceDistanceID] = w.StartTime
	}
	return ref
}

// Geofences counts the usable geofences across every race distance.
func (r Reference) Geofences() int {
	n := 0
	for _, fences := range r.geofences {
		n += len(fences)
	}
	return n
}

// candidates returns the geofences of the participant's own race and race
// distance. Checkpoints of another distance sharing the race never match.
func (r Reference) candidates(p store.Participant) []store.Checkpoint {
	var out []store.Checkpoint
	for _, c := range r.geofences[p.RaceDistanceID] {
		if c.RaceID == p.RaceID {
			out = append(out, c)
		}
	}
	return out
}

// Outcome tallies one detection pass.
type Outcome struct {
	Crossings           []store.Crossing
	SamplesConsidered   int
	SuppressedLapTime   int
	SuppressedDuplicate int
	Skipped             int
	GeofenceChecks      int
}

func (o *Outcome) merge(other Outcome) {
	o.Crossings = append(o.Crossings, other.Crossings...)
	o.SamplesConsidered += other.SamplesConsidered
	o.SuppressedLapTime += other.SuppressedLapTime
	o.SuppressedDuplicate += other.SuppressedDuplicate
	o.Skipped += other.Skipped
	o.GeofenceChecks += other.GeofenceChecks
}

// Detect tests samples against the geofences of their subject's race
// distance and records new crossings in ledger. Samples must be sorted by
// timestamp. force lifts the lap-count and redelivery guards but never the
// minimum lap time.
func Detect(samples []store.Sample, ref Reference, ledger *Ledger, force bool) Outcome {
	var out Outcome
	for _, sample := range samples {
		out.SamplesConsidered++

		participant, ok := ref.participants[sample.SubjectID]
		if !ok {
			out.Skipped++
			continue
		}
		pos, ok := sample.Position()
		if !ok {
			out.Skipped++
			continue
		}

		ts := sample.Timestamp()
		waveStart, hasWave := ref.waveStarts[participant.RaceDistanceID]

		for _, fence := range ref.candidates(participant) {
			out.GeofenceChecks++
			center, _ := fence.Center()
			dist := geo.DistanceMeters(pos, center)
			if dist > fence.Radius() {
				continue
			}

			history := ledger.History(participant.RegistrationID, fence.ID)
			if last, ok := history.Last(); ok {
				if !force && !ts.After(last.CrossedAt) {
					out.SuppressedDuplicate++
					continue
				}
				if fence.MinLapTime != nil && ts.Sub(last.CrossedAt) < *fence.MinLapTime {
					out.SuppressedLapTime++
					continue
				}
			}

			laps := history.Laps()
			if !force && laps >= fence.Laps() {
				out.SuppressedDuplicate++
				continue
			}

			sampleID := sample.ID
			crossing := store.Crossing{
				ID:             uuid.NewString(),
				RegistrationID: participant.RegistrationID,
				RaceID:         participant.RaceID,
				RaceDistanceID: participant.RaceDistanceID,
				CheckpointID:   fence.ID,
				SampleID:       &sampleID,
				CrossedAt:      ts,
				Lap:            laps + 1,
				Method:         store.MethodGeofence,
				Note:           crossingNote(dist, fence, ts, waveStart, hasWave),
			}
			ledger.Record(crossing)
			out.Crossings = append(out.Crossings, crossing)
		}
	}
	return out
}

// crossingNote annotates a crossing with its distance to the geofence
// center and the elapsed race time. Time bounds are reported, not enforced.
func crossingNote(dist float64, fence store.Checkpoint, ts, waveStart clock.LocalClockReading, hasWave bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "distance_to_center=%.1fm", dist)
	if !hasWave {
		b.WriteString(" race_time=unknown")
		return b.String()
	}

	elapsed := ts.Sub(waveStart)
	fmt.Fprintf(&b, " race_time=%s", clock.FormatElapsed(elapsed))
	if advisory := boundsAdvisory(elapsed, fence.MinTime, fence.MaxTime); advisory != "" {
		b.WriteString(" advisory=" + advisory)
	}
	return b.String()
}

func boundsAdvisory(elapsed time.Duration, minTime, maxTime *time.Duration) string {
	switch {
	case minTime != nil && elapsed < *minTime:
		return "before_min_time"
	case maxTime != nil && elapsed > *maxTime:
		return "after_max_time"
	}
	return ""
}
