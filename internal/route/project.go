package route

import (
	"sort"

	"backend-racetracker/internal/shared/geo"
)

// Mark is a checkpoint's position along the route.
type Mark struct {
	ID         int64
	Name       string
	DistanceKm float64
}

// Progress is the snapshot written back onto a motorcycle sample. Nil fields
// are unknown.
type Progress struct {
	DistanceFromStartKm        *float64 `json:"distance_from_start_km"`
	DistanceToFinishKm         *float64 `json:"distance_to_finish_km"`
	NextCheckpointID           *int64   `json:"next_checkpoint_id"`
	NextCheckpointName         *string  `json:"next_checkpoint_name"`
	DistanceToNextCheckpointKm *float64 `json:"distance_to_next_checkpoint_km"`
}

// Project matches p onto idx and derives the progress metrics. A nil idx
// yields only the configured total length as distance to finish.
func Project(p geo.Coord, idx *Index, prevM *float64, fallbackTotalKm float64, marks []Mark, opts MatchOptions) (Progress, Match) {
	if idx == nil {
		total := fallbackTotalKm
		return Progress{DistanceToFinishKm: &total}, Match{Index: -1}
	}

	m := idx.Match(p, prevM, opts)
	fromKm := m.DistanceFromStartM / 1000
	toFinishKm := max(0, (idx.TotalM-m.DistanceFromStartM)/1000)
	progress := Progress{
		DistanceFromStartKm: &fromKm,
		DistanceToFinishKm:  &toFinishKm,
	}

	if next, ok := NextMark(marks, fromKm); ok {
		id, name := next.ID, next.Name
		remaining := max(0, next.DistanceKm-fromKm)
		progress.NextCheckpointID = &id
		progress.NextCheckpointName = &name
		progress.DistanceToNextCheckpointKm = &remaining
	}
	return progress, m
}

// NextMark returns the first mark, by distance along the route, lying
// strictly beyond fromKm.
func NextMark(marks []Mark, fromKm float64) (Mark, bool) {
	sorted := make([]Mark, len(marks))
	copy(sorted, marks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DistanceKm < sorted[j].DistanceKm })

	for _, mk := range sorted {
		if mk.DistanceKm > fromKm {
			return mk, true
		}
	}
	return Mark{}, false
}
