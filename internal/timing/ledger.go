package timing

import (
	"sort"

	"backend-racetracker/internal/store"
)

type lapKey struct {
	registrationID int64
	checkpointID   int64
}

// Ledger tracks the crossings of one subject across a run: those already
// committed to the store and those produced earlier in the same run. A
// Ledger is owned by a single worker and is not safe for concurrent use.
type Ledger struct {
	committed map[lapKey][]store.Crossing
	pending   map[lapKey][]store.Crossing
	order     []store.Crossing
}

func NewLedger(committed []store.Crossing) *Ledger {
	l := &Ledger{
		committed: map[lapKey][]store.Crossing{},
		pending:   map[lapKey][]store.Crossing{},
	}
	for _, c := range committed {
		k := lapKey{c.RegistrationID, c.CheckpointID}
		l.committed[k] = append(l.committed[k], c)
	}
	return l
}

// History returns the merged crossings of a registration at a checkpoint in
// crossing order.
func (l *Ledger) History(registrationID, checkpointID int64) LapHistory {
	k := lapKey{registrationID, checkpointID}
	committed, pending := l.committed[k], l.pending[k]

	merged := make(LapHistory, 0, len(committed)+len(pending))
	merged = append(merged, committed...)
	merged = append(merged, pending...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CrossedAt.Equal(merged[j].CrossedAt) {
			return merged[i].Lap < merged[j].Lap
		}
		return merged[i].CrossedAt.Before(merged[j].CrossedAt)
	})
	return merged
}

// Record adds a crossing produced in this run.
func (l *Ledger) Record(c store.Crossing) {
	k := lapKey{c.RegistrationID, c.CheckpointID}
	l.pending[k] = append(l.pending[k], c)
	l.order = append(l.order, c)
}

// Pending returns the crossings recorded in this run, in recording order.
func (l *Ledger) Pending() []store.Crossing {
	return l.order
}

// LapHistory is an ordered view of crossings at one checkpoint.
type LapHistory []store.Crossing

// Laps is the highest lap number recorded so far.
func (h LapHistory) Laps() int {
	laps := 0
	for _, c := range h {
		if c.Lap > laps {
			laps = c.Lap
		}
	}
	return laps
}

func (h LapHistory) Last() (store.Crossing, bool) {
	if len(h) == 0 {
		return store.Crossing{}, false
	}
	return h[len(h)-1], true
}
