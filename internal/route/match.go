package route

import (
	"math"
	"sort"

	"backend-racetracker/internal/shared/geo"
)

// MatchOptions bounds the map-matching search. Zero fields take the values
// from DefaultMatchOptions.
type MatchOptions struct {
	// WindowM limits the search to points whose cumulative distance lies
	// within this many meters of the previous match.
	WindowM float64

	// SlackM is how far the in-window match may sit from the raw position
	// before a full-route search is attempted.
	SlackM float64

	// MaxJumpM caps how far along the route a full-route fallback may move
	// the subject relative to its previous match.
	MaxJumpM float64
}

func DefaultMatchOptions() MatchOptions {
	return MatchOptions{
		WindowM:  5000,
		SlackM:   200,
		MaxJumpM: 10000,
	}
}

func (o MatchOptions) withDefaults() MatchOptions {
	defaults := DefaultMatchOptions()
	if o.WindowM <= 0 {
		o.WindowM = defaults.WindowM
	}
	if o.SlackM <= 0 {
		o.SlackM = defaults.SlackM
	}
	if o.MaxJumpM <= 0 {
		o.MaxJumpM = defaults.MaxJumpM
	}
	return o
}

// Match is the route point chosen for a position.
type Match struct {
	Index              int
	DistanceFromStartM float64
	// OffsetM is the distance between the raw position and the matched point.
	OffsetM float64
	// FullRoute is set when the result came from searching the whole route
	// although a previous distance was known.
	FullRoute bool
}

// Match finds the route point for p. With a previous distance the search is
// confined to a window around it, so routes that loop back on themselves do
// not make the subject teleport; continuity wins over precision when the two
// disagree.
func (idx *Index) Match(p geo.Coord, prevM *float64, opts MatchOptions) Match {
	opts = opts.withDefaults()
	n := len(idx.Points)
	if prevM == nil {
		return idx.nearest(p, 0, n)
	}

	prev := *prevM
	lo := sort.Search(n, func(i int) bool { return idx.Points[i].CumulativeM >= prev-opts.WindowM })
	hi := sort.Search(n, func(i int) bool { return idx.Points[i].CumulativeM > prev+opts.WindowM })
	if lo >= hi {
		m := idx.nearest(p, 0, n)
		m.FullRoute = true
		return m
	}

	best := idx.nearest(p, lo, hi)
	if best.OffsetM <= opts.SlackM {
		return best
	}

	full := idx.nearest(p, 0, n)
	if full.OffsetM < best.OffsetM/2 && math.Abs(full.DistanceFromStartM-prev) < opts.MaxJumpM {
		full.FullRoute = true
		return full
	}
	return best
}

func (idx *Index) nearest(p geo.Coord, lo, hi int) Match {
	best := Match{Index: -1, OffsetM: math.Inf(1)}
	for i := lo; i < hi; i++ {
		d := geo.DistanceMeters(p, idx.Points[i].Coord)
		if d < best.OffsetM {
			best = Match{Index: i, DistanceFromStartM: idx.Points[i].CumulativeM, OffsetM: d}
		}
	}
	return best
}
