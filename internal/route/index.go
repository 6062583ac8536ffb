// Package route holds a race distance's reference polyline and projects
// moving subjects onto it.
package route

import (
	"errors"

	"backend-racetracker/internal/shared/geo"
)

// ErrUnavailable is returned when a route is missing, malformed or has no
// usable track points. Callers degrade to the race distance's configured length.
var ErrUnavailable = errors.New("route unavailable")

// Point is one vertex of the route with its distance from the route origin.
type Point struct {
	geo.Coord
	CumulativeM float64
}

type Index struct {
	Handle string
	Points []Point
	TotalM float64
}

// Build accumulates haversine distances over coords, skipping invalid ones.
func Build(handle string, coords []geo.Coord) (*Index, error) {
	idx := &Index{Handle: handle, Points: make([]Point, 0, len(coords))}
	for _, c := range coords {
		if !c.Valid() {
			continue
		}
		if n := len(idx.Points); n > 0 {
			idx.TotalM += geo.DistanceMeters(idx.Points[n-1].Coord, c)
		}
		idx.Points = append(idx.Points, Point{Coord: c, CumulativeM: idx.TotalM})
	}
	if len(idx.Points) == 0 {
		return nil, ErrUnavailable
	}
	return idx, nil
}
