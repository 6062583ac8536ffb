package route

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"backend-racetracker/internal/shared/geo"

	"github.com/tkrajina/gpxgo/gpx"
)

const maxRouteBytes = 32 << 20

// Fetcher loads the ordered track points behind a route handle.
type Fetcher interface {
	Fetch(ctx context.Context, handle string) ([]geo.Coord, error)
}

// HTTPFetcher reads route files from http(s) URLs or, for operators running
// locally, from file paths.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, handle string) ([]geo.Coord, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(handle, "http://"), strings.HasPrefix(handle, "https://"):
		data, err = f.download(ctx, handle)
	default:
		data, err = os.ReadFile(strings.TrimPrefix(handle, "file://"))
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch route %s: %w", handle, err)
	}
	return ParsePoints(data)
}

func (f *HTTPFetcher) download(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// missing or forbidden route file
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRouteBytes))
}

// ParsePoints decodes a GPX document or a JSON array of [lat, lon] pairs or
// {"lat", "lon"|"lng"} objects. Malformed documents yield ErrUnavailable.
func ParsePoints(data []byte) ([]geo.Coord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		return parseJSONPoints(trimmed)
	}
	return parseGPXPoints(trimmed)
}

func parseGPXPoints(data []byte) ([]geo.Coord, error) {
	doc, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse gpx: %w", ErrUnavailable, err)
	}

	var coords []geo.Coord
	for _, track := range doc.Tracks {
		for _, segment := range track.Segments {
			for _, p := range segment.Points {
				coords = append(coords, geo.Coord{Lat: p.Latitude, Lng: p.Longitude})
			}
		}
	}
	if len(coords) > 0 {
		return coords, nil
	}
	for _, r := range doc.Routes {
		for _, p := range r.Points {
			coords = append(coords, geo.Coord{Lat: p.Latitude, Lng: p.Longitude})
		}
	}
	if len(coords) > 0 {
		return coords, nil
	}
	for _, p := range doc.Waypoints {
		coords = append(coords, geo.Coord{Lat: p.Latitude, Lng: p.Longitude})
	}
	return coords, nil
}

func parseJSONPoints(data []byte) ([]geo.Coord, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse json route: %w", ErrUnavailable, err)
	}

	coords := make([]geo.Coord, 0, len(raw))
	for i, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '[' {
			var pair []float64
			if err := json.Unmarshal(item, &pair); err != nil || len(pair) < 2 {
				return nil, fmt.Errorf("%w: parse json route: point %d is not a [lat, lon] pair", ErrUnavailable, i)
			}
			coords = append(coords, geo.Coord{Lat: pair[0], Lng: pair[1]})
			continue
		}

		var obj struct {
			Lat *float64 `json:"lat"`
			Lon *float64 `json:"lon"`
			Lng *float64 `json:"lng"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("%w: parse json route: point %d: %w", ErrUnavailable, i, err)
		}
		lng := obj.Lng
		if lng == nil {
			lng = obj.Lon
		}
		if obj.Lat == nil || lng == nil {
			continue
		}
		coords = append(coords, geo.Coord{Lat: *obj.Lat, Lng: *lng})
	}
	return coords, nil
}
