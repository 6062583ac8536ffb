package tracking

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"backend-racetracker/internal/store"

	"github.com/gofiber/fiber/v2"
)

func newTestApp(st *fakeStore) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app.Group("/tracking"), newService(st, loopFetcher(), nil), func(c *fiber.Ctx) error { return c.Next() })
	return app
}

func postProgress(t *testing.T, app *fiber.App, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return resp
}

func TestProgressHandlers(t *testing.T) {
	app := newTestApp(newFakeStore())
	p := at(5100, 0)
	body, _ := json.Marshal(map[string]any{"motorcycle_id": 3, "race_id": 7, "lat": p.Lat, "lon": p.Lng})

	resp := postProgress(t, app, "/tracking/samples/20/progress", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var projection Projection
	if err := json.NewDecoder(resp.Body).Decode(&projection); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if projection.SampleID != 20 || projection.DistanceFromStartKm == nil {
		t.Fatalf("unexpected projection %+v", projection)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/tracking/motorcycles/3/progress?race_id=7", nil))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("latest progress status: %v", err)
	}
}

func TestProgressHandlersErrors(t *testing.T) {
	st := newFakeStore()
	app := newTestApp(st)

	cases := []struct {
		path string
		body string
		want int
	}{
		{"/tracking/samples/abc/progress", `{"motorcycle_id":3,"race_id":7,"lat":40,"lon":-3}`, http.StatusBadRequest},
		{"/tracking/samples/1/progress", `{`, http.StatusBadRequest},
		{"/tracking/samples/1/progress", `{"motorcycle_id":3,"race_id":7}`, http.StatusBadRequest},
		{"/tracking/samples/1/progress", `{"motorcycle_id":3,"race_id":7,"lat":95,"lon":-3}`, http.StatusBadRequest},
		{"/tracking/samples/1/progress", `{"motorcycle_id":999,"race_id":7,"lat":40,"lon":-3}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		if resp := postProgress(t, app, tc.path, tc.body); resp.StatusCode != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.path, tc.body, tc.want, resp.StatusCode)
		}
	}

	st.failOn = "distance"
	if resp := postProgress(t, app, "/tracking/samples/1/progress", `{"motorcycle_id":3,"race_id":7,"lat":40,"lon":-3}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestLatestProgressHandlerErrors(t *testing.T) {
	app := newTestApp(newFakeStore())

	for path, want := range map[string]int{
		"/tracking/motorcycles/3/progress":           http.StatusBadRequest,
		"/tracking/motorcycles/x/progress?race_id=7": http.StatusBadRequest,
		"/tracking/motorcycles/3/progress?race_id=7": http.StatusNotFound,
	} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		if err != nil {
			t.Fatalf("request error: %v", err)
		}
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}

func TestBackfillHandler(t *testing.T) {
	st := newFakeStore()
	st.samples = []store.Sample{
		motorcycleSample(70, 3, "2024-05-01T09:00:00", at(1000, 0)),
		motorcycleSample(71, 3, "2024-05-01T09:02:00", at(1200, 0)),
	}
	app := newTestApp(st)

	resp := postProgress(t, app, "/tracking/backfill", `{"lookback_minutes":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Projections) != 2 || res.Projections[0].SampleID != 70 {
		t.Fatalf("unexpected backfill result %+v", res)
	}

	if resp := postProgress(t, app, "/tracking/backfill", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty selection, got %d", resp.StatusCode)
	}
	st.failOn = "samples"
	if resp := postProgress(t, app, "/tracking/backfill", `{"lookback_minutes":5}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
