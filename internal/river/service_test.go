package river

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lox/riverwatch/internal/cache"
	"github.com/lox/riverwatch/internal/config"
	"github.com/lox/riverwatch/internal/models"
	"github.com/lox/riverwatch/internal/sources"
)

const (
	livePayload     = `{"flow":42.5,"level":1.2,"temperature":8,"timestamp":"2025-10-17T16:05:00Z","status":"ok"}`
	historyPayload  = `{"type":"FeatureCollection","features":[{"properties":{"DATE":"2024-12-30","DISCHARGE":10,"LEVEL":1}},{"properties":{"DATE":"2024-12-31","DISCHARGE":11,"LEVEL":1.1}}]}`
	realtimePayload = `{"type":"FeatureCollection","features":[{"properties":{"DATETIME":"2025-09-16T00:00:00Z","DISCHARGE":12,"LEVEL":1.2}},{"properties":{"DATETIME":"2025-09-16T00:05:00Z","DISCHARGE":13,"LEVEL":1.3}}]}`
	releasePayload  = `{"elements":[{"day":1,"entry":[
		{"period":"2025-06-21 17","barrier":"8"},
		{"period":"2025-06-21 18","barrier":"26"},
		{"period":"2025-06-21 19","barrier":"26"},
		{"period":"2025-06-21 20","barrier":"9"},
		{"period":"2025-06-21 21","barrier":"30"}]}]}`
	weatherPayload = `[{"temperature":12,"conditions":"Cloudy","forecastTime":"2025-10-17T18:00:00Z"}]`
)

// upstream fakes every source. Paths listed in fail return 502.
type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
	fail map[string]bool
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{hits: map[string]int{}, fail: map[string]bool{}}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		failing := u.fail[r.URL.Path]
		u.mu.Unlock()
		if failing {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}

		switch r.URL.Path {
		case "/live/05BJ004":
			w.Write([]byte(livePayload))
		case "/live/EMPTY":
			w.Write([]byte(`{"timestamp":"2025-10-17T16:05:00Z"}`))
		case "/collections/hydrometric-daily-mean/items":
			if r.URL.Query().Get("STATION_NUMBER") == "NONE" {
				w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
				return
			}
			w.Write([]byte(historyPayload))
		case "/collections/hydrometric-realtime/items":
			if r.URL.Query().Get("STATION_NUMBER") == "NONE" {
				w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
				return
			}
			w.Write([]byte(realtimePayload))
		case "/release":
			w.Write([]byte(releasePayload))
		case "/weather":
			w.Write([]byte(weatherPayload))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstream) setFail(path string, fail bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fail[path] = fail
}

func testConfig(base string) config.Config {
	cfg := config.Default()
	cfg.Location = time.UTC
	cfg.FetchTimeout = 2 * time.Second
	cfg.LiveURL = base + "/live"
	cfg.HydrometricURL = base
	cfg.WeatherURL = base + "/weather"
	cfg.HistoryDays = 30
	cfg.Stations = []string{"05BJ004"}
	cfg.Reaches = []config.Reach{{
		Name:          "kananaskis",
		ReleaseURL:    base + "/release",
		Gauge:         models.GaugeBarrier,
		Threshold:     20,
		TravelMinutes: 45,
	}}
	return cfg
}

func newTestService(t *testing.T) (*Service, *upstream) {
	t.Helper()
	u := newUpstream(t)
	cfg := testConfig(u.URL)
	return New(cfg, NewFetchers(cfg, u.Client())), u
}

func TestGetLiveReading(t *testing.T) {
	svc, u := newTestService(t)
	ctx := context.Background()

	r, err := svc.GetLiveReading(ctx, " 05bj004 ")
	if err != nil {
		t.Fatalf("GetLiveReading: %v", err)
	}
	if r.Kind != models.KindDischarge || r.Value != 42.5 {
		t.Errorf("reading = %+v", r)
	}
	if _, err := svc.GetLiveReading(ctx, "05BJ004"); err != nil {
		t.Fatal(err)
	}
	if got := u.count("/live/05BJ004"); got != 1 {
		t.Errorf("upstream hit %d times, want 1", got)
	}

	_, err = svc.GetLiveReading(ctx, "EMPTY")
	if !sources.IsNotFound(err) {
		t.Errorf("station without values: err = %v, want NotFoundError", err)
	}
	_, err = svc.GetLiveReading(ctx, "UNKNOWN")
	if !sources.IsNotFound(err) {
		t.Errorf("unknown station: err = %v, want NotFoundError", err)
	}
}

func TestGetLiveReading_Coalesces(t *testing.T) {
	svc, u := newTestService(t)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GetLiveReading(context.Background(), "05BJ004"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d callers failed", failures.Load())
	}
	if got := u.count("/live/05BJ004"); got != 1 {
		t.Errorf("upstream hit %d times, want 1", got)
	}
}

func TestGetFlowSchedule(t *testing.T) {
	svc, u := newTestService(t)
	ctx := context.Background()

	s, err := svc.GetFlowSchedule(ctx, "Kananaskis", 0)
	if err != nil {
		t.Fatalf("GetFlowSchedule: %v", err)
	}
	if s.Threshold != 20 || len(s.Windows) != 2 {
		t.Fatalf("threshold %v, %d windows; want 20, 2", s.Threshold, len(s.Windows))
	}
	if got := s.Windows[0].ArrivalStart.Format("2006-01-02T15:04"); got != "2025-06-21T17:45" {
		t.Errorf("arrival start = %s", got)
	}
	if !s.Windows[1].ExtendsPastTwilight {
		t.Error("second window should extend past twilight")
	}

	s, err = svc.GetFlowSchedule(ctx, "kananaskis", 27)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Windows) != 1 || s.Windows[0].PeakFlow != 30 {
		t.Errorf("threshold 27: windows = %+v", s.Windows)
	}
	if got := u.count("/release"); got != 1 {
		t.Errorf("release fetched %d times, want 1", got)
	}

	if _, err := svc.GetFlowSchedule(ctx, "nowhere", 0); !sources.IsNotFound(err) {
		t.Errorf("unknown reach: err = %v, want NotFoundError", err)
	}
}

func TestGetCombinedTimeline_Idempotent(t *testing.T) {
	svc, u := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetCombinedTimeline(ctx, "05BJ004")
	if err != nil {
		t.Fatalf("GetCombinedTimeline: %v", err)
	}
	second, err := svc.GetCombinedTimeline(ctx, "05BJ004")
	if err != nil {
		t.Fatalf("GetCombinedTimeline: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Error("second call returned different output")
	}
	if got := u.count("/collections/hydrometric-daily-mean/items"); got != 1 {
		t.Errorf("historical fetched %d times, want 1", got)
	}
	if got := u.count("/collections/hydrometric-realtime/items"); got != 1 {
		t.Errorf("realtime fetched %d times, want 1", got)
	}

	if first.Gap == nil || first.Gap.DayCount != 258 {
		t.Errorf("gap = %+v, want 258 days", first.Gap)
	}
	if len(first.Entries) != 3 {
		t.Errorf("got %d entries, want 3", len(first.Entries))
	}
}

func TestGetCombinedTimeline_Errors(t *testing.T) {
	svc, u := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GetCombinedTimeline(ctx, "NONE"); !sources.IsNotFound(err) {
		t.Errorf("empty station: err = %v, want NotFoundError", err)
	}

	u.setFail("/collections/hydrometric-realtime/items", true)
	_, err := svc.GetCombinedTimeline(ctx, "05BJ004")
	var ne *sources.NetworkError
	if !errors.As(err, &ne) {
		t.Errorf("err = %v, want NetworkError", err)
	}
}

func TestGetWeatherForecast(t *testing.T) {
	svc, _ := newTestService(t)

	got, err := svc.GetWeatherForecast(context.Background(), 51.05, -115.02)
	if err != nil {
		t.Fatalf("GetWeatherForecast: %v", err)
	}
	if len(got) != 1 || got[0].Conditions != "Cloudy" {
		t.Errorf("forecast = %+v", got)
	}

	if _, err := svc.GetWeatherForecast(context.Background(), 95, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestClearCache(t *testing.T) {
	svc, u := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GetLiveReading(ctx, "05BJ004"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetCombinedTimeline(ctx, "05BJ004"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetFlowSchedule(ctx, "kananaskis", 0); err != nil {
		t.Fatal(err)
	}

	if n := svc.ClearCache("05bj004"); n != 3 {
		t.Errorf("cleared %d entries for station, want 3", n)
	}
	if _, err := svc.GetLiveReading(ctx, "05BJ004"); err != nil {
		t.Fatal(err)
	}
	if got := u.count("/live/05BJ004"); got != 2 {
		t.Errorf("live fetched %d times after clear, want 2", got)
	}

	if n := svc.ClearCache("kananaskis"); n != 1 {
		t.Errorf("cleared %d entries for reach, want 1", n)
	}
	if n := svc.ClearCache(""); n != 1 {
		t.Errorf("cleared %d entries in total, want 1 (the refetched live reading)", n)
	}
}

func TestSnapshotRestore_ServesStaleOnlyOnRequest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.GetLiveReading(ctx, "05BJ004"); err != nil {
		t.Fatal(err)
	}
	snap, err := svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restarted, u := newTestService(t)
	u.setFail("/live/05BJ004", true)
	if n := restarted.Restore(snap); n != 1 {
		t.Fatalf("restored %d entries, want 1", n)
	}

	_, err = restarted.GetLiveReading(ctx, "05BJ004")
	var so *cache.StaleOnlyError
	if !errors.As(err, &so) {
		t.Fatalf("err = %v, want StaleOnlyError", err)
	}
	var ne *sources.NetworkError
	if !errors.As(err, &ne) {
		t.Errorf("StaleOnlyError should wrap the NetworkError, got %v", err)
	}

	res, err := restarted.GetLiveSnapshot(ctx, "05BJ004")
	if err != nil {
		t.Fatalf("GetLiveSnapshot: %v", err)
	}
	if !res.Stale || len(res.Value.Readings) != 3 {
		t.Errorf("snapshot = %+v, want stale with 3 readings", res)
	}
}

func TestHistoryRange_StableWithinUTCDay(t *testing.T) {
	svc, _ := newTestService(t)

	morning := time.Date(2025, 10, 17, 0, 5, 0, 0, time.UTC)
	evening := time.Date(2025, 10, 17, 23, 55, 0, 0, time.UTC)
	from1, to1 := svc.HistoryRange(morning)
	from2, to2 := svc.HistoryRange(evening)
	if !from1.Equal(from2) || !to1.Equal(to2) {
		t.Errorf("range moved within a day: %s..%s vs %s..%s", from1, to1, from2, to2)
	}
	if want := time.Date(2025, 9, 17, 0, 0, 0, 0, time.UTC); !from1.Equal(want) {
		t.Errorf("from = %s, want %s", from1, want)
	}

	from3, _ := svc.HistoryRange(evening.Add(10 * time.Minute))
	if !from3.Equal(from1.AddDate(0, 0, 1)) {
		t.Errorf("range after midnight starts %s, want %s", from3, from1.AddDate(0, 0, 1))
	}
}
