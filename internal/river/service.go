// Package river composes the cached source fetchers and the pure schedule and
// timeline algorithms into the queries the API and CLI expose.
package river

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/riverwatch/internal/cache"
	"github.com/lox/riverwatch/internal/config"
	"github.com/lox/riverwatch/internal/log"
	"github.com/lox/riverwatch/internal/models"
	"github.com/lox/riverwatch/internal/schedule"
	"github.com/lox/riverwatch/internal/sources"
	"github.com/lox/riverwatch/internal/timeline"
)

// Fetchers are the cached upstream sources a Service reads from.
type Fetchers struct {
	Live       *sources.LiveFetcher
	Historical *sources.HistoricalFetcher
	Realtime   *sources.RealtimeFetcher
	Release    *sources.ReleaseFetcher
	Weather    *sources.WeatherFetcher
}

// NewFetchers builds one cache and one fetcher per source from cfg. Client
// may be nil.
func NewFetchers(cfg config.Config, client *http.Client) Fetchers {
	timeout := cfg.FetchTimeout
	return Fetchers{
		Live: sources.NewLiveFetcher(
			sources.NewGetter(sources.SourceLive, client), cfg.LiveURL,
			cfg.TTL.Live, sources.NewLiveCache(timeout)),
		Historical: sources.NewHistoricalFetcher(
			sources.NewGetter(sources.SourceHistorical, client), cfg.HydrometricURL,
			cfg.TTL.Historical, sources.NewHistoricalCache(timeout)),
		Realtime: sources.NewRealtimeFetcher(
			sources.NewGetter(sources.SourceRealtime, client), cfg.HydrometricURL,
			cfg.TTL.Realtime, cfg.RealtimeLimit, sources.NewRealtimeCache(timeout)),
		Release: sources.NewReleaseFetcher(
			sources.NewGetter(sources.SourceRelease, client), cfg.Location,
			cfg.TTL.Release, sources.NewReleaseCache(timeout)),
		Weather: sources.NewWeatherFetcher(
			sources.NewGetter(sources.SourceWeather, client), cfg.WeatherURL,
			cfg.TTL.Weather, sources.NewWeatherCache(timeout)),
	}
}

type Service struct {
	cfg      config.Config
	f        Fetchers
	twilight schedule.Estimator
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func New(cfg config.Config, f Fetchers) *Service {
	return &Service{
		cfg: cfg,
		f:   f,
		twilight: schedule.Estimator{
			BaseHour:  cfg.Twilight.BaseHour,
			Amplitude: cfg.Twilight.Amplitude,
			PeakDay:   cfg.Twilight.PeakDay,
		},
		now:    time.Now,
		logger: log.Logger("river"),
	}
}

func (s *Service) Config() config.Config { return s.cfg }

// LiveAge reports when the station's live reading was last fetched and
// whether it is still fresh. Ok is false when nothing is cached.
func (s *Service) LiveAge(station string) (fetchedAt time.Time, fresh, ok bool) {
	e, ok := s.f.Live.Cache().Peek(normalizeStation(station))
	if !ok {
		return time.Time{}, false, false
	}
	return e.FetchedAt, e.FreshAt(s.now()), true
}

// GetLiveReading returns the station's primary live reading: discharge when
// reported, else level, else temperature.
func (s *Service) GetLiveReading(ctx context.Context, station string) (models.Reading, error) {
	station = normalizeStation(station)
	live, err := s.f.Live.Fetch(ctx, station)
	if err != nil {
		return models.Reading{}, fmt.Errorf("live reading %s: %w", station, err)
	}
	r, ok := live.Primary()
	if !ok {
		return models.Reading{}, &sources.NotFoundError{Source: sources.SourceLive, Locator: station}
	}
	return r, nil
}

// GetLiveSnapshot returns every live parameter for a station. When the
// upstream is failing it falls back to the last stored snapshot and marks
// the result stale.
func (s *Service) GetLiveSnapshot(ctx context.Context, station string) (cache.Result[models.Live], error) {
	station = normalizeStation(station)
	res, err := s.f.Live.FetchOrStale(ctx, station)
	if err != nil {
		return res, fmt.Errorf("live snapshot %s: %w", station, err)
	}
	return res, nil
}

// GetFlowSchedule derives the high-flow windows for a configured reach. A
// threshold of zero or less uses the reach's configured threshold.
func (s *Service) GetFlowSchedule(ctx context.Context, reachName string, threshold float64) (models.Schedule, error) {
	reach, ok := s.cfg.Reach(reachName)
	if !ok {
		return models.Schedule{}, &sources.NotFoundError{Source: "reach", Locator: reachName}
	}
	if threshold <= 0 {
		threshold = reach.Threshold
	}

	forecast, err := s.f.Release.Fetch(ctx, reach.ReleaseURL)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("release forecast for %s: %w", reach.Name, err)
	}

	return schedule.Build(forecast.Series(reach.Gauge), schedule.Options{
		Reach:     reach.Name,
		Threshold: threshold,
		Travel:    reach.Travel(),
		Twilight:  s.twilight,
	}), nil
}

// HistoryRange returns the inclusive date range requested from the
// historical series on the given day. The range is part of the historical
// cache key and is constant for a whole UTC day, so calls on the same day
// share one fetch. The first call after UTC midnight fetches the new range
// even when the previous day's entry is still within its TTL.
func (s *Service) HistoryRange(now time.Time) (from, to time.Time) {
	y, m, d := now.UTC().Date()
	to = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return to.AddDate(0, 0, -s.cfg.HistoryDays), to
}

// GetCombinedTimeline merges the historical daily means with the down-sampled
// real-time series. The two sources are fetched concurrently.
func (s *Service) GetCombinedTimeline(ctx context.Context, station string) (models.Timeline, error) {
	station = normalizeStation(station)
	from, to := s.HistoryRange(s.now())

	var (
		hist []models.DailyMean
		rt   []models.Sample
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hist, err = s.f.Historical.Fetch(gctx, station, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		rt, err = s.f.Realtime.Fetch(gctx, station)
		return err
	})
	if err := g.Wait(); err != nil {
		return models.Timeline{}, fmt.Errorf("timeline %s: %w", station, err)
	}

	tl, err := timeline.Merge(station, hist, rt)
	if errors.Is(err, timeline.ErrEmptySeries) {
		return models.Timeline{}, &sources.NotFoundError{Source: "timeline", Locator: station}
	}
	if err != nil {
		return models.Timeline{}, err
	}
	if tl.Gap != nil {
		s.logger.Debugw("timeline has gap", "station", station, "start", tl.Gap.StartDate, "end", tl.Gap.EndDate, "days", tl.Gap.DayCount)
	}
	return tl, nil
}

func (s *Service) GetWeatherForecast(ctx context.Context, lat, lon float64) ([]models.WeatherForecast, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinate %.4f,%.4f: %w", lat, lon, ErrInvalidArgument)
	}
	forecast, err := s.f.Weather.Fetch(ctx, lat, lon)
	if err != nil {
		return nil, fmt.Errorf("weather forecast: %w", err)
	}
	return forecast, nil
}

var ErrInvalidArgument = errors.New("invalid argument")

// ClearCache drops cached entries for a locator: a station, a reach name or
// a weather coordinate key. An empty locator clears every cache. In-flight
// fetches are left to complete. It returns the number of entries removed.
func (s *Service) ClearCache(locator string) int {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		n := s.f.Live.Cache().Len() + s.f.Historical.Cache().Len() + s.f.Realtime.Cache().Len() +
			s.f.Release.Cache().Len() + s.f.Weather.Cache().Len()
		s.f.Live.Cache().ClearAll()
		s.f.Historical.Cache().ClearAll()
		s.f.Realtime.Cache().ClearAll()
		s.f.Release.Cache().ClearAll()
		s.f.Weather.Cache().ClearAll()
		s.logger.Infow("cleared all caches", "entries", n)
		return n
	}

	station := normalizeStation(locator)
	is := func(k string) bool { return k == station }
	n := s.f.Live.Cache().ClearMatching(is)
	n += s.f.Realtime.Cache().ClearMatching(is)
	n += s.f.Historical.Cache().ClearMatching(func(k string) bool { return strings.HasPrefix(k, station+"|") })
	n += s.f.Weather.Cache().ClearMatching(func(k string) bool { return k == locator })
	if reach, ok := s.cfg.Reach(locator); ok {
		n += s.f.Release.Cache().ClearMatching(func(k string) bool { return k == reach.ReleaseURL })
	}
	s.logger.Infow("cleared cache", "locator", locator, "entries", n)
	return n
}

const (
	prefixLive       = "live/"
	prefixHistorical = "historical/"
	prefixRealtime   = "realtime/"
	prefixRelease    = "release/"
	prefixWeather    = "weather/"
)

// Snapshot exports every cache for persistence.
func (s *Service) Snapshot() (*cache.Snapshot, error) {
	snap := cache.NewSnapshot()
	for _, export := range []func() error{
		func() error { return s.f.Live.Cache().Export(snap, prefixLive) },
		func() error { return s.f.Historical.Cache().Export(snap, prefixHistorical) },
		func() error { return s.f.Realtime.Cache().Export(snap, prefixRealtime) },
		func() error { return s.f.Release.Cache().Export(snap, prefixRelease) },
		func() error { return s.f.Weather.Cache().Export(snap, prefixWeather) },
	} {
		if err := export(); err != nil {
			return nil, fmt.Errorf("export snapshot: %w", err)
		}
	}
	return snap, nil
}

// Restore seeds the caches from a persisted snapshot. Restored entries are
// stale: they are served only through the stale-on-error queries until a
// fetch replaces them.
func (s *Service) Restore(snap *cache.Snapshot) int {
	var restored, skipped int
	add := func(r, k int) { restored += r; skipped += k }
	add(s.f.Live.Cache().Restore(snap, prefixLive))
	add(s.f.Historical.Cache().Restore(snap, prefixHistorical))
	add(s.f.Realtime.Cache().Restore(snap, prefixRealtime))
	add(s.f.Release.Cache().Restore(snap, prefixRelease))
	add(s.f.Weather.Cache().Restore(snap, prefixWeather))
	s.logger.Infow("restored snapshot", "entries", restored, "skipped", skipped)
	return restored
}

func normalizeStation(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
