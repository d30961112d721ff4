package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lox/riverwatch/internal/cache"
	"github.com/lox/riverwatch/internal/log"
	"github.com/lox/riverwatch/internal/models"
)

const (
	SourceLive       = "live"
	SourceHistorical = "historical"
	SourceRealtime   = "realtime"

	// DefaultRealtimeLimit covers 30 days of 5-minute samples.
	DefaultRealtimeLimit = 10000
)

// LiveFetcher returns the latest readings reported for a station.
type LiveFetcher struct {
	get     *Getter
	baseURL string
	ttl     time.Duration
	cache   *cache.Cache[models.Live]
	logger  *zap.SugaredLogger
}

func NewLiveFetcher(get *Getter, baseURL string, ttl time.Duration, c *cache.Cache[models.Live]) *LiveFetcher {
	return &LiveFetcher{
		get:     get,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		cache:   c,
		logger:  log.Logger("sources").With("source", SourceLive),
	}
}

// NewLiveCache returns a cache whose values are copied on the way out.
func NewLiveCache(timeout time.Duration) *cache.Cache[models.Live] {
	return cache.New(cache.Options[models.Live]{
		Name:         SourceLive,
		FetchTimeout: timeout,
		Clone: func(l models.Live) models.Live {
			l.Readings = slices.Clone(l.Readings)
			return l
		},
	})
}

func (f *LiveFetcher) Cache() *cache.Cache[models.Live] { return f.cache }

func (f *LiveFetcher) Fetch(ctx context.Context, station string) (models.Live, error) {
	return f.cache.Get(ctx, station, f.ttl, f.loader(station))
}

// FetchOrStale falls back to the last stored value when the fetch fails.
func (f *LiveFetcher) FetchOrStale(ctx context.Context, station string) (cache.Result[models.Live], error) {
	return f.cache.GetOrStale(ctx, station, f.ttl, f.loader(station))
}

func (f *LiveFetcher) loader(station string) cache.FetchFunc[models.Live] {
	return func(ctx context.Context) (models.Live, error) {
		f.logger.Debugw("fetching", "station", station)
		body, err := f.get.Get(ctx, station, f.baseURL+"/"+url.PathEscape(station))
		if err != nil {
			return models.Live{}, err
		}
		live, err := parseLive(station, body)
		if err != nil {
			return models.Live{}, &ParseError{Source: SourceLive, Err: err}
		}
		return live, nil
	}
}

type livePayload struct {
	Flow        number `json:"flow"`
	Level       number `json:"level"`
	Temperature number `json:"temperature"`
	Timestamp   string `json:"timestamp"`
	Status      string `json:"status"`
}

func parseLive(station string, body []byte) (models.Live, error) {
	var p livePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Live{}, fmt.Errorf("decode live reading: %w", err)
	}
	if p.Timestamp == "" {
		return models.Live{}, errors.New("live reading has no timestamp")
	}
	ts, err := parseTime(p.Timestamp)
	if err != nil {
		return models.Live{}, err
	}

	live := models.Live{StationID: station, Status: p.Status, Timestamp: ts}
	for _, v := range []struct {
		kind models.ParameterKind
		n    number
	}{
		{models.KindDischarge, p.Flow},
		{models.KindLevel, p.Level},
		{models.KindTemperature, p.Temperature},
	} {
		if !v.n.ok {
			continue
		}
		live.Readings = append(live.Readings, models.Reading{
			Timestamp: ts,
			Value:     v.n.v,
			Unit:      v.kind.Unit(),
			Kind:      v.kind,
			SourceID:  SourceLive + ":" + station,
		})
	}
	return live, nil
}

// HistoricalFetcher returns approved daily means for a station over a date
// range. The published series lags the present by months.
type HistoricalFetcher struct {
	get     *Getter
	baseURL string
	ttl     time.Duration
	cache   *cache.Cache[[]models.DailyMean]
	logger  *zap.SugaredLogger
}

func NewHistoricalFetcher(get *Getter, baseURL string, ttl time.Duration, c *cache.Cache[[]models.DailyMean]) *HistoricalFetcher {
	return &HistoricalFetcher{
		get:     get,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		cache:   c,
		logger:  log.Logger("sources").With("source", SourceHistorical),
	}
}

func NewHistoricalCache(timeout time.Duration) *cache.Cache[[]models.DailyMean] {
	return cache.New(cache.Options[[]models.DailyMean]{
		Name:         SourceHistorical,
		FetchTimeout: timeout,
		Clone:        func(v []models.DailyMean) []models.DailyMean { return slices.Clone(v) },
	})
}

func (f *HistoricalFetcher) Cache() *cache.Cache[[]models.DailyMean] { return f.cache }

// HistoricalKey is the cache key for a station and inclusive date range.
func HistoricalKey(station string, from, to time.Time) string {
	return station + "|" + from.Format(models.DateLayout) + "/" + to.Format(models.DateLayout)
}

func (f *HistoricalFetcher) Fetch(ctx context.Context, station string, from, to time.Time) ([]models.DailyMean, error) {
	return f.cache.Get(ctx, HistoricalKey(station, from, to), f.ttl, f.loader(station, from, to))
}

func (f *HistoricalFetcher) FetchOrStale(ctx context.Context, station string, from, to time.Time) (cache.Result[[]models.DailyMean], error) {
	return f.cache.GetOrStale(ctx, HistoricalKey(station, from, to), f.ttl, f.loader(station, from, to))
}

func (f *HistoricalFetcher) loader(station string, from, to time.Time) cache.FetchFunc[[]models.DailyMean] {
	return func(ctx context.Context) ([]models.DailyMean, error) {
		q := url.Values{}
		q.Set("f", "json")
		q.Set("STATION_NUMBER", station)
		q.Set("datetime", from.Format(models.DateLayout)+"/"+to.Format(models.DateLayout))
		q.Set("sortby", "DATE")
		q.Set("limit", "10000")
		u := f.baseURL + "/collections/hydrometric-daily-mean/items?" + q.Encode()

		f.logger.Debugw("fetching", "station", station, "from", from.Format(models.DateLayout), "to", to.Format(models.DateLayout))
		body, err := f.get.Get(ctx, station, u)
		if err != nil {
			return nil, err
		}
		means, skipped, err := parseDailyMeans(body)
		if err != nil {
			return nil, &ParseError{Source: SourceHistorical, Err: err}
		}
		if skipped > 0 {
			f.logger.Warnw("skipped malformed rows", "station", station, "count", skipped)
		}
		return means, nil
	}
}

type featureCollection[P any] struct {
	Type     string `json:"type"`
	Features []struct {
		Properties P `json:"properties"`
	} `json:"features"`
}

type dailyProps struct {
	Date      string `json:"DATE"`
	Discharge number `json:"DISCHARGE"`
	Level     number `json:"LEVEL"`
}

type dailyRow struct {
	Date      string `json:"date"`
	Discharge number `json:"discharge"`
	Level     number `json:"level"`
}

func parseDailyMeans(body []byte) ([]models.DailyMean, int, error) {
	var rows []dailyRow
	if isArray(body) {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, 0, fmt.Errorf("decode daily means: %w", err)
		}
	} else {
		var fc featureCollection[dailyProps]
		if err := json.Unmarshal(body, &fc); err != nil {
			return nil, 0, fmt.Errorf("decode daily means: %w", err)
		}
		if fc.Type != "FeatureCollection" {
			return nil, 0, fmt.Errorf("unexpected payload type %q", fc.Type)
		}
		for _, ft := range fc.Features {
			rows = append(rows, dailyRow(ft.Properties))
		}
	}

	out := make([]models.DailyMean, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		d, err := parseDate(r.Date)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, models.DailyMean{Date: d, Discharge: r.Discharge.ptr(), Level: r.Level.ptr()})
	}
	if len(rows) > 0 && len(out) == 0 {
		return nil, skipped, errors.New("no row had a valid date")
	}
	slices.SortFunc(out, func(a, b models.DailyMean) int { return a.Date.Compare(b.Date) })
	return out, skipped, nil
}

// RealtimeFetcher returns the provisional high-resolution series for a
// station, covering roughly the last 30 days.
type RealtimeFetcher struct {
	get     *Getter
	baseURL string
	ttl     time.Duration
	limit   int
	cache   *cache.Cache[[]models.Sample]
	logger  *zap.SugaredLogger
}

func NewRealtimeFetcher(get *Getter, baseURL string, ttl time.Duration, limit int, c *cache.Cache[[]models.Sample]) *RealtimeFetcher {
	if limit <= 0 {
		limit = DefaultRealtimeLimit
	}
	return &RealtimeFetcher{
		get:     get,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		limit:   limit,
		cache:   c,
		logger:  log.Logger("sources").With("source", SourceRealtime),
	}
}

func NewRealtimeCache(timeout time.Duration) *cache.Cache[[]models.Sample] {
	return cache.New(cache.Options[[]models.Sample]{
		Name:         SourceRealtime,
		FetchTimeout: timeout,
		Clone:        func(v []models.Sample) []models.Sample { return slices.Clone(v) },
	})
}

func (f *RealtimeFetcher) Cache() *cache.Cache[[]models.Sample] { return f.cache }

func (f *RealtimeFetcher) Fetch(ctx context.Context, station string) ([]models.Sample, error) {
	return f.cache.Get(ctx, station, f.ttl, f.loader(station))
}

func (f *RealtimeFetcher) FetchOrStale(ctx context.Context, station string) (cache.Result[[]models.Sample], error) {
	return f.cache.GetOrStale(ctx, station, f.ttl, f.loader(station))
}

func (f *RealtimeFetcher) loader(station string) cache.FetchFunc[[]models.Sample] {
	return func(ctx context.Context) ([]models.Sample, error) {
		q := url.Values{}
		q.Set("f", "json")
		q.Set("STATION_NUMBER", station)
		q.Set("sortby", "DATETIME")
		q.Set("limit", strconv.Itoa(f.limit))
		u := f.baseURL + "/collections/hydrometric-realtime/items?" + q.Encode()

		f.logger.Debugw("fetching", "station", station)
		body, err := f.get.Get(ctx, station, u)
		if err != nil {
			return nil, err
		}
		samples, skipped, err := parseSamples(body)
		if err != nil {
			return nil, &ParseError{Source: SourceRealtime, Err: err}
		}
		if skipped > 0 {
			f.logger.Warnw("skipped malformed rows", "station", station, "count", skipped)
		}
		return samples, nil
	}
}

type realtimeProps struct {
	Timestamp string `json:"DATETIME"`
	Discharge number `json:"DISCHARGE"`
	Level     number `json:"LEVEL"`
}

type realtimeRow struct {
	Timestamp string `json:"timestamp"`
	Discharge number `json:"discharge"`
	Level     number `json:"level"`
}

func parseSamples(body []byte) ([]models.Sample, int, error) {
	var rows []realtimeRow
	if isArray(body) {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, 0, fmt.Errorf("decode realtime series: %w", err)
		}
	} else {
		var fc featureCollection[realtimeProps]
		if err := json.Unmarshal(body, &fc); err != nil {
			return nil, 0, fmt.Errorf("decode realtime series: %w", err)
		}
		if fc.Type != "FeatureCollection" {
			return nil, 0, fmt.Errorf("unexpected payload type %q", fc.Type)
		}
		for _, ft := range fc.Features {
			rows = append(rows, realtimeRow(ft.Properties))
		}
	}

	out := make([]models.Sample, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		ts, err := parseTime(r.Timestamp)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, models.Sample{Timestamp: ts, Discharge: r.Discharge.ptr(), Level: r.Level.ptr()})
	}
	if len(rows) > 0 && len(out) == 0 {
		return nil, skipped, errors.New("no row had a valid timestamp")
	}
	slices.SortFunc(out, func(a, b models.Sample) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, skipped, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(models.DateLayout) {
		s = s[:len(models.DateLayout)]
	}
	d, err := time.Parse(models.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return d, nil
}
