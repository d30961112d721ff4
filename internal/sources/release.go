package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/lox/riverwatch/internal/cache"
	"github.com/lox/riverwatch/internal/log"
	"github.com/lox/riverwatch/internal/models"
)

const SourceRelease = "release"

// ReleaseFetcher returns the operator's hourly release forecast. Forecasts
// from different URLs are cached separately.
type ReleaseFetcher struct {
	get    *Getter
	loc    *time.Location
	ttl    time.Duration
	cache  *cache.Cache[models.ReleaseForecast]
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewReleaseFetcher(get *Getter, loc *time.Location, ttl time.Duration, c *cache.Cache[models.ReleaseForecast]) *ReleaseFetcher {
	if loc == nil {
		loc = time.UTC
	}
	return &ReleaseFetcher{
		get:    get,
		loc:    loc,
		ttl:    ttl,
		cache:  c,
		now:    time.Now,
		logger: log.Logger("sources").With("source", SourceRelease),
	}
}

func NewReleaseCache(timeout time.Duration) *cache.Cache[models.ReleaseForecast] {
	return cache.New(cache.Options[models.ReleaseForecast]{
		Name:         SourceRelease,
		FetchTimeout: timeout,
		Clone: func(f models.ReleaseForecast) models.ReleaseForecast {
			f.Days = slices.Clone(f.Days)
			for i := range f.Days {
				f.Days[i].Entries = slices.Clone(f.Days[i].Entries)
			}
			return f
		},
	})
}

func (f *ReleaseFetcher) Cache() *cache.Cache[models.ReleaseForecast] { return f.cache }

func (f *ReleaseFetcher) Fetch(ctx context.Context, url string) (models.ReleaseForecast, error) {
	return f.cache.Get(ctx, url, f.ttl, f.loader(url))
}

func (f *ReleaseFetcher) FetchOrStale(ctx context.Context, url string) (cache.Result[models.ReleaseForecast], error) {
	return f.cache.GetOrStale(ctx, url, f.ttl, f.loader(url))
}

func (f *ReleaseFetcher) loader(url string) cache.FetchFunc[models.ReleaseForecast] {
	return func(ctx context.Context) (models.ReleaseForecast, error) {
		f.logger.Debugw("fetching", "url", url)
		body, err := f.get.Get(ctx, url, url)
		if err != nil {
			return models.ReleaseForecast{}, err
		}
		forecast, skipped, err := parseRelease(body, f.loc)
		if err != nil {
			return models.ReleaseForecast{}, &ParseError{Source: SourceRelease, Err: err}
		}
		if skipped > 0 {
			f.logger.Warnw("skipped entries with unreadable periods", "count", skipped)
		}
		forecast.FetchedAt = f.now()
		return forecast, nil
	}
}

type releasePayload struct {
	Elements *[]struct {
		Day   number       `json:"day"`
		Entry []releaseRow `json:"entry"`
	} `json:"elements"`
}

type releaseRow struct {
	Period        string `json:"period"`
	BarrierFlow   number `json:"barrierFlow"`
	SecondaryFlow number `json:"secondaryFlow"`
	Barrier       number `json:"barrier"`
	Pocaterra     number `json:"pocaterra"`
}

// parseRelease decodes a release forecast. A missing flow is reported as zero,
// which is how the operator publishes hours with no release. Entries whose
// period cannot be read are skipped and counted.
func parseRelease(body []byte, loc *time.Location) (models.ReleaseForecast, int, error) {
	var p releasePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.ReleaseForecast{}, 0, fmt.Errorf("decode release forecast: %w", err)
	}
	if p.Elements == nil {
		return models.ReleaseForecast{}, 0, errors.New("release forecast has no elements")
	}

	out := models.ReleaseForecast{Source: SourceRelease}
	skipped := 0
	for i, el := range *p.Elements {
		day := models.ReleaseDay{Day: int(el.Day.or(float64(i + 1)))}
		for _, row := range el.Entry {
			period, err := models.ParseHourEnding(row.Period, loc)
			if err != nil {
				skipped++
				continue
			}
			barrier := row.BarrierFlow
			if !barrier.ok {
				barrier = row.Barrier
			}
			secondary := row.SecondaryFlow
			if !secondary.ok {
				secondary = row.Pocaterra
			}
			day.Entries = append(day.Entries, models.ReleaseEntry{
				Period:    period,
				Barrier:   barrier.or(0),
				Secondary: secondary.or(0),
			})
		}
		if len(day.Entries) == 0 {
			continue
		}
		slices.SortStableFunc(day.Entries, func(a, b models.ReleaseEntry) int {
			if c := a.Period.Date.Compare(b.Period.Date); c != 0 {
				return c
			}
			return a.Period.Hour - b.Period.Hour
		})
		day.Date = day.Entries[0].Period.Date
		out.Days = append(out.Days, day)
	}
	return out, skipped, nil
}
