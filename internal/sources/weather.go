package sources

import (
	"context"
	"encoding/json"
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

const SourceWeather = "weather"

// WeatherFetcher returns the point forecast for a coordinate.
type WeatherFetcher struct {
	get     *Getter
	baseURL string
	ttl     time.Duration
	cache   *cache.Cache[[]models.WeatherForecast]
	logger  *zap.SugaredLogger
}

func NewWeatherFetcher(get *Getter, baseURL string, ttl time.Duration, c *cache.Cache[[]models.WeatherForecast]) *WeatherFetcher {
	return &WeatherFetcher{
		get:     get,
		baseURL: baseURL,
		ttl:     ttl,
		cache:   c,
		logger:  log.Logger("sources").With("source", SourceWeather),
	}
}

func NewWeatherCache(timeout time.Duration) *cache.Cache[[]models.WeatherForecast] {
	return cache.New(cache.Options[[]models.WeatherForecast]{
		Name:         SourceWeather,
		FetchTimeout: timeout,
		Clone:        func(v []models.WeatherForecast) []models.WeatherForecast { return slices.Clone(v) },
	})
}

func (f *WeatherFetcher) Cache() *cache.Cache[[]models.WeatherForecast] { return f.cache }

// WeatherKey rounds the coordinate so nearby requests share an entry.
func WeatherKey(lat, lon float64) string {
	return fmt.Sprintf("%.3f,%.3f", lat, lon)
}

func (f *WeatherFetcher) Fetch(ctx context.Context, lat, lon float64) ([]models.WeatherForecast, error) {
	return f.cache.Get(ctx, WeatherKey(lat, lon), f.ttl, f.loader(lat, lon))
}

func (f *WeatherFetcher) FetchOrStale(ctx context.Context, lat, lon float64) (cache.Result[[]models.WeatherForecast], error) {
	return f.cache.GetOrStale(ctx, WeatherKey(lat, lon), f.ttl, f.loader(lat, lon))
}

func (f *WeatherFetcher) loader(lat, lon float64) cache.FetchFunc[[]models.WeatherForecast] {
	return func(ctx context.Context) ([]models.WeatherForecast, error) {
		q := url.Values{}
		q.Set("lat", strconv.FormatFloat(lat, 'f', 4, 64))
		q.Set("lon", strconv.FormatFloat(lon, 'f', 4, 64))
		sep := "?"
		if strings.Contains(f.baseURL, "?") {
			sep = "&"
		}
		locator := WeatherKey(lat, lon)

		f.logger.Debugw("fetching", "location", locator)
		body, err := f.get.Get(ctx, locator, f.baseURL+sep+q.Encode())
		if err != nil {
			return nil, err
		}
		forecast, skipped, err := parseWeather(body)
		if err != nil {
			return nil, &ParseError{Source: SourceWeather, Err: err}
		}
		if skipped > 0 {
			f.logger.Warnw("skipped periods without a time", "location", locator, "count", skipped)
		}
		return forecast, nil
	}
}

type weatherRow struct {
	Temperature   number          `json:"temperature"`
	Conditions    string          `json:"conditions"`
	Precipitation number          `json:"precipitation"`
	WindSpeed     number          `json:"windSpeed"`
	Humidity      number          `json:"humidity"`
	ForecastTime  json.RawMessage `json:"forecastTime"`
}

func parseWeather(body []byte) ([]models.WeatherForecast, int, error) {
	var rows []weatherRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, 0, fmt.Errorf("decode weather forecast: %w", err)
	}
	out := make([]models.WeatherForecast, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		t, ok := forecastTime(r.ForecastTime)
		if !ok {
			skipped++
			continue
		}
		out = append(out, models.WeatherForecast{
			Time:          t,
			Temperature:   r.Temperature.or(0),
			Conditions:    r.Conditions,
			Precipitation: r.Precipitation.or(0),
			WindSpeed:     r.WindSpeed.or(0),
			Humidity:      r.Humidity.or(0),
		})
	}
	slices.SortFunc(out, func(a, b models.WeatherForecast) int { return a.Time.Compare(b.Time) })
	return out, skipped, nil
}

// forecastTime accepts an RFC 3339 string or unix seconds.
func forecastTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := parseTime(s)
		return t, err == nil
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		return time.Unix(int64(secs), 0).UTC(), true
	}
	return time.Time{}, false
}
