// Package config loads the riverwatch TOML file: upstream endpoints, cache
// TTLs, reaches with their release gauges and the stations to keep warm.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/lox/riverwatch/internal/models"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultDBPath         = "riverwatch.db"
	defaultTimezone       = "America/Edmonton"
	defaultHydrometricURL = "https://api.weather.gc.ca"
	defaultLiveURL        = "https://api.riverwatch.example/live"
	defaultWeatherURL     = "https://api.riverwatch.example/weather"
	defaultReleaseURL     = "https://transalta.com/river-flows/?get-riverflow-data=1"
	defaultHistoryDays    = 365
	defaultWarmSchedule   = "*/10 * * * *"
	defaultSaveSchedule   = "*/15 * * * *"
)

type TTLs struct {
	Live       time.Duration
	Realtime   time.Duration
	Historical time.Duration
	Release    time.Duration
	Weather    time.Duration
}

var defaultTTLs = TTLs{
	Live:       5 * time.Minute,
	Realtime:   15 * time.Minute,
	Historical: 24 * time.Hour,
	Release:    30 * time.Minute,
	Weather:    30 * time.Minute,
}

// Reach is a stretch of river whose runnable hours follow an upstream release.
type Reach struct {
	Name          string
	ReleaseURL    string
	Gauge         models.Gauge
	Threshold     float64
	TravelMinutes int
	Lat, Lon      float64
}

func (r Reach) Travel() time.Duration {
	return time.Duration(r.TravelMinutes) * time.Minute
}

type Twilight struct {
	BaseHour  float64
	Amplitude float64
	PeakDay   int
}

type Config struct {
	Listen         string
	DBPath         string
	Location       *time.Location
	FetchTimeout   time.Duration
	LiveURL        string
	HydrometricURL string
	WeatherURL     string
	RealtimeLimit  int
	HistoryDays    int
	TTL            TTLs
	Twilight       Twilight
	Reaches        []Reach
	Stations       []string
	WarmSchedule   string
	SaveSchedule   string
}

// Reach returns the named reach, ignoring case.
func (c Config) Reach(name string) (Reach, bool) {
	for _, r := range c.Reaches {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Reach{}, false
}

// Default returns the configuration used when no file exists.
func Default() Config {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	return Config{
		Listen:         defaultListen,
		DBPath:         defaultDBPath,
		Location:       loc,
		FetchTimeout:   20 * time.Second,
		LiveURL:        defaultLiveURL,
		HydrometricURL: defaultHydrometricURL,
		WeatherURL:     defaultWeatherURL,
		HistoryDays:    defaultHistoryDays,
		TTL:            defaultTTLs,
		Twilight:       Twilight{BaseHour: 18.5, Amplitude: 2.5, PeakDay: 172},
		Reaches: []Reach{{
			Name:          "kananaskis",
			ReleaseURL:    defaultReleaseURL,
			Gauge:         models.GaugeBarrier,
			Threshold:     20,
			TravelMinutes: 45,
			Lat:           51.0547,
			Lon:           -115.0173,
		}},
		WarmSchedule: defaultWarmSchedule,
		SaveSchedule: defaultSaveSchedule,
	}
}

type rawReach struct {
	Name          string  `toml:"name"`
	ReleaseURL    string  `toml:"release_url"`
	Gauge         string  `toml:"gauge"`
	Threshold     float64 `toml:"threshold"`
	TravelMinutes int     `toml:"travel_minutes"`
	Lat           float64 `toml:"lat"`
	Lon           float64 `toml:"lon"`
}

type rawConfig struct {
	Listen         string `toml:"listen"`
	DBPath         string `toml:"db_path"`
	Timezone       string `toml:"timezone"`
	FetchTimeout   string `toml:"fetch_timeout"`
	LiveURL        string `toml:"live_url"`
	HydrometricURL string `toml:"hydrometric_url"`
	WeatherURL     string `toml:"weather_url"`
	RealtimeLimit  int    `toml:"realtime_limit"`
	HistoryDays    int    `toml:"history_days"`
	TTL            struct {
		Live       string `toml:"live"`
		Realtime   string `toml:"realtime"`
		Historical string `toml:"historical"`
		Release    string `toml:"release"`
		Weather    string `toml:"weather"`
	} `toml:"ttl"`
	Twilight *struct {
		BaseHour  float64 `toml:"base_hour"`
		Amplitude float64 `toml:"amplitude"`
		PeakDay   int     `toml:"peak_day"`
	} `toml:"twilight"`
	Reaches  []rawReach `toml:"reach"`
	Stations []string   `toml:"stations"`
	Warm     struct {
		Schedule     string `toml:"schedule"`
		SaveSchedule string `toml:"save_schedule"`
	} `toml:"warm"`
}

// Load parses the config at path, falling back to defaults when the file is
// missing. Fields left empty keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	b, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(b, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := apply(&cfg, raw); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg *Config, raw rawConfig) error {
	setString(&cfg.Listen, raw.Listen)
	setString(&cfg.DBPath, raw.DBPath)
	setString(&cfg.LiveURL, raw.LiveURL)
	setString(&cfg.HydrometricURL, raw.HydrometricURL)
	setString(&cfg.WeatherURL, raw.WeatherURL)
	setString(&cfg.WarmSchedule, raw.Warm.Schedule)
	setString(&cfg.SaveSchedule, raw.Warm.SaveSchedule)
	if raw.RealtimeLimit > 0 {
		cfg.RealtimeLimit = raw.RealtimeLimit
	}
	if raw.HistoryDays > 0 {
		cfg.HistoryDays = raw.HistoryDays
	}

	if tz := strings.TrimSpace(raw.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
		cfg.Location = loc
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"fetch_timeout", raw.FetchTimeout, &cfg.FetchTimeout},
		{"ttl.live", raw.TTL.Live, &cfg.TTL.Live},
		{"ttl.realtime", raw.TTL.Realtime, &cfg.TTL.Realtime},
		{"ttl.historical", raw.TTL.Historical, &cfg.TTL.Historical},
		{"ttl.release", raw.TTL.Release, &cfg.TTL.Release},
		{"ttl.weather", raw.TTL.Weather, &cfg.TTL.Weather},
	} {
		if err := setDuration(d.dst, d.name, d.raw); err != nil {
			return err
		}
	}

	if t := raw.Twilight; t != nil {
		if t.PeakDay < 0 || t.PeakDay > 366 {
			return fmt.Errorf("twilight.peak_day %d out of range", t.PeakDay)
		}
		cfg.Twilight = Twilight{BaseHour: t.BaseHour, Amplitude: t.Amplitude, PeakDay: t.PeakDay}
	}

	if len(raw.Reaches) > 0 {
		cfg.Reaches = cfg.Reaches[:0:0]
		for i, r := range raw.Reaches {
			reach, err := parseReach(r)
			if err != nil {
				return fmt.Errorf("reach %d: %w", i, err)
			}
			cfg.Reaches = append(cfg.Reaches, reach)
		}
	}

	for _, s := range raw.Stations {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			cfg.Stations = append(cfg.Stations, s)
		}
	}
	return nil
}

func parseReach(r rawReach) (Reach, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return Reach{}, errors.New("name is required")
	}
	reach := Reach{
		Name:          name,
		ReleaseURL:    strings.TrimSpace(r.ReleaseURL),
		Gauge:         models.GaugeBarrier,
		Threshold:     r.Threshold,
		TravelMinutes: r.TravelMinutes,
		Lat:           r.Lat,
		Lon:           r.Lon,
	}
	if reach.ReleaseURL == "" {
		reach.ReleaseURL = defaultReleaseURL
	}
	switch g := models.Gauge(strings.ToLower(strings.TrimSpace(r.Gauge))); g {
	case "":
	case models.GaugeBarrier, models.GaugeSecondary:
		reach.Gauge = g
	default:
		return Reach{}, fmt.Errorf("%s: unknown gauge %q", name, r.Gauge)
	}
	if reach.Threshold <= 0 {
		return Reach{}, fmt.Errorf("%s: threshold must be positive", name)
	}
	if reach.TravelMinutes < 0 {
		return Reach{}, fmt.Errorf("%s: travel_minutes must not be negative", name)
	}
	return reach, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	*dst = d
	return nil
}
