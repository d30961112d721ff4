package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/riverwatch/internal/api"
	"github.com/lox/riverwatch/internal/config"
	"github.com/lox/riverwatch/internal/httputil"
	"github.com/lox/riverwatch/internal/log"
	"github.com/lox/riverwatch/internal/river"
	"github.com/lox/riverwatch/internal/store"
)

type Globals struct {
	Config string `help:"Path to TOML config file." default:"riverwatch.toml" env:"RIVERWATCH_CONFIG" type:"path"`
	Debug  bool   `help:"Enable debug logging." env:"RIVERWATCH_DEBUG"`
}

type CLI struct {
	Globals

	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name='env-file',default='.env',help='Load environment variables from file.'"`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP API with background cache warming."`
	Live     LiveCmd     `cmd:"" help:"Print the latest readings for a station."`
	Schedule ScheduleCmd `cmd:"" help:"Print high-flow windows for a reach."`
	Timeline TimelineCmd `cmd:"" help:"Print the combined historical and real-time timeline for a station."`
	Weather  WeatherCmd  `cmd:"" help:"Print the weather forecast for a coordinate."`
	Status   StatusCmd   `cmd:"" help:"Print snapshot and warm-up status from the database."`
}

func (g *Globals) service() (*river.Service, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	return river.New(cfg, river.NewFetchers(cfg, httputil.NewClient())), nil
}

type ServeCmd struct {
	Listen string `help:"Listen address, overrides config." env:"RIVERWATCH_LISTEN"`
	DB     string `help:"SQLite database path, overrides config. Use 'none' to disable persistence." env:"RIVERWATCH_DB"`
	NoWarm bool   `help:"Disable background cache warming."`
}

func (c *ServeCmd) Run(g *Globals) error {
	svc, err := g.service()
	if err != nil {
		return err
	}
	cfg := svc.Config()
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	dbPath := cfg.DBPath
	if c.DB != "" {
		dbPath = c.DB
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		st     *store.Store
		pinger api.Pinger
		warmer *river.Warmer
	)
	if dbPath != "none" {
		st, err = store.Open(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		pinger = st
		log.Infof("database ready at %s", dbPath)
		warmer = river.NewWarmer(svc, st)
	} else {
		warmer = river.NewWarmer(svc, nil)
	}

	warmDone := make(chan error, 1)
	if c.NoWarm {
		log.Infof("cache warming disabled (--no-warm)")
		warmer.Restore()
		close(warmDone)
	} else {
		go func() { warmDone <- warmer.Run(ctx) }()
	}

	server := api.NewServer(svc, cfg.Listen, pinger)
	if err := server.Run(ctx); err != nil {
		cancel()
		<-warmDone
		return fmt.Errorf("server: %w", err)
	}
	if err := <-warmDone; err != nil {
		return fmt.Errorf("warmer: %w", err)
	}
	if c.NoWarm {
		return warmer.Save()
	}
	return nil
}

type LiveCmd struct {
	Station string `arg:"" help:"Station number, e.g. 05BJ004."`
	All     bool   `help:"Print every parameter, falling back to the last known values."`
}

func (c *LiveCmd) Run(g *Globals) error {
	svc, err := g.service()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	if c.All {
		res, err := svc.GetLiveSnapshot(ctx, c.Station)
		if err != nil {
			return err
		}
		if res.Stale {
			log.Warnw("upstream unavailable, showing last known values", "fetched_at", res.FetchedAt, "error", res.Err)
		}
		return printJSON(res.Value)
	}

	r, err := svc.GetLiveReading(ctx, c.Station)
	if err != nil {
		return err
	}
	return printJSON(r)
}

type ScheduleCmd struct {
	Reach     string  `arg:"" help:"Configured reach name."`
	Threshold float64 `help:"Discharge threshold in m³/s. Zero uses the reach default."`
}

func (c *ScheduleCmd) Run(g *Globals) error {
	svc, err := g.service()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	s, err := svc.GetFlowSchedule(ctx, c.Reach, c.Threshold)
	if err != nil {
		return err
	}
	return printJSON(s)
}

type TimelineCmd struct {
	Station string `arg:"" help:"Station number."`
}

func (c *TimelineCmd) Run(g *Globals) error {
	svc, err := g.service()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	tl, err := svc.GetCombinedTimeline(ctx, c.Station)
	if err != nil {
		return err
	}
	return printJSON(tl)
}

type WeatherCmd struct {
	Lat float64 `required:"" help:"Latitude in degrees."`
	Lon float64 `required:"" help:"Longitude in degrees."`
}

func (c *WeatherCmd) Run(g *Globals) error {
	svc, err := g.service()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	f, err := svc.GetWeatherForecast(ctx, c.Lat, c.Lon)
	if err != nil {
		return err
	}
	return printJSON(f)
}

type StatusCmd struct {
	DB     string        `help:"SQLite database path, overrides config." env:"RIVERWATCH_DB"`
	Window time.Duration `help:"How far back to look for failed warm-ups." default:"24h"`
}

func (c *StatusCmd) Run(g *Globals) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	dbPath := cfg.DBPath
	if c.DB != "" {
		dbPath = c.DB
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.SnapshotStats()
	if err != nil {
		return fmt.Errorf("snapshot stats: %w", err)
	}
	failures, err := st.RecentWarmFailures(c.Window, 20)
	if err != nil {
		return fmt.Errorf("warm failures: %w", err)
	}

	type failure struct {
		StartedAt time.Time `json:"startedAt"`
		Kind      string    `json:"kind"`
		Target    string    `json:"target"`
		Attempts  int       `json:"attempts"`
		Error     string    `json:"error"`
	}
	out := struct {
		Snapshot *store.SnapshotStats `json:"snapshot"`
		Failures []failure            `json:"failures"`
	}{Snapshot: stats, Failures: []failure{}}
	for _, r := range failures {
		out.Failures = append(out.Failures, failure{
			StartedAt: r.StartedAt,
			Kind:      r.Kind,
			Target:    r.Target,
			Attempts:  r.Attempts,
			Error:     r.ErrorMessage.String,
		})
	}
	return printJSON(out)
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("riverwatch"),
		kong.Description("River flow and dam release schedules for paddlers."),
		kong.UsageOnError(),
	)

	if err := log.Init(cli.Debug); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	err := ctx.Run(&cli.Globals)
	if err != nil {
		log.Errorf("%v", err)
		log.Sync()
		os.Exit(1)
	}
}
