package river

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lox/riverwatch/internal/cache"
	"github.com/lox/riverwatch/internal/log"
	"github.com/lox/riverwatch/internal/metrics"
	"github.com/lox/riverwatch/internal/sources"
	"github.com/lox/riverwatch/internal/store"
)

// Persister stores cache snapshots and warm-up audit records.
type Persister interface {
	SaveSnapshot(*cache.Snapshot) (int, error)
	LoadSnapshot() (*cache.Snapshot, error)
	PruneSnapshots(cutoff time.Time) (int64, error)
	StartWarmRun(kind, target string) (*store.WarmRun, error)
	CompleteWarmRun(run *store.WarmRun, attempts int, err error) error
	PruneWarmRuns(cutoff time.Time) (int64, error)
}

const (
	snapshotMaxAge = 30 * 24 * time.Hour
	warmRunMaxAge  = 7 * 24 * time.Hour
)

// Warmer keeps the caches for configured stations and reaches populated and
// periodically persists them. Retries live here rather than in the cache:
// each warm-up is retried with backoff before being recorded as failed.
type Warmer struct {
	svc      *Service
	store    Persister
	stations []string
	reaches  []string
	warmSpec string
	saveSpec string
	retry    func() backoff.BackOff
	logger   *zap.SugaredLogger
}

// NewWarmer returns a warmer for the service's configuration. Store may be
// nil, which disables persistence and auditing.
func NewWarmer(svc *Service, st Persister) *Warmer {
	cfg := svc.Config()
	w := &Warmer{
		svc:      svc,
		store:    st,
		stations: cfg.Stations,
		warmSpec: cfg.WarmSchedule,
		saveSpec: cfg.SaveSchedule,
		logger:   log.Logger("warmer"),
		retry: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 2 * time.Second
			bo.MaxElapsedTime = 2 * time.Minute
			return backoff.WithMaxRetries(bo, 3)
		},
	}
	for _, r := range cfg.Reaches {
		w.reaches = append(w.reaches, r.Name)
	}
	return w
}

// Run restores the last snapshot, warms everything once, then runs the warm
// and save jobs on their cron schedules until ctx is cancelled. A final
// snapshot is saved on shutdown.
func (w *Warmer) Run(ctx context.Context) error {
	w.Restore()

	c := cron.New()
	if _, err := c.AddFunc(w.warmSpec, func() { w.WarmAll(ctx) }); err != nil {
		return fmt.Errorf("schedule warm job %q: %w", w.warmSpec, err)
	}
	if w.store != nil {
		if _, err := c.AddFunc(w.saveSpec, func() {
			if err := w.Save(); err != nil {
				w.logger.Errorw("save snapshot", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule save job %q: %w", w.saveSpec, err)
		}
	}

	w.WarmAll(ctx)
	c.Start()
	w.logger.Infow("scheduled", "warm", w.warmSpec, "save", w.saveSpec)

	<-ctx.Done()
	w.logger.Info("shutting down")
	<-c.Stop().Done()

	if w.store != nil {
		return w.Save()
	}
	return nil
}

// WarmAll refreshes every configured station and reach.
func (w *Warmer) WarmAll(ctx context.Context) {
	for _, station := range w.stations {
		w.warm(ctx, "live", station, func(ctx context.Context) error {
			_, err := w.svc.GetLiveReading(ctx, station)
			return err
		})
		w.warm(ctx, "timeline", station, func(ctx context.Context) error {
			_, err := w.svc.GetCombinedTimeline(ctx, station)
			return err
		})
	}
	for _, reach := range w.reaches {
		w.warm(ctx, "schedule", reach, func(ctx context.Context) error {
			_, err := w.svc.GetFlowSchedule(ctx, reach, 0)
			return err
		})
	}
}

func (w *Warmer) warm(ctx context.Context, kind, target string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}

	var run *store.WarmRun
	if w.store != nil {
		var err error
		if run, err = w.store.StartWarmRun(kind, target); err != nil {
			w.logger.Warnw("start warm run", "error", err)
		}
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(w.retry(), ctx))

	if err != nil {
		w.logger.Warnw("warm failed", "kind", kind, "target", target, "attempts", attempts, "error", err)
	} else {
		w.logger.Debugw("warmed", "kind", kind, "target", target)
	}
	if w.store != nil && run != nil {
		if cerr := w.store.CompleteWarmRun(run, attempts, err); cerr != nil {
			w.logger.Warnw("complete warm run", "error", cerr)
		}
	}
}

// retryable reports whether err may clear up on its own.
func retryable(err error) bool {
	var (
		nf *sources.NotFoundError
		pe *sources.ParseError
	)
	if errors.As(err, &nf) || errors.As(err, &pe) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Save persists every cache and prunes old records.
func (w *Warmer) Save() error {
	if w.store == nil {
		return nil
	}
	snap, err := w.svc.Snapshot()
	if err != nil {
		return err
	}
	written, err := w.store.SaveSnapshot(snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	metrics.SnapshotEntries.Set(float64(snap.Len()))
	w.logger.Infow("saved snapshot", "entries", snap.Len(), "written", written)

	now := time.Now()
	if _, err := w.store.PruneSnapshots(now.Add(-snapshotMaxAge)); err != nil {
		w.logger.Warnw("prune snapshots", "error", err)
	}
	if _, err := w.store.PruneWarmRuns(now.Add(-warmRunMaxAge)); err != nil {
		w.logger.Warnw("prune warm runs", "error", err)
	}
	return nil
}

// Restore seeds the caches from the persisted snapshot, if any.
func (w *Warmer) Restore() {
	if w.store == nil {
		return
	}
	snap, err := w.store.LoadSnapshot()
	if err != nil {
		w.logger.Warnw("load snapshot", "error", err)
		return
	}
	w.svc.Restore(snap)
}
