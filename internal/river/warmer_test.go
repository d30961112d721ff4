package river

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/riverwatch/internal/cache"
	"github.com/lox/riverwatch/internal/store"
)

type fakePersister struct {
	mu     sync.Mutex
	saved  *cache.Snapshot
	load   *cache.Snapshot
	nextID int64
	runs   map[int64]*store.WarmRun
	errs   map[int64]error
}

func newFakePersister() *fakePersister {
	return &fakePersister{runs: map[int64]*store.WarmRun{}, errs: map[int64]error{}}
}

func (f *fakePersister) SaveSnapshot(s *cache.Snapshot) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = s
	return s.Len(), nil
}

func (f *fakePersister) LoadSnapshot() (*cache.Snapshot, error) {
	if f.load == nil {
		return cache.NewSnapshot(), nil
	}
	return f.load, nil
}

func (f *fakePersister) PruneSnapshots(time.Time) (int64, error) { return 0, nil }
func (f *fakePersister) PruneWarmRuns(time.Time) (int64, error)  { return 0, nil }

func (f *fakePersister) StartWarmRun(kind, target string) (*store.WarmRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	run := &store.WarmRun{ID: f.nextID, Kind: kind, Target: target}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakePersister) CompleteWarmRun(run *store.WarmRun, attempts int, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.Attempts = attempts
	run.Success = err == nil
	f.errs[run.ID] = err
	return nil
}

func (f *fakePersister) run(kind string) *store.WarmRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.Kind == kind {
			return r
		}
	}
	return nil
}

func fastRetry() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func TestWarmer_WarmAll(t *testing.T) {
	svc, u := newTestService(t)
	p := newFakePersister()
	w := NewWarmer(svc, p)
	w.retry = fastRetry

	w.WarmAll(context.Background())

	for _, kind := range []string{"live", "timeline", "schedule"} {
		r := p.run(kind)
		if r == nil {
			t.Fatalf("no %s run recorded", kind)
		}
		if !r.Success || r.Attempts != 1 {
			t.Errorf("%s run = %+v, want one successful attempt", kind, r)
		}
	}
	if got := u.count("/release"); got != 1 {
		t.Errorf("release fetched %d times, want 1", got)
	}

	// Warm entries are fresh, so a second pass does no I/O.
	w.WarmAll(context.Background())
	if got := u.count("/live/05BJ004"); got != 1 {
		t.Errorf("live fetched %d times, want 1", got)
	}
}

func TestWarmer_RetriesTransientFailures(t *testing.T) {
	svc, u := newTestService(t)
	u.setFail("/live/05BJ004", true)
	p := newFakePersister()
	w := NewWarmer(svc, p)
	w.retry = fastRetry

	w.WarmAll(context.Background())

	r := p.run("live")
	if r == nil || r.Success || r.Attempts != 3 {
		t.Errorf("live run = %+v, want 3 failed attempts", r)
	}
}

func TestWarmer_DoesNotRetryNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	svc.cfg.Stations = []string{"UNKNOWN"}
	p := newFakePersister()
	w := NewWarmer(svc, p)
	w.retry = fastRetry

	w.WarmAll(context.Background())

	r := p.run("live")
	if r == nil || r.Success || r.Attempts != 1 {
		t.Errorf("live run = %+v, want a single failed attempt", r)
	}
}

func TestWarmer_SaveAndRestore(t *testing.T) {
	svc, _ := newTestService(t)
	p := newFakePersister()
	w := NewWarmer(svc, p)
	w.retry = fastRetry
	w.WarmAll(context.Background())

	if err := w.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if p.saved == nil || p.saved.Len() == 0 {
		t.Fatal("nothing saved")
	}

	restarted, _ := newTestService(t)
	p2 := newFakePersister()
	p2.load = p.saved
	NewWarmer(restarted, p2).Restore()

	if _, ok := restarted.f.Live.Cache().Peek("05BJ004"); !ok {
		t.Error("live entry not restored")
	}
	if got := restarted.f.Historical.Cache().Len(); got != 1 {
		t.Errorf("restored %d historical entries, want 1", got)
	}
	e, _ := restarted.f.Live.Cache().Peek("05BJ004")
	if e.FreshAt(time.Now()) {
		t.Error("restored entry should be stale")
	}
}

func TestWarmer_NilStore(t *testing.T) {
	svc, _ := newTestService(t)
	w := NewWarmer(svc, nil)
	w.retry = fastRetry

	w.WarmAll(context.Background())
	if err := w.Save(); err != nil {
		t.Errorf("Save with nil store = %v", err)
	}
	w.Restore()
}

func TestWarmer_RunStopsOnCancel(t *testing.T) {
	svc, _ := newTestService(t)
	p := newFakePersister()
	w := NewWarmer(svc, p)
	w.retry = fastRetry

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.run("schedule") == nil {
		if time.Now().After(deadline) {
			t.Fatal("initial warm did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if p.saved == nil {
		t.Error("expected a snapshot on shutdown")
	}
}
