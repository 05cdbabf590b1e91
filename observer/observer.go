// Package observer is the coherence observer: a periodic, read-only
// comparison of recorded state against observed host state. It reports
// divergences as issues and never mutates anything.
package observer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"

	"github.com/blawesom/vm-manager/config"
	"github.com/blawesom/vm-manager/store"
	"github.com/blawesom/vm-manager/types"
)

// stopJoinTimeout bounds how long Stop waits for an in-flight cycle.
const stopJoinTimeout = 10 * time.Second

// Observer runs coherence cycles on a fixed interval. Each cycle's
// issue list wholly replaces the previous one; consumers read the
// latest snapshot via Issues.
type Observer struct {
	conf  *config.Config
	store *store.Store
	procs ProcessSource

	interval time.Duration
	snapshot atomic.Pointer[[]types.CoherenceIssue]

	watcher  *fsnotify.Watcher
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

// New builds an Observer. The configured interval is clamped to the
// ceiling so recorded state never runs stale for long.
func New(conf *config.Config, st *store.Store, procs ProcessSource) *Observer {
	seconds := conf.ObserveIntervalSeconds
	if seconds <= 0 || seconds > config.ObserveIntervalCeiling {
		seconds = config.ObserveIntervalCeiling
	}
	if procs == nil {
		procs = NewHostProcessSource(conf.QemuBinary)
	}
	return &Observer{
		conf:     conf,
		store:    st,
		procs:    procs,
		interval: time.Duration(seconds) * time.Second,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the observation loop. A filesystem watcher on the
// disks directory wakes the loop early when backing files appear or
// disappear between ticks.
func (o *Observer) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("observer already started")
	}
	logger := log.WithFunc("observer.Start")

	if w, err := fsnotify.NewWatcher(); err != nil {
		logger.Warnf(ctx, "filesystem watcher unavailable: %v", err)
	} else if err := w.Add(o.conf.DisksDir()); err != nil {
		logger.Warnf(ctx, "watch %s: %v", o.conf.DisksDir(), err)
		_ = w.Close()
	} else {
		o.watcher = w
		go o.forwardEvents(ctx)
	}

	go o.loop(ctx)
	logger.Infof(ctx, "observer started, interval %s", o.interval)
	return nil
}

// Stop terminates the loop and waits, bounded, for the in-flight cycle.
// Safe to call more than once. The join deliberately ignores the
// caller's context: Stop is usually invoked with an already-canceled
// signal context, and must still wait for the loop to unwind.
func (o *Observer) Stop(_ context.Context) error {
	if !o.started.Load() {
		return nil
	}
	o.stopOnce.Do(func() {
		close(o.stopCh)
		if o.watcher != nil {
			_ = o.watcher.Close()
		}
	})
	select {
	case <-o.done:
		return nil
	case <-time.After(stopJoinTimeout):
		return fmt.Errorf("observer did not stop within %s", stopJoinTimeout)
	}
}

// Issues returns the latest cycle's snapshot. Nil means no cycle has
// completed yet.
func (o *Observer) Issues() []types.CoherenceIssue {
	p := o.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// RunOnce executes a single cycle synchronously and returns its issues.
// The snapshot is updated as in the periodic loop. A clean cycle stores
// an empty slice, distinct from the nil of a cycle that never ran.
func (o *Observer) RunOnce(ctx context.Context) []types.CoherenceIssue {
	issues := o.runChecks(ctx)
	if issues == nil {
		issues = []types.CoherenceIssue{}
	}
	o.snapshot.Store(&issues)
	return issues
}

func (o *Observer) loop(ctx context.Context) {
	defer close(o.done)
	logger := log.WithFunc("observer.loop")

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.RunOnce(ctx)
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
		issues := o.RunOnce(ctx)
		if len(issues) > 0 {
			logger.Warnf(ctx, "%d coherence issue(s) detected", len(issues))
		}
	}
}

// forwardEvents funnels watcher events into the wake channel. The
// channel has capacity one: bursts collapse into a single early cycle.
func (o *Observer) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case _, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			select {
			case o.wake <- struct{}{}:
			default:
			}
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			log.WithFunc("observer.forwardEvents").Warnf(ctx, "watcher: %v", err)
		}
	}
}
