// Package service keeps the published event listing fresh: it acquires the
// feed, parses it and swaps in the new snapshot on a cron schedule.
package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"eventcal/internal/ics"
	appLog "eventcal/internal/log"
	"eventcal/internal/metrics"
	"eventcal/internal/model"
)

// FeedSource yields raw feed text. *ics.Acquirer satisfies it.
type FeedSource interface {
	Acquire(ctx context.Context) (string, error)
}

// Snapshot is one published listing.
type Snapshot struct {
	Events      []model.Event
	RefreshedAt time.Time
	// Err is the acquisition error of the refresh that produced this
	// snapshot, if any. Events is empty in that case.
	Err error
}

// Calendar owns the current Snapshot.
type Calendar struct {
	source  FeedSource
	parser  *ics.Parser
	metrics *metrics.Recorder
	now     func() time.Time

	mu       sync.RWMutex
	snapshot Snapshot

	refreshMu sync.Mutex
	cron      *cron.Cron
}

// Options configures a Calendar.
type Options struct {
	WindowDays int
	Metrics    *metrics.Recorder
	// Now overrides the clock for refresh timestamps and the parse window.
	Now func() time.Time
}

func New(source FeedSource, opts Options) *Calendar {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Calendar{
		source:  source,
		parser:  &ics.Parser{WindowDays: opts.WindowDays, Now: now},
		metrics: opts.Metrics,
		now:     now,
	}
}

// Refresh acquires and parses the feed once and publishes the result. An
// acquisition failure publishes an empty listing and is returned.
// Concurrent calls are serialized.
func (c *Calendar) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	started := c.now()
	text, err := c.source.Acquire(ctx)

	events := []model.Event{}
	if err == nil {
		events = c.parser.Parse(text)
	}

	finished := c.now()
	c.mu.Lock()
	c.snapshot = Snapshot{Events: events, RefreshedAt: finished, Err: err}
	c.mu.Unlock()

	c.metrics.Refreshed(len(events), finished.Sub(started), finished)

	if err != nil {
		appLog.Error("calendar refresh failed; publishing empty listing", err)
		return err
	}
	appLog.Info("calendar refreshed", "events", len(events), "took", finished.Sub(started).String())
	return nil
}

// Snapshot returns the current listing. The Events slice is a copy.
func (c *Calendar) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.snapshot
	s.Events = slices.Clone(c.snapshot.Events)
	return s
}

// Events returns a copy of the current events.
func (c *Calendar) Events() []model.Event {
	return c.Snapshot().Events
}

// Start runs an initial refresh and then refreshes on spec (standard
// 5-field cron syntax) until ctx is done.
func (c *Calendar) Start(ctx context.Context, spec string) error {
	if c.cron != nil {
		return errors.New("calendar refresh already started")
	}

	sched := cron.New()
	if _, err := sched.AddFunc(spec, func() {
		_ = c.Refresh(ctx)
	}); err != nil {
		return err
	}
	c.cron = sched

	_ = c.Refresh(ctx)
	sched.Start()
	appLog.Info("calendar refresh scheduled", "cron", spec)

	go func() {
		<-ctx.Done()
		stopped := sched.Stop()
		<-stopped.Done()
		appLog.Debug("calendar refresh scheduler stopped")
	}()
	return nil
}
