package wecom

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
)

const (
	DefaultDedupTTL           = 10 * time.Minute
	DefaultDedupSweepInterval = time.Hour
)

// Deduplicator remembers recently processed MsgIds so platform retries of
// the same callback are acknowledged without being dispatched twice.
// Entries are never refreshed: the TTL counts from the first sighting.
type Deduplicator struct {
	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock

	mu    sync.Mutex
	seen  map[string]time.Time
	timer clock.Timer
	gen   int
}

// NewDeduplicator creates a deduplicator. Zero durations select the defaults.
func NewDeduplicator(ttl, sweepInterval time.Duration, c clock.Clock) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultDedupSweepInterval
	}
	return &Deduplicator{
		ttl:      ttl,
		interval: sweepInterval,
		clock:    clock.OrReal(c),
		seen:     make(map[string]time.Time),
	}
}

// Seen reports whether id was remembered within the TTL.
func (d *Deduplicator) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seenLocked(id, d.clock.Now())
}

// Remember records id as processed now. An id already live keeps its
// original timestamp.
func (d *Deduplicator) Remember(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if !d.seenLocked(id, now) {
		d.seen[id] = now
	}
}

// CheckAndRemember remembers id and reports whether it had already been
// seen, as one atomic step.
func (d *Deduplicator) CheckAndRemember(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if d.seenLocked(id, now) {
		return true
	}
	d.seen[id] = now
	return false
}

func (d *Deduplicator) seenLocked(id string, now time.Time) bool {
	first, ok := d.seen[id]
	return ok && now.Sub(first) <= d.ttl
}

// Sweep drops every entry older than the TTL and returns how many were removed.
func (d *Deduplicator) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	n := 0
	for id, first := range d.seen {
		if now.Sub(first) > d.ttl {
			delete(d.seen, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked ids, expired or not.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Start runs Sweep every sweep interval until ctx is done or Stop is called.
func (d *Deduplicator) Start(ctx context.Context) {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.armLocked(gen)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.stop(gen)
	}()
}

// Stop disarms the periodic sweep.
func (d *Deduplicator) Stop() {
	d.mu.Lock()
	gen := d.gen
	d.mu.Unlock()
	d.stop(gen)
}

func (d *Deduplicator) stop(gen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return
	}
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Deduplicator) armLocked(gen int) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.interval, func() {
		if n := d.Sweep(); n > 0 {
			slog.Debug("wecom: dedup sweep", "removed", n)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if gen == d.gen {
			d.armLocked(gen)
		}
	})
}
