// Package status implements the Status Aggregator (spec.md §4.6): a
// periodic projection of every supervised process's ProcessRecord into an
// immutable Snapshot, plus best-effort per-pid resource sampling.
package status

import (
	"context"
	"sync/atomic"
	"time"

	"devwave/pkg/event"
	"devwave/pkg/supervisor"
)

// DefaultInterval is the snapshot emission period (spec.md §4.6).
const DefaultInterval = 1 * time.Second

// Source is the read-only view the aggregator needs of a supervised
// process; *supervisor.Supervisor satisfies it via Record.
type Source interface {
	Record() supervisor.ProcessRecord
}

// ResourceSample is a best-effort per-process resource reading. Supported
// is false wherever the sampling backend could not produce a reading
// (non-Linux platform, permission error, process already gone) — the
// aggregator degrades gracefully rather than failing the whole snapshot.
type ResourceSample struct {
	CPUPercent float64
	RSSBytes   uint64
	Uptime     time.Duration
	Supported  bool
}

// Sampler resolves a ResourceSample for a running pid.
type Sampler interface {
	Sample(pid int) ResourceSample
}

// ProcessView is one process's contribution to a Snapshot: a value copy of
// its ProcessRecord plus a resource sample.
type ProcessView struct {
	Record   supervisor.ProcessRecord
	Resource ResourceSample
}

// Summary tallies process counts by status, for the multiplexer overview's
// headline numbers.
type Summary struct {
	Running  int
	Building int
	Failed   int
	Stopped  int
	Other    int
}

// Snapshot is an immutable, timestamped view of the entire fleet
// (spec.md §3). Once returned from Aggregator.Latest or published on the
// event bus, a Snapshot is never mutated.
type Snapshot struct {
	Timestamp time.Time
	Processes map[string]ProcessView
	Summary   Summary
}

func summarize(processes map[string]ProcessView) Summary {
	var s Summary
	for _, v := range processes {
		switch v.Record.Status {
		case supervisor.StatusRunning:
			s.Running++
		case supervisor.StatusBuilding:
			s.Building++
		case supervisor.StatusFailed:
			s.Failed++
		case supervisor.StatusStopped:
			s.Stopped++
		default:
			s.Other++
		}
	}
	return s
}

// Aggregator periodically builds a Snapshot from a set of Sources and
// publishes it on the event bus; Run blocks until ctx is cancelled.
type Aggregator struct {
	sources  map[string]Source
	bus      *event.Bus
	interval time.Duration
	sampler  Sampler

	latest atomic.Pointer[Snapshot]
}

// New builds an Aggregator over sources. interval<=0 uses DefaultInterval;
// a nil sampler uses the platform best-effort sampler (NewProcSampler).
func New(sources map[string]Source, bus *event.Bus, interval time.Duration, sampler Sampler) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if sampler == nil {
		sampler = NewProcSampler()
	}
	return &Aggregator{sources: sources, bus: bus, interval: interval, sampler: sampler}
}

// Latest returns the most recently built Snapshot, or the zero value if
// none has been built yet.
func (a *Aggregator) Latest() Snapshot {
	if s := a.latest.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// Snapshot builds and records one Snapshot immediately, without waiting
// for the next tick.
func (a *Aggregator) Snapshot() Snapshot {
	processes := make(map[string]ProcessView, len(a.sources))
	for name, src := range a.sources {
		rec := src.Record()
		var sample ResourceSample
		if rec.HasPid {
			sample = a.sampler.Sample(rec.Pid)
		}
		processes[name] = ProcessView{Record: rec, Resource: sample}
	}
	snap := Snapshot{
		Timestamp: time.Now(),
		Processes: processes,
		Summary:   summarize(processes),
	}
	a.latest.Store(&snap)
	return snap
}

// Run emits a Snapshot every interval (and once immediately) until ctx is
// cancelled, publishing each on the event bus as KindStatusUpdate. It also
// subscribes to the bus itself and emits an out-of-band snapshot on any
// status transition or build event (spec.md §4.6: "on any status
// transition, on any build-event, and on every tick"), so a client watching
// KindStatusUpdate sees a process flip to failed/running, or a build
// complete, without waiting for the next tick.
func (a *Aggregator) Run(ctx context.Context) {
	a.publish(a.Snapshot())

	var evCh <-chan event.Event
	if a.bus != nil {
		sub := a.bus.Subscribe()
		defer a.bus.Unsubscribe(sub)
		evCh = sub.C()
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publish(a.Snapshot())
		case ev := <-evCh:
			if triggersSnapshot(ev.Kind) {
				a.publish(a.Snapshot())
			}
		}
	}
}

// triggersSnapshot reports whether a bus event should trigger an immediate
// out-of-band snapshot, rather than waiting for the next tick.
// KindStatusUpdate itself is excluded, else the aggregator would retrigger
// on its own published snapshots.
func triggersSnapshot(kind event.Kind) bool {
	switch kind {
	case event.KindProcessReady, event.KindProcessStatus, event.KindProcessFailed,
		event.KindProcessRestarting, event.KindProcessStopped, event.KindAllReady,
		event.KindBuildStart, event.KindBuildProgress, event.KindBuildComplete, event.KindBuildFailed:
		return true
	default:
		return false
	}
}

func (a *Aggregator) publish(snap Snapshot) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(event.Event{Kind: event.KindStatusUpdate, Data: snap})
}
