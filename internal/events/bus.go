// Package events is the fan-out bus between the sync engine and its
// observers. One producer publishes; any number of subscribers each
// own a buffered channel. A slow subscriber loses events instead of
// stalling the engine.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/syncd/internal/registry"
)

type Kind string

const (
	KindLog     Kind = "log"
	KindStatus  Kind = "status"
	KindMetrics Kind = "metrics"
)

type Event struct {
	Kind      Kind      `json:"type"`
	Resource  string    `json:"resource,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"data"`
}

type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}

type Metrics struct {
	ActiveJobs         int `json:"active_jobs"`
	CompletedToday     int `json:"completed_today"`
	FailedToday        int `json:"failed_today"`
	TotalRecordsSynced int `json:"total_records_synced"`
}

// Snapshot is what a new subscriber sees before any live event.
type Snapshot struct {
	Logs    []Event                       `json:"logs"`
	Status  map[string]registry.JobStatus `json:"status"`
	Metrics Metrics                       `json:"metrics"`
}

// Options tunes buffer sizes; zero values fall back to defaults
// matching the original dashboard (2000 retained logs, 100 in the
// snapshot).
type Options struct {
	RetainedLogs  int
	SnapshotLogs  int
	SubscriberBuf int
}

type Bus struct {
	reg *registry.Registry
	log *zap.Logger

	retained int
	snapN    int
	bufSize  int

	mu      sync.Mutex
	subs    map[string]chan Event
	dropped map[string]int
	recent  []Event

	day            time.Time
	completedToday int
	failedToday    int
	totalSynced    int
}

func New(reg *registry.Registry, opts Options, log *zap.Logger) *Bus {
	if opts.RetainedLogs <= 0 {
		opts.RetainedLogs = 2000
	}
	if opts.SnapshotLogs <= 0 {
		opts.SnapshotLogs = 100
	}
	if opts.SubscriberBuf <= 0 {
		opts.SubscriberBuf = 256
	}
	return &Bus{
		reg:      reg,
		log:      log,
		retained: opts.RetainedLogs,
		snapN:    opts.SnapshotLogs,
		bufSize:  opts.SubscriberBuf,
		subs:     make(map[string]chan Event),
		dropped:  make(map[string]int),
		day:      today(),
	}
}

// Log publishes a log-kind event.
func (b *Bus) Log(level, message, resource string, count int) {
	b.Publish(Event{
		Kind:     KindLog,
		Resource: resource,
		Payload:  LogPayload{Level: level, Message: message, Count: count},
	})
}

// Status publishes the current status of one job and folds terminal
// outcomes into the daily metrics.
func (b *Bus) Status(st registry.JobStatus) {
	b.Publish(Event{Kind: KindStatus, Resource: st.Resource, Payload: st})
}

// PublishMetrics broadcasts the current aggregate metrics.
func (b *Bus) PublishMetrics() {
	b.Publish(Event{Kind: KindMetrics, Payload: b.MetricsSnapshot()})
}

// Publish delivers ev to every subscriber without ever blocking. When
// a subscriber's buffer is full the event is dropped for that
// subscriber only; ordering of delivered events is publish order.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.rolloverLocked()

	switch ev.Kind {
	case KindLog:
		b.recent = append(b.recent, ev)
		if len(b.recent) > b.retained {
			b.recent = b.recent[len(b.recent)-b.retained:]
		}
	case KindStatus:
		if st, ok := ev.Payload.(registry.JobStatus); ok {
			switch st.State {
			case registry.StateCompleted:
				b.completedToday++
			case registry.StateFailed:
				b.failedToday++
			}
		}
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped[id]++
			if b.dropped[id] == 1 {
				b.log.Warn("slow subscriber, dropping events", zap.String("subscriber", id))
			}
		}
	}
	b.mu.Unlock()
}

// RecordSynced adds committed records to the running total.
func (b *Bus) RecordSynced(n int) {
	b.mu.Lock()
	b.rolloverLocked()
	b.totalSynced += n
	b.mu.Unlock()
}

// MetricsSnapshot assembles the current aggregate metrics.
func (b *Bus) MetricsSnapshot() Metrics {
	b.mu.Lock()
	b.rolloverLocked()
	m := Metrics{
		CompletedToday:     b.completedToday,
		FailedToday:        b.failedToday,
		TotalRecordsSynced: b.totalSynced,
	}
	b.mu.Unlock()
	m.ActiveJobs = b.reg.ActiveCount()
	return m
}

// RecentLogs returns up to limit of the retained log events, oldest
// first. limit <= 0 means the snapshot default.
func (b *Bus) RecentLogs(limit int) []Event {
	if limit <= 0 {
		limit = b.snapN
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if len(b.recent) > limit {
		start = len(b.recent) - limit
	}
	out := make([]Event, len(b.recent)-start)
	copy(out, b.recent[start:])
	return out
}

// FilterLogs applies level and resource filters to the whole retained
// buffer, then keeps the newest limit matches (oldest first). The
// second return is the match count before the limit was applied, so
// callers can report how many entries the filter hit in total.
func (b *Bus) FilterLogs(level, resource string, limit int) ([]Event, int) {
	if limit <= 0 {
		limit = b.snapN
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]Event, 0, len(b.recent))
	for _, ev := range b.recent {
		lp, ok := ev.Payload.(LogPayload)
		if !ok {
			continue
		}
		if level != "" && lp.Level != level {
			continue
		}
		if resource != "" && ev.Resource != resource {
			continue
		}
		matched = append(matched, ev)
	}

	total := len(matched)
	if total > limit {
		matched = matched[total-limit:]
	}
	out := make([]Event, len(matched))
	copy(out, matched)
	return out, total
}

// ClearLogs empties the retained log buffer. Live subscribers are
// unaffected; only snapshots and log queries start fresh.
func (b *Bus) ClearLogs() {
	b.mu.Lock()
	b.recent = nil
	b.mu.Unlock()
}

// Subscribe registers a new observer. The returned snapshot reflects
// state at subscription time; every later event arrives on the
// channel in publish order. The caller must Unsubscribe when done.
func (b *Bus) Subscribe() (string, Snapshot, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, b.bufSize)

	b.mu.Lock()
	b.rolloverLocked()
	start := 0
	if len(b.recent) > b.snapN {
		start = len(b.recent) - b.snapN
	}
	logs := make([]Event, len(b.recent)-start)
	copy(logs, b.recent[start:])
	snap := Snapshot{
		Logs: logs,
		Metrics: Metrics{
			CompletedToday:     b.completedToday,
			FailedToday:        b.failedToday,
			TotalRecordsSynced: b.totalSynced,
		},
	}
	b.subs[id] = ch
	b.mu.Unlock()

	snap.Status = b.reg.Snapshot()
	snap.Metrics.ActiveJobs = b.reg.ActiveCount()
	return id, snap, ch
}

// Unsubscribe removes an observer and closes its channel. Safe to
// call more than once; other subscribers are unaffected.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		delete(b.dropped, id)
		close(ch)
	}
}

func (b *Bus) rolloverLocked() {
	if d := today(); !d.Equal(b.day) {
		b.day = d
		b.completedToday = 0
		b.failedToday = 0
	}
}

func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
