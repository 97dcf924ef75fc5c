package jobs

import (
	"sync"
	"sync/atomic"

	"github.com/aristath/quantlab/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultMailboxSize is the number of events a subscriber may fall behind by
// before interim events are dropped.
const DefaultMailboxSize = 64

// Mailbox is one subscriber's ordered view of a job's events. The channel is
// closed after the terminal event; a closed channel is the end of the stream.
type Mailbox struct {
	jobID   string
	ch      chan Event
	once    sync.Once
	dropped atomic.Int64
}

// C returns the receive side of the mailbox.
func (mb *Mailbox) C() <-chan Event {
	return mb.ch
}

// JobID returns the job this mailbox watches.
func (mb *Mailbox) JobID() string {
	return mb.jobID
}

// Dropped returns the number of events this subscriber missed.
func (mb *Mailbox) Dropped() int64 {
	return mb.dropped.Load()
}

func (mb *Mailbox) close() {
	mb.once.Do(func() { close(mb.ch) })
}

// BusStats summarises bus state.
type BusStats struct {
	Jobs        int   `json:"jobs"`
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Bus fans job events out to subscriber mailboxes. Publish and Close are
// only called from the Manager loop, so sends to a mailbox never race with
// closing it.
type Bus struct {
	subs map[string]map[*Mailbox]struct{}
	size int
	mu   sync.RWMutex

	published atomic.Int64
	dropped   atomic.Int64

	log zerolog.Logger
}

// NewBus creates a bus whose mailboxes buffer size events.
func NewBus(size int, log zerolog.Logger) *Bus {
	if size < 1 {
		size = DefaultMailboxSize
	}
	return &Bus{
		subs: make(map[string]map[*Mailbox]struct{}),
		size: size,
		log:  log.With().Str("component", "progress_bus").Logger(),
	}
}

// Subscribe registers a new mailbox for jobID.
func (b *Bus) Subscribe(jobID string) *Mailbox {
	mb := &Mailbox{jobID: jobID, ch: make(chan Event, b.size)}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Mailbox]struct{})
		b.subs[jobID] = set
	}
	set[mb] = struct{}{}
	return mb
}

// Unsubscribe removes mb. The mailbox is closed so a reader blocked on it
// returns. Removing an unknown mailbox is a no-op.
func (b *Bus) Unsubscribe(jobID string, mb *Mailbox) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[jobID]
	if !ok {
		return
	}
	if _, ok := set[mb]; !ok {
		return
	}
	delete(set, mb)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
	mb.close()
}

// Publish delivers ev to every mailbox of jobID without blocking. A full
// mailbox drops an interim event; for a terminal event the oldest queued
// event is evicted instead so the terminal event is always delivered.
func (b *Bus) Publish(jobID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)
	for mb := range b.subs[jobID] {
		b.deliver(mb, ev)
	}
}

func (b *Bus) deliver(mb *Mailbox, ev Event) {
	select {
	case mb.ch <- ev:
		return
	default:
	}

	if ev.Terminal() {
		// Only the loop sends, so after one eviction there is room.
		select {
		case <-mb.ch:
			b.countDrop(mb, ev)
		default:
		}
		select {
		case mb.ch <- ev:
		default:
		}
		return
	}

	b.countDrop(mb, ev)
}

func (b *Bus) countDrop(mb *Mailbox, ev Event) {
	mb.dropped.Add(1)
	b.dropped.Add(1)
	metrics.IncreaseEventsDroppedMetric()
	b.log.Warn().
		Str("job_id", mb.jobID).
		Str("status", string(ev.Status)).
		Msg("Subscriber mailbox full, dropping event")
}

// Close ends the stream of every mailbox of jobID and forgets them.
func (b *Bus) Close(jobID string) {
	b.mu.Lock()
	set := b.subs[jobID]
	delete(b.subs, jobID)
	b.mu.Unlock()

	for mb := range set {
		mb.close()
	}
}

// Subscribers returns the number of mailboxes registered for jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[jobID])
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		Jobs:      len(b.subs),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
	for _, set := range b.subs {
		stats.Subscribers += len(set)
	}
	return stats
}
