// Package correlate groups inbound audio fragments into utterances.
//
// The remote service streams one utterance as a burst of base64 fragments
// that share a server-assigned event id. A [Correlator] appends every
// fragment to its event in arrival order and re-arms that event's debounce
// timer; when the window passes without a new fragment the event is
// considered complete, reassembled and handed to the sink as one
// [playback.Item].
package correlate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/talkback/pkg/audio"
	"github.com/MrWong99/talkback/pkg/audio/playback"
)

// DefaultWindow is the debounce window after the last fragment of an event.
const DefaultWindow = 250 * time.Millisecond

// Sink receives completed items. It is called with the correlator's lock held
// and must not call back into the correlator.
type Sink func(playback.Item)

// Validator reports whether a reassembled payload is playable.
type Validator func(data []byte) error

// Stats counts correlator outcomes.
type Stats struct {
	Fragments uint64 // fragments accepted
	Completed uint64 // events emitted as one item
	Degraded  uint64 // events emitted fragment by fragment
	Discarded uint64 // events with no playable fragment
}

// Option configures a [Correlator].
type Option func(*Correlator)

// WithWindow sets the debounce window. Values <= 0 keep the default.
func WithWindow(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithValidator sets the playability check applied to reassembled payloads.
// Without one every non-empty payload is accepted.
func WithValidator(v Validator) Option {
	return func(c *Correlator) { c.validate = v }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.log = l
		}
	}
}

// event is one inbound utterance being collected.
type event struct {
	fragments []string
	timer     *time.Timer
	seq       uint64 // bumped on every fragment; stale timer callbacks compare it
}

// Flush outcomes reported to the [WithOnFlush] hook.
const (
	OutcomeCompleted = "completed"
	OutcomeDegraded  = "degraded"
	OutcomeDiscarded = "discarded"
)

// WithOnFlush registers fn to be told how each event was flushed. fn runs
// under the correlator's lock.
func WithOnFlush(fn func(eventID int, outcome string)) Option {
	return func(c *Correlator) { c.onFlush = fn }
}

// Correlator collects fragments per event id. All methods are safe for
// concurrent use.
type Correlator struct {
	sink     Sink
	window   time.Duration
	validate Validator
	log      *slog.Logger
	onFlush  func(int, string)

	mu     sync.Mutex
	events map[int]*event
	stats  Stats
	closed bool
}

// New creates a Correlator emitting completed items to sink.
func New(sink Sink, opts ...Option) *Correlator {
	c := &Correlator{
		sink:   sink,
		window: DefaultWindow,
		log:    slog.Default(),
		events: make(map[int]*event),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Add appends fragment to the event eventID and restarts its debounce timer.
// Fragments are kept in call order; nothing is reordered or deduplicated.
// Add after Close is ignored.
func (c *Correlator) Add(eventID int, fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	ev, ok := c.events[eventID]
	if !ok {
		ev = &event{}
		c.events[eventID] = ev
	}
	ev.fragments = append(ev.fragments, fragment)
	ev.seq++
	c.stats.Fragments++

	if ev.timer != nil {
		ev.timer.Stop()
	}
	seq := ev.seq
	ev.timer = time.AfterFunc(c.window, func() { c.fire(eventID, seq) })
}

// fire completes eventID if no fragment arrived since the timer was armed.
func (c *Correlator) fire(eventID int, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ev, ok := c.events[eventID]
	if !ok || ev.seq != seq {
		return
	}
	c.flushLocked(eventID, ev)
	// Removed only after flushing; a later fragment with this id opens a new event.
	delete(c.events, eventID)
}

// flushLocked reassembles ev and emits it. Must be called with c.mu held.
func (c *Correlator) flushLocked(eventID int, ev *event) {
	data, err := audio.Reassemble(ev.fragments)
	if err == nil {
		err = c.check(data)
	}
	if err == nil {
		c.stats.Completed++
		c.sink(playback.Item{EventID: eventID, Data: data})
		c.flushed(eventID, OutcomeCompleted)
		return
	}

	c.log.Warn("correlate: event not playable as a whole, trying fragments individually",
		"event_id", eventID, "fragments", len(ev.fragments), "err", err)

	var emitted int
	for i, frag := range ev.fragments {
		data, err := audio.Reassemble([]string{frag})
		if err == nil {
			err = c.check(data)
		}
		if err != nil {
			c.log.Debug("correlate: dropping fragment", "event_id", eventID, "index", i, "err", err)
			continue
		}
		emitted++
		c.sink(playback.Item{EventID: eventID, Data: data})
	}
	if emitted == 0 {
		c.stats.Discarded++
		c.log.Warn("correlate: discarding event, no playable fragment", "event_id", eventID, "fragments", len(ev.fragments))
		c.flushed(eventID, OutcomeDiscarded)
		return
	}
	c.stats.Degraded++
	c.flushed(eventID, OutcomeDegraded)
}

func (c *Correlator) flushed(eventID int, outcome string) {
	if c.onFlush != nil {
		c.onFlush(eventID, outcome)
	}
}

func (c *Correlator) check(data []byte) error {
	if c.validate == nil {
		return nil
	}
	return c.validate(data)
}

// Pending returns the number of events still collecting fragments.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Stats returns a snapshot of the outcome counters.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close stops every pending debounce timer and drops unfinished events. No
// item is emitted after Close returns. Idempotent.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ev := range c.events {
		if ev.timer != nil {
			ev.timer.Stop()
		}
		delete(c.events, id)
	}
}
