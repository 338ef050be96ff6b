// Package playback provides the [Sequencer], a strict FIFO queue that renders
// one reconstructed utterance at a time.
//
// Items are decoded lazily when they reach the head of the queue, handed to
// the platform [audio.Renderer], and awaited until their source signals
// end-of-stream. Only then is the next item started, so utterances never
// overlap in normal operation. [Sequencer.Interrupt] cuts the current item
// short and lets the queue continue; [Sequencer.Clear] also drops everything
// still waiting.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/talkback/pkg/audio"
)

// DirectEventID marks items that did not come from a chunked inbound event.
const DirectEventID = -1

// Decoder turns a raw payload into a renderable buffer.
// *decode.Decoder satisfies it.
type Decoder interface {
	Decode(data []byte) (*audio.Buffer, error)
}

// Item is one reassembled payload queued for output.
type Item struct {
	// ID uniquely identifies the item. Assigned by Enqueue when empty.
	ID string

	// EventID is the server event the payload was reassembled from, or
	// [DirectEventID].
	EventID int

	// Data is the raw payload.
	Data []byte

	// Kind is the decode strategy used. Set once the item was decoded.
	Kind audio.SourceKind

	// Duration is the rendered length. Set once the item was decoded.
	Duration time.Duration
}

// State is the sequencer's queue state.
type State int

const (
	// StateIdle means nothing is queued or rendering.
	StateIdle State = iota

	// StateDraining means at least one item is rendering or waiting.
	StateDraining
)

// String returns "idle" or "draining".
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome describes how an item left the sequencer.
type Outcome int

const (
	// OutcomePlayed means the source reached natural end-of-stream.
	OutcomePlayed Outcome = iota

	// OutcomeInterrupted means the item was cut short by Interrupt, Clear or Close.
	OutcomeInterrupted

	// OutcomeSkipped means the item could not be decoded or rendered.
	OutcomeSkipped
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomePlayed:
		return "played"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result reports one finished item.
type Result struct {
	Item    Item
	Outcome Outcome
	Err     error
}

// Option configures a [Sequencer] during construction.
type Option func(*Sequencer)

// WithGap inserts a silence gap between consecutive items. Jitter of ±1/6 of
// the gap is applied. Zero (the default) plays items back to back.
func WithGap(d time.Duration) Option {
	return func(s *Sequencer) {
		s.gap = d
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.log = l
		}
	}
}

// Sequencer plays [Item] values strictly in enqueue order through a single
// active-source slot.
//
// All exported methods are safe for concurrent use.
type Sequencer struct {
	decoder  Decoder
	renderer audio.Renderer
	gap      time.Duration
	log      *slog.Logger

	mu         sync.Mutex
	queue      []Item
	draining   bool
	active     audio.Source  // currently rendering source, or nil
	activeItem *Item         // item owning the slot, or nil
	cancel     chan struct{} // closed to interrupt the rendering item
	abort      chan struct{} // closed by Clear and Close to drop the item being prepared
	closed     bool

	obsMu       sync.Mutex
	onState     func(State)
	onItemDone  func(Result)
	lastEmitted State

	notify chan struct{}
	done   chan struct{}
}

// New creates a Sequencer and starts its dispatch goroutine. Call
// [Sequencer.Close] to stop it.
func New(dec Decoder, r audio.Renderer, opts ...Option) *Sequencer {
	s := &Sequencer{
		decoder:  dec,
		renderer: r,
		log:      slog.Default(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		abort:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// OnStateChange registers fn to be called on every idle/draining transition.
// Only one handler is active; later calls replace it. fn must not block.
func (s *Sequencer) OnStateChange(fn func(State)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onState = fn
}

// OnItemDone registers fn to be called from the dispatch goroutine whenever
// an item finishes. Only one handler is active. fn must not block.
func (s *Sequencer) OnItemDone(fn func(Result)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onItemDone = fn
}

// Enqueue appends item to the tail of the queue and starts draining when idle.
// Returns the item ID. Enqueue after Close is ignored and returns "".
func (s *Sequencer) Enqueue(item Item) string {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}
	s.queue = append(s.queue, item)
	s.draining = true
	s.mu.Unlock()

	s.emitState()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return item.ID
}

// Interrupt stops the rendering item immediately. Queued items are kept and
// the next one starts right away. An item that is still decoding or waiting
// out the gap has not started rendering and is not affected. Safe to call
// when nothing is playing.
func (s *Sequencer) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

// Clear interrupts the rendering item and discards every queued item,
// including one that is decoding or waiting out the gap.
func (s *Sequencer) Clear() {
	s.mu.Lock()
	s.interruptLocked()
	s.abortLocked()
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Debug("playback: cleared queue", "dropped", dropped)
	}
}

// Playing reports whether the sequencer is draining.
func (s *Sequencer) Playing() bool {
	return s.State() == StateDraining
}

// State returns the current queue state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return StateDraining
	}
	return StateIdle
}

// Len returns the number of queued items, excluding the one rendering.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Current returns the rendering item, if any.
func (s *Sequencer) Current() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeItem == nil {
		return Item{}, false
	}
	return *s.activeItem, true
}

// Close stops the dispatch goroutine after clearing the queue. Close is
// idempotent and always returns nil.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.interruptLocked()
	s.abortLocked()
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	return nil
}

// interruptLocked cancels the rendering item and stops its source. It is a
// no-op unless a source has been started. Must be called with s.mu held.
func (s *Sequencer) interruptLocked() {
	if s.active == nil {
		return
	}
	if s.cancel != nil {
		close(s.cancel)
		s.cancel = nil
	}
	if err := s.active.Stop(); err != nil && !errors.Is(err, audio.ErrAlreadyStopped) {
		s.log.Warn("playback: stop active source", "err", err)
	}
	s.active = nil
}

// abortLocked drops the item that was dequeued but not yet started. Must be
// called with s.mu held.
func (s *Sequencer) abortLocked() {
	close(s.abort)
	s.abort = make(chan struct{})
}

// dispatch pulls items from the queue and renders them one by one until
// Close is called.
func (s *Sequencer) dispatch() {
	var lastPlayed bool

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			item, abort, ok := s.dequeue()
			if !ok {
				break
			}

			if lastPlayed {
				if d := s.gapWithJitter(); d > 0 {
					gapTimer.Reset(d)
					select {
					case <-s.done:
						gapTimer.Stop()
						return
					case <-abort:
						gapTimer.Stop()
						s.report(s.finish(item, OutcomeInterrupted, nil))
						continue
					case <-gapTimer.C:
					}
				}
			}

			res := s.play(item, abort)
			lastPlayed = res.Outcome != OutcomeSkipped
			s.report(res)
		}
	}
}

// dequeue pops the head item together with the abort channel it is bound to.
// When the queue is empty it switches to idle and returns ok=false.
func (s *Sequencer) dequeue() (*Item, chan struct{}, bool) {
	s.mu.Lock()
	if s.closed || len(s.queue) == 0 {
		s.draining = false
		s.activeItem = nil
		s.mu.Unlock()
		s.emitState()
		return nil, nil, false
	}
	item := s.queue[0]
	s.queue[0] = Item{}
	s.queue = s.queue[1:]
	abort := s.abort
	s.mu.Unlock()
	return &item, abort, true
}

// play decodes and renders item, blocking until the source ends, the item
// is interrupted, or the sequencer closes. abort drops the item if it fires
// before the source starts.
func (s *Sequencer) play(item *Item, abort <-chan struct{}) Result {
	buf, err := s.decoder.Decode(item.Data)
	if err != nil {
		s.log.Warn("playback: skipping undecodable item", "item", item.ID, "event_id", item.EventID, "bytes", len(item.Data), "err", err)
		return s.finish(item, OutcomeSkipped, err)
	}
	item.Kind = buf.Kind
	item.Duration = buf.Duration()

	src, err := s.renderer.NewSource(buf)
	if err != nil {
		s.log.Warn("playback: skipping unrenderable item", "item", item.ID, "err", err)
		return s.finish(item, OutcomeSkipped, fmt.Errorf("playback: new source: %w", err))
	}

	s.mu.Lock()
	select {
	case <-abort:
		s.mu.Unlock()
		return s.finish(item, OutcomeInterrupted, nil)
	default:
	}
	// One active slot: never let two sources render at once.
	if s.active != nil {
		if err := s.active.Stop(); err != nil && !errors.Is(err, audio.ErrAlreadyStopped) {
			s.log.Warn("playback: stop previous source", "err", err)
		}
	}
	if err := src.Start(); err != nil {
		s.active = nil
		s.mu.Unlock()
		s.log.Warn("playback: start source", "item", item.ID, "err", err)
		return s.finish(item, OutcomeSkipped, fmt.Errorf("playback: start: %w", err))
	}
	cancel := make(chan struct{})
	s.active = src
	s.cancel = cancel
	current := *item
	s.activeItem = &current
	s.mu.Unlock()

	s.log.Debug("playback: item started", "item", item.ID, "event_id", item.EventID, "kind", item.Kind, "duration", item.Duration)

	outcome := OutcomePlayed
	select {
	case <-src.Done():
	case <-cancel:
		outcome = OutcomeInterrupted
	case <-s.done:
		outcome = OutcomeInterrupted
	}
	return s.finish(item, outcome, nil)
}

// finish releases the active slot held by item.
func (s *Sequencer) finish(item *Item, outcome Outcome, err error) Result {
	s.mu.Lock()
	if s.activeItem != nil && s.activeItem.ID == item.ID {
		s.activeItem = nil
		s.active = nil
		s.cancel = nil
	}
	s.mu.Unlock()
	return Result{Item: *item, Outcome: outcome, Err: err}
}

func (s *Sequencer) report(res Result) {
	s.obsMu.Lock()
	fn := s.onItemDone
	s.obsMu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// emitState notifies the state observer if the state changed since the last
// emission. Serialised so the last observed value is always current.
func (s *Sequencer) emitState() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	st := s.State()
	if st == s.lastEmitted {
		return
	}
	s.lastEmitted = st
	if s.onState != nil {
		s.onState(st)
	}
}

// gapWithJitter returns the configured gap with ±1/6 jitter applied.
func (s *Sequencer) gapWithJitter() time.Duration {
	base := s.gap
	if base <= 0 {
		return 0
	}
	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}
	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}
