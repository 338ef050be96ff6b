// Package conversation is the facade UI code talks to. A [Controller] owns at
// most one agent session at a time: inbound audio fragments are grouped into
// utterances and played strictly in order, server interruptions cut the
// current item short, and the microphone is relayed while capture is on.
// Closing the session, locally or remotely, turns capture off, drops queued
// playback and cancels every pending fragment timer.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/talkback/internal/capture"
	"github.com/MrWong99/talkback/internal/correlate"
	"github.com/MrWong99/talkback/internal/observe"
	"github.com/MrWong99/talkback/internal/resilience"
	"github.com/MrWong99/talkback/pkg/audio"
	"github.com/MrWong99/talkback/pkg/audio/decode"
	"github.com/MrWong99/talkback/pkg/audio/playback"
	"github.com/MrWong99/talkback/pkg/provider/convai"
)

var (
	// ErrNotConnected is returned by operations that need an open session.
	ErrNotConnected = errors.New("conversation: not connected")

	// ErrNoMicrophone is returned by [Controller.ToggleCapture] when the
	// controller was built without a microphone.
	ErrNoMicrophone = errors.New("conversation: no microphone configured")

	// ErrNoAgent is returned by [Controller.Start] when neither the call nor
	// the settings name an agent.
	ErrNoAgent = errors.New("conversation: no agent id")

	// ErrClosed is returned after [Controller.Close].
	ErrClosed = errors.New("conversation: controller closed")
)

// maxTranscripts bounds the transcript history kept for subscribers.
const maxTranscripts = 50

// Settings are read when a session starts. [Controller.Reconfigure] swaps
// them for the next session without touching the current one.
type Settings struct {
	// Client dials the agent service. Required.
	Client *convai.Client

	// Decoder turns reassembled payloads into playable audio. Defaults to
	// decode.New().
	Decoder *decode.Decoder

	// Window is the fragment debounce window. Defaults to
	// correlate.DefaultWindow.
	Window time.Duration

	// AgentID is used when Start is called without one.
	AgentID string

	// Backoff controls dial retries.
	Backoff resilience.Backoff
}

// Snapshot is the observable controller state.
type Snapshot struct {
	Connected      bool   `json:"connected"`
	Capturing      bool   `json:"capturing"`
	Playing        bool   `json:"playing"`
	Transport      string `json:"transport"`
	SessionID      string `json:"session_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Keepalives     uint64 `json:"keepalives"`
	Queued         int    `json:"queued"`
	Error          string `json:"error,omitempty"`
}

// TranscriptEntry is one informational text event of the current or a past
// session.
type TranscriptEntry struct {
	Time      time.Time `json:"time"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Tentative bool      `json:"tentative,omitempty"`
	Corrected bool      `json:"corrected,omitempty"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMicrophone enables capture from m.
func WithMicrophone(m audio.Microphone) Option {
	return func(c *Controller) { c.mic = m }
}

// WithCaptureFormat sets the PCM format sent upstream. Default:
// capture.DefaultFormat.
func WithCaptureFormat(f audio.Format) Option {
	return func(c *Controller) { c.captureFormat = f }
}

// WithGap inserts a pause between played items.
func WithGap(d time.Duration) Option {
	return func(c *Controller) { c.gap = d }
}

// WithBreaker guards dial attempts with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Controller) { c.breaker = b }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// run is one session attempt, from Start until teardown.
type run struct {
	agentID string
	corr    *correlate.Correlator
	ctx     context.Context
	cancel  context.CancelFunc

	// sess is guarded by Controller.mu.
	sess *convai.Session
}

// Controller is safe for concurrent use.
type Controller struct {
	mic           audio.Microphone
	captureFormat audio.Format
	gap           time.Duration
	breaker       *resilience.Breaker
	metrics       *observe.Metrics
	log           *slog.Logger

	seq   *playback.Sequencer
	relay *capture.Relay

	mu          sync.Mutex
	settings    Settings
	cur         *run
	lastErr     error
	transcripts []TranscriptEntry
	closed      bool

	notifyMu sync.Mutex
	subMu    sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int
}

// New creates an idle Controller rendering through r.
func New(settings Settings, r audio.Renderer, opts ...Option) *Controller {
	c := &Controller{
		captureFormat: capture.DefaultFormat,
		metrics:       observe.DefaultMetrics(),
		log:           slog.Default(),
		subs:          make(map[int]func(Snapshot)),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "conversation")
	c.settings = withDefaults(settings)

	c.seq = playback.New(decoderFunc(c.decode), r,
		playback.WithGap(c.gap),
		playback.WithLogger(c.log),
	)
	c.seq.OnStateChange(func(playback.State) { c.notify() })
	c.seq.OnItemDone(c.itemDone)

	if c.mic != nil {
		c.relay = capture.New(c.mic,
			capture.WithFormat(c.captureFormat),
			capture.WithOnChunk(func(n int) { c.metrics.RecordCaptureChunk(context.Background(), n) }),
			capture.WithOnStop(func(err error) {
				if err != nil {
					c.log.Warn("capture stopped", "err", err)
				}
				c.notify()
			}),
		)
	}
	return c
}

func withDefaults(s Settings) Settings {
	if s.Decoder == nil {
		s.Decoder = decode.New()
	}
	if s.Window <= 0 {
		s.Window = correlate.DefaultWindow
	}
	return s
}

// Reconfigure replaces the settings used by the next session. Zero fields
// keep their current value.
func (c *Controller) Reconfigure(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Client != nil {
		c.settings.Client = s.Client
	}
	if s.Decoder != nil {
		c.settings.Decoder = s.Decoder
	}
	if s.Window > 0 {
		c.settings.Window = s.Window
	}
	if s.AgentID != "" {
		c.settings.AgentID = s.AgentID
	}
	if s.Backoff != (resilience.Backoff{}) {
		c.settings.Backoff = s.Backoff
	}
	c.log.Info("settings updated, applied on next session")
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

// Start opens a session with agentID, or the configured agent when agentID
// is empty. The previous session's error and transcripts are cleared.
// Starting while a session is connecting or open is a no-op.
func (c *Controller) Start(ctx context.Context, agentID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cur != nil {
		c.mu.Unlock()
		c.log.Debug("start ignored, session already active")
		return nil
	}
	set := c.settings
	if agentID == "" {
		agentID = set.AgentID
	}
	if agentID == "" {
		c.mu.Unlock()
		return ErrNoAgent
	}
	if set.Client == nil {
		c.mu.Unlock()
		return fmt.Errorf("conversation: start: no client configured")
	}

	r := &run{agentID: agentID}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.corr = correlate.New(
		func(it playback.Item) { c.seq.Enqueue(it) },
		correlate.WithWindow(set.Window),
		correlate.WithValidator(func(data []byte) error {
			_, err := set.Decoder.Check(data)
			return err
		}),
		correlate.WithOnFlush(func(eventID int, outcome string) {
			c.metrics.RecordUtterance(r.ctx, outcome)
		}),
		correlate.WithLogger(c.log),
	)
	c.cur = r
	c.lastErr = nil
	c.transcripts = nil
	c.mu.Unlock()
	c.notify()

	ctx, span := observe.StartSessionSpan(ctx, "conversation.start", agentID)
	defer span.End()
	log := observe.LoggerFrom(ctx, c.log)

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	begin := time.Now()
	err := set.Backoff.Retry(dialCtx, func(ctx context.Context) error {
		if c.breaker == nil {
			return c.dial(ctx, r, set.Client)
		}
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.dial(ctx, r, set.Client)
		})
	}, func(attempt int, err error) {
		span.AddEvent("connect.retry", trace.WithAttributes(observe.AttrAttempt.Int(attempt)))
		log.Warn("connect attempt failed, retrying", "agent_id", agentID, "attempt", attempt, "err", err)
	})
	c.metrics.ConnectDuration.Record(ctx, time.Since(begin).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		c.metrics.RecordTransportError(ctx, "connect")
		c.mu.Lock()
		if c.cur == r {
			c.cur = nil
			c.lastErr = err
		}
		c.mu.Unlock()
		r.cancel()
		r.corr.Close()
		c.notify()
		log.Warn("conversation start failed", "agent_id", agentID, "err", err)
		return fmt.Errorf("conversation: start: %w", err)
	}

	c.mu.Lock()
	var sessionID string
	if r.sess != nil {
		sessionID = r.sess.ID()
	}
	c.mu.Unlock()
	span.SetAttributes(observe.AttrSessionID.String(sessionID))
	log.Info("conversation started", "agent_id", agentID, "session_id", sessionID)
	return nil
}

// dial creates a fresh session for one attempt. A session that failed to
// connect cannot be reused.
func (c *Controller) dial(ctx context.Context, r *run, client *convai.Client) error {
	sess := client.NewSession(c.handlers(r))

	c.mu.Lock()
	if c.cur != r || r.ctx.Err() != nil {
		c.mu.Unlock()
		return context.Canceled
	}
	r.sess = sess
	c.mu.Unlock()

	return sess.Connect(ctx, r.agentID)
}

func (c *Controller) handlers(r *run) convai.Handlers {
	return convai.Handlers{
		OnAudio: func(eventID int, fragment string) {
			c.metrics.Fragments.Add(r.ctx, 1)
			r.corr.Add(eventID, fragment)
		},
		OnInterruption: func(eventID int) {
			c.metrics.Interruptions.Add(r.ctx, 1)
			c.log.Info("interrupted by agent", "event_id", eventID)
			c.seq.Interrupt()
		},
		OnTranscript: c.addTranscript,
		OnMetadata: func(m convai.Metadata) {
			c.log.Info("conversation ready", "conversation_id", m.ConversationID, "output_format", m.AgentOutputFormat)
			c.notify()
		},
		OnKeepalive: func(int) {
			c.metrics.Keepalives.Add(r.ctx, 1)
		},
		OnStateChange: func(st convai.State) {
			if st == convai.StateOpen {
				c.metrics.ActiveSessions.Add(r.ctx, 1)
			}
			c.notify()
		},
		OnClose: func(err error) {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
			if err != nil {
				c.metrics.RecordTransportError(context.Background(), "receive")
			}
			c.teardown(r, err)
		},
	}
}

// Stop closes the current session. Capture, queued playback and pending
// fragment timers are all gone when Stop returns. Safe to call when idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.cur
	if r == nil {
		c.mu.Unlock()
		return
	}
	// Cancelled under the lock so dial either sees it or has already
	// published its session.
	r.cancel()
	sess := r.sess
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	c.teardown(r, nil)
}

// teardown releases everything bound to r. Only the first call for the
// current run has an effect.
func (c *Controller) teardown(r *run, err error) {
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	if c.relay != nil {
		c.relay.Disable()
	}
	r.cancel()
	r.corr.Close()
	c.seq.Clear()

	if err != nil {
		c.log.Warn("conversation ended with error", "agent_id", r.agentID, "err", err)
	} else {
		c.log.Info("conversation ended", "agent_id", r.agentID)
	}
	c.notify()
}

// Close stops the session and the playback sequencer. The controller cannot
// be restarted. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Stop()
	return c.seq.Close()
}

// ── Operations ────────────────────────────────────────────────────────────────

// ToggleCapture flips microphone relaying and returns the new state. It is
// rejected with [ErrNotConnected] unless a session is open.
func (c *Controller) ToggleCapture() (bool, error) {
	c.mu.Lock()
	r := c.cur
	var sess *convai.Session
	if r != nil {
		sess = r.sess
	}
	c.mu.Unlock()

	if sess == nil || !sess.Open() {
		c.log.Warn("capture toggle rejected, not connected")
		return false, ErrNotConnected
	}
	if c.relay == nil {
		return false, ErrNoMicrophone
	}

	if c.relay.Enabled() {
		c.relay.Disable()
		c.notify()
		return false, nil
	}
	if err := c.relay.Enable(r.ctx, sess); err != nil {
		if errors.Is(err, capture.ErrNotOpen) {
			return false, ErrNotConnected
		}
		return false, fmt.Errorf("conversation: enable capture: %w", err)
	}
	c.notify()
	return true, nil
}

// SendContextualUpdate forwards text to the agent as out-of-band context.
func (c *Controller) SendContextualUpdate(ctx context.Context, text string) error {
	c.mu.Lock()
	var sess *convai.Session
	if c.cur != nil {
		sess = c.cur.sess
	}
	c.mu.Unlock()

	if sess == nil {
		c.log.Warn("dropping contextual update, not connected")
		c.metrics.RecordContextualUpdate(ctx, "dropped")
		return ErrNotConnected
	}
	if err := sess.SendContextualUpdate(ctx, text); err != nil {
		if errors.Is(err, convai.ErrNotOpen) {
			c.metrics.RecordContextualUpdate(ctx, "dropped")
			return ErrNotConnected
		}
		c.metrics.RecordContextualUpdate(ctx, "failed")
		return fmt.Errorf("conversation: contextual update: %w", err)
	}
	c.metrics.RecordContextualUpdate(ctx, "sent")
	return nil
}

// PlayAudio queues a complete payload for playback, bypassing fragment
// correlation. It works without a session. Returns the item ID, or "" after
// Close.
func (c *Controller) PlayAudio(data []byte) string {
	return c.seq.Enqueue(playback.Item{EventID: playback.DirectEventID, Data: data})
}

// State returns the current snapshot.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	r, lastErr := c.cur, c.lastErr
	var sess *convai.Session
	if r != nil {
		sess = r.sess
	}
	c.mu.Unlock()

	snap := Snapshot{
		Transport: convai.StateIdle.String(),
		Playing:   c.seq.Playing(),
		Queued:    c.seq.Len(),
	}
	if c.relay != nil {
		snap.Capturing = c.relay.Enabled()
	}
	switch {
	case sess != nil:
		st := sess.State()
		snap.Transport = st.String()
		snap.Connected = st == convai.StateOpen
		snap.SessionID = sess.ID()
		snap.AgentID = sess.AgentID()
		snap.ConversationID = sess.Metadata().ConversationID
		snap.Keepalives = sess.Keepalives()
	case r != nil:
		snap.Transport = convai.StateConnecting.String()
		snap.AgentID = r.agentID
	case lastErr != nil:
		snap.Transport = convai.StateError.String()
	}
	if lastErr != nil {
		snap.Error = lastErr.Error()
	}
	return snap
}

// Transcripts returns the most recent transcript entries, oldest first.
func (c *Controller) Transcripts() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TranscriptEntry(nil), c.transcripts...)
}

// Subscribe registers fn to receive a snapshot after every state change.
// Calls are serialised; fn must not call back into the Controller's
// mutating methods. The returned func unsubscribes.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Check reports whether the controller can still serve requests. It has the
// shape of a readiness check.
func (c *Controller) Check(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.subMu.Lock()
	if len(c.subs) == 0 {
		c.subMu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	snap := c.State()
	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Controller) addTranscript(t convai.Transcript) {
	entry := TranscriptEntry{
		Time:      time.Now(),
		Speaker:   string(t.Speaker),
		Text:      t.Text,
		Tentative: t.Tentative,
		Corrected: t.Corrected,
	}
	if t.Tentative {
		c.log.Debug("tentative agent response", "text", t.Text)
	} else {
		c.log.Info("transcript", "speaker", t.Speaker, "text", t.Text, "corrected", t.Corrected)
	}

	c.mu.Lock()
	c.transcripts = append(c.transcripts, entry)
	if over := len(c.transcripts) - maxTranscripts; over > 0 {
		c.transcripts = append(c.transcripts[:0], c.transcripts[over:]...)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) itemDone(res playback.Result) {
	c.metrics.RecordPlaybackItem(context.Background(), res.Outcome.String(), res.Item.Kind.String(), res.Item.Duration)
	if res.Err != nil {
		c.log.Warn("playback item skipped", "item_id", res.Item.ID, "event_id", res.Item.EventID, "err", res.Err)
		return
	}
	c.log.Debug("playback item finished", "item_id", res.Item.ID, "event_id", res.Item.EventID, "outcome", res.Outcome)
}

func (c *Controller) decode(data []byte) (*audio.Buffer, error) {
	c.mu.Lock()
	dec := c.settings.Decoder
	c.mu.Unlock()
	return dec.Decode(data)
}

// decoderFunc adapts a function to [playback.Decoder].
type decoderFunc func([]byte) (*audio.Buffer, error)

func (f decoderFunc) Decode(data []byte) (*audio.Buffer, error) { return f(data) }
