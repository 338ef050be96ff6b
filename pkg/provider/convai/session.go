package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the WebSocket base URL (scheme and host). Primarily
// used in tests to point at a local fake server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithAPIKey sets the API key sent as the xi-api-key header. Public agents
// need no key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithReadyTimeout bounds how long contextual updates wait for the
// conversation to become ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// WithLogger sets the base logger for sessions. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client creates [Session] values sharing one endpoint configuration.
type Client struct {
	baseURL      string
	apiKey       string
	readyTimeout time.Duration
	log          *slog.Logger
}

// New creates a Client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		readyTimeout: DefaultReadyTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewSession returns an idle session that reports inbound events to h.
func (c *Client) NewSession(h Handlers) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		client: c,
		h:      h,
		log:    c.log.With("session_id", id),
		timers: make(map[*time.Timer]struct{}),
		ready:  make(chan struct{}),
	}
}

// conversationURL builds the dial URL for agentID.
func (c *Client) conversationURL(agentID string) string {
	q := url.Values{}
	q.Set("agent_id", agentID)
	return c.baseURL + conversationPath + "?" + q.Encode()
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one transport connection to the conversational agent service.
// All methods are safe for concurrent use.
type Session struct {
	id     string
	client *Client
	h      Handlers
	log    *slog.Logger

	mu         sync.Mutex
	state      State
	errVal     error
	agentID    string
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	meta       Metadata
	keepalives uint64
	timers     map[*time.Timer]struct{} // pending pong timers
	ready      chan struct{}            // closed on initiation metadata
	readyOnce  sync.Once
	ended      bool
}

// ID returns the locally generated session identifier.
func (s *Session) ID() string { return s.id }

// AgentID returns the agent the session was connected to.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open reports whether the session is in [StateOpen].
func (s *Session) Open() bool {
	return s.State() == StateOpen
}

// Err returns the error that moved the session into [StateError], if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Keepalives returns the number of pongs sent so far.
func (s *Session) Keepalives() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

// Metadata returns the conversation initiation metadata, zero until received.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Ready returns a channel closed once the service sent its conversation
// initiation metadata.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Connect dials the conversation endpoint for agentID. Connecting a session
// that is already connecting or open is a no-op. On failure the session moves
// to [StateError] and the error is both recorded and returned.
func (s *Session) Connect(ctx context.Context, agentID string) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateOpen:
		s.mu.Unlock()
		return nil
	case StateClosed, StateError:
		s.mu.Unlock()
		return fmt.Errorf("convai: connect: session already ended (%s)", s.State())
	}
	s.state = StateConnecting
	s.agentID = agentID
	s.mu.Unlock()
	s.emitState(StateConnecting)

	header := http.Header{}
	if s.client.apiKey != "" {
		header.Set(apiKeyHeader, s.client.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, s.client.conversationURL(agentID), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		err = fmt.Errorf("convai: dial: %w", err)
		s.mu.Lock()
		s.state = StateError
		s.errVal = err
		s.ended = true
		s.mu.Unlock()
		s.log.Warn("convai: connect failed", "agent_id", agentID, "err", err)
		s.emitState(StateError)
		return err
	}
	conn.SetReadLimit(readLimit)

	sessCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.ended {
		// Closed while dialing.
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return fmt.Errorf("convai: connect: %w", ErrNotOpen)
	}
	s.conn = conn
	s.ctx = sessCtx
	s.cancel = cancel
	s.state = StateOpen
	s.mu.Unlock()

	s.log.Info("convai: session open", "agent_id", agentID)
	s.emitState(StateOpen)

	go s.receiveLoop(sessCtx, conn)
	return nil
}

// Close tears the session down: pending pong timers are cancelled, the socket
// is closed and OnClose(nil) runs before Close returns. Idempotent.
func (s *Session) Close() error {
	s.finish(StateClosed, nil, websocket.StatusNormalClosure)
	return nil
}

// finish moves the session to its terminal state once.
func (s *Session) finish(state State, err error, status websocket.StatusCode) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	wasOpen := s.conn != nil
	s.state = state
	if err != nil {
		s.errVal = err
	}
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if status == websocket.StatusNormalClosure {
			conn.Close(status, "session closed")
		} else {
			conn.CloseNow()
		}
	}

	s.emitState(state)
	if wasOpen && s.h.OnClose != nil {
		s.h.OnClose(err)
	}
	s.log.Info("convai: session ended", "state", state, "err", err)
}

// ── Sending ────────────────────────────────────────────────────────────────────

// SendUserAudio sends one base64 PCM fragment of captured user audio.
func (s *Session) SendUserAudio(fragment string) error {
	return s.send("user_audio_chunk", userAudioMessage{UserAudioChunk: fragment})
}

// SendContextualUpdate sends out-of-band context to the agent. It waits for
// the conversation to become ready, at most the client's ready timeout, and
// then sends once.
func (s *Session) SendContextualUpdate(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		s.log.Warn("convai: dropping contextual update, session not open")
		return ErrNotOpen
	}
	sessDone := s.ctx.Done()
	s.mu.Unlock()

	t := time.NewTimer(s.client.readyTimeout)
	defer t.Stop()
	select {
	case <-s.ready:
	case <-t.C:
		s.log.Debug("convai: conversation not ready in time, sending contextual update anyway", "timeout", s.client.readyTimeout)
	case <-sessDone:
		return ErrNotOpen
	case <-ctx.Done():
		return fmt.Errorf("convai: contextual update: %w", ctx.Err())
	}
	return s.send("contextual_update", contextualUpdateMessage{Type: "contextual_update", Text: text})
}

// SendJSON sends an arbitrary protocol message.
func (s *Session) SendJSON(v any) error {
	return s.send("raw", v)
}

func (s *Session) send(kind string, v any) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		s.log.Warn("convai: dropping message, session not open", "kind", kind)
		return ErrNotOpen
	}
	conn, ctx := s.conn, s.ctx
	s.mu.Unlock()
	return writeJSON(ctx, conn, v)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("convai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("convai: write: %w", err)
	}
	return nil
}

// ── Receiving ──────────────────────────────────────────────────────────────────

// receiveLoop reads events until the connection ends.
func (s *Session) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.finish(StateClosed, nil, websocket.StatusNormalClosure)
				return
			}
			s.finish(StateError, fmt.Errorf("convai: receive: %w", err), websocket.StatusInternalError)
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("convai: ignoring malformed message", "bytes", len(data), "err", err)
		return
	}

	switch msg.Type {
	case "ping":
		if msg.Ping == nil {
			s.log.Warn("convai: ping without ping_event")
			return
		}
		s.schedulePong(msg.Ping.EventID, msg.Ping.PingMs)

	case "audio":
		if msg.Audio == nil || msg.Audio.AudioBase64 == "" {
			s.log.Warn("convai: audio message without payload")
			return
		}
		if s.h.OnAudio != nil {
			s.h.OnAudio(msg.Audio.EventID, msg.Audio.AudioBase64)
		}

	case "interruption":
		eventID := 0
		if msg.Interruption != nil {
			eventID = msg.Interruption.EventID
		}
		if s.h.OnInterruption != nil {
			s.h.OnInterruption(eventID)
		}

	case "conversation_initiation_metadata":
		var meta Metadata
		if m := msg.Metadata; m != nil {
			meta = Metadata{
				ConversationID:    m.ConversationID,
				AgentOutputFormat: m.AgentOutputAudioFormat,
				UserInputFormat:   m.UserInputAudioFormat,
			}
		}
		s.mu.Lock()
		s.meta = meta
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		s.log.Info("convai: conversation ready", "conversation_id", meta.ConversationID, "output_format", meta.AgentOutputFormat)
		if s.h.OnMetadata != nil {
			s.h.OnMetadata(meta)
		}

	case "user_transcript":
		if msg.UserTranscript != nil {
			s.transcript(Transcript{Speaker: SpeakerUser, Text: msg.UserTranscript.UserTranscript})
		}

	case "agent_response":
		if msg.AgentResponse != nil {
			s.transcript(Transcript{Speaker: SpeakerAgent, Text: msg.AgentResponse.AgentResponse})
		}

	case "agent_response_correction":
		if c := msg.AgentCorrection; c != nil {
			s.transcript(Transcript{
				Speaker:   SpeakerAgent,
				Text:      c.CorrectedAgentResponse,
				Corrected: true,
				Original:  c.OriginalAgentResponse,
			})
		}

	case "internal_tentative_agent_response":
		if msg.TentativeResponse != nil {
			s.transcript(Transcript{Speaker: SpeakerAgent, Text: msg.TentativeResponse.TentativeAgentResponse, Tentative: true})
		}

	case "":
		s.log.Warn("convai: ignoring message without type", "bytes", len(data))

	default:
		s.log.Debug("convai: unhandled message", "type", msg.Type)
	}
}

func (s *Session) transcript(t Transcript) {
	if t.Text == "" || s.h.OnTranscript == nil {
		return
	}
	s.h.OnTranscript(t)
}

// schedulePong answers a ping with exactly one pong, no earlier than pingMs
// after receipt.
func (s *Session) schedulePong(eventID, pingMs int) {
	delay := time.Duration(max(pingMs, 0)) * time.Millisecond

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	conn, ctx := s.conn, s.ctx

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if !live {
			return
		}

		if err := writeJSON(ctx, conn, pongMessage{Type: "pong", EventID: eventID}); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Warn("convai: send pong", "event_id", eventID, "err", err)
			}
			return
		}
		s.mu.Lock()
		s.keepalives++
		s.mu.Unlock()
		if s.h.OnKeepalive != nil {
			s.h.OnKeepalive(eventID)
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Session) emitState(st State) {
	if s.h.OnStateChange != nil {
		s.h.OnStateChange(st)
	}
}
