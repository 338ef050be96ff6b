// Package convai implements the transport session for a conversational voice
// agent service speaking the ConvAI WebSocket protocol.
//
// A [Session] owns one WebSocket connection: it dials the conversation
// endpoint, answers keepalive pings, routes inbound audio fragments and
// interruption signals to [Handlers], and sends outbound user audio and
// contextual updates. Sessions are single-use; create a new one via
// [Client.NewSession] for every conversation.
package convai

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultBaseURL is the public service endpoint.
	DefaultBaseURL = "wss://api.elevenlabs.io"

	// DefaultReadyTimeout bounds how long SendContextualUpdate waits for the
	// conversation initiation metadata before sending anyway.
	DefaultReadyTimeout = 2 * time.Second

	conversationPath = "/v1/convai/conversation"
	apiKeyHeader     = "xi-api-key"
	writeTimeout     = 5 * time.Second
	readLimit        = 8 << 20
)

// ErrNotOpen is returned by send operations when the session is not open.
var ErrNotOpen = errors.New("convai: session not open")

// State is the connection state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Speaker identifies who a transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Transcript is an informational text event from the service.
type Transcript struct {
	Speaker Speaker
	Text    string

	// Tentative is set for provisional agent responses that may still change.
	Tentative bool

	// Corrected is set when the agent response replaces an earlier one, for
	// example after the user interrupted. Original holds the replaced text.
	Corrected bool
	Original  string
}

// Metadata is the conversation initiation metadata sent by the service once
// the conversation is ready.
type Metadata struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

// Handlers receives inbound events. All callbacks run on the session's
// receive goroutine (OnClose may also run on the goroutine calling Close) and
// must not block. Nil callbacks are skipped.
type Handlers struct {
	// OnAudio receives one base64 audio fragment of the given server event.
	OnAudio func(eventID int, fragment string)

	// OnInterruption is called when the service asks to stop current playback.
	OnInterruption func(eventID int)

	// OnTranscript receives user transcripts and agent responses.
	OnTranscript func(Transcript)

	// OnMetadata is called when the conversation initiation metadata arrives.
	OnMetadata func(Metadata)

	// OnKeepalive is called after each pong was sent.
	OnKeepalive func(eventID int)

	// OnStateChange is called on every state transition.
	OnStateChange func(State)

	// OnClose is called exactly once when an open session ends. err is nil
	// for local or normal closure.
	OnClose func(err error)
}
