// Package api exposes the conversation controller to UI consumers over HTTP.
//
// Routes:
//
//	GET    /api/state            current snapshot
//	GET    /api/events           snapshot stream (server-sent events)
//	GET    /api/transcripts      recent transcript entries
//	POST   /api/session          start a session, body {"agent_id": "..."}
//	DELETE /api/session          stop the session
//	POST   /api/capture/toggle   flip microphone relaying
//	POST   /api/context          send {"text": "..."} as contextual update
//	POST   /api/audio            queue a complete audio payload for playback
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/talkback/internal/conversation"
	"github.com/MrWong99/talkback/internal/resilience"
)

// maxAudioBytes bounds POST /api/audio bodies.
const maxAudioBytes = 16 << 20

// Conversation is the controller surface the API needs.
// *conversation.Controller satisfies it.
type Conversation interface {
	Start(ctx context.Context, agentID string) error
	Stop()
	ToggleCapture() (bool, error)
	SendContextualUpdate(ctx context.Context, text string) error
	PlayAudio(data []byte) string
	State() conversation.Snapshot
	Transcripts() []conversation.TranscriptEntry
	Subscribe(fn func(conversation.Snapshot)) func()
}

// Handler serves the control API.
type Handler struct {
	conv Conversation
	log  *slog.Logger
}

// New creates a Handler for conv.
func New(conv Conversation, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{conv: conv, log: log.With("component", "api")}
}

// RegisterRoutes mounts the API under /api on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(api chi.Router) {
		api.Get("/state", h.handleState)
		api.Get("/events", h.handleEvents)
		api.Get("/transcripts", h.handleTranscripts)
		api.Post("/session", h.handleStart)
		api.Delete("/session", h.handleStop)
		api.Post("/capture/toggle", h.handleToggleCapture)
		api.Post("/context", h.handleContext)
		api.Post("/audio", h.handleAudio)
	})
}

type startRequest struct {
	AgentID string `json:"agent_id"`
}

type contextRequest struct {
	Text string `json:"text"`
}

type captureResponse struct {
	Capturing bool                  `json:"capturing"`
	State     conversation.Snapshot `json:"state"`
}

type audioResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.conv.State())
}

func (h *Handler) handleTranscripts(w http.ResponseWriter, _ *http.Request) {
	entries := h.conv.Transcripts()
	if entries == nil {
		entries = []conversation.TranscriptEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := h.conv.Start(r.Context(), req.AgentID); err != nil {
		h.log.Warn("start session failed", "agent_id", req.AgentID, "err", err)
		respondError(w, startStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.conv.State())
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNoAgent):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrClosed), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) handleStop(w http.ResponseWriter, _ *http.Request) {
	h.conv.Stop()
	respondJSON(w, http.StatusOK, h.conv.State())
}

func (h *Handler) handleToggleCapture(w http.ResponseWriter, _ *http.Request) {
	on, err := h.conv.ToggleCapture()
	switch {
	case errors.Is(err, conversation.ErrNotConnected):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, conversation.ErrNoMicrophone):
		respondError(w, http.StatusNotImplemented, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, captureResponse{Capturing: on, State: h.conv.State()})
}

func (h *Handler) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	err := h.conv.SendContextualUpdate(r.Context(), req.Text)
	switch {
	case errors.Is(err, conversation.ErrNotConnected):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "empty audio payload")
		return
	}

	id := h.conv.PlayAudio(data)
	if id == "" {
		respondError(w, http.StatusServiceUnavailable, "playback closed")
		return
	}
	respondJSON(w, http.StatusAccepted, audioResponse{ID: id})
}

// handleEvents streams a snapshot on connect and after every change. Slow
// clients miss intermediate snapshots, never the latest one.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates := make(chan conversation.Snapshot, 1)
	push := func(s conversation.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			// Replace the stale pending snapshot.
			select {
			case <-updates:
			default:
			}
		}
	}
	unsubscribe := h.conv.Subscribe(push)
	defer unsubscribe()
	push(h.conv.State())

	for {
		select {
		case <-r.Context().Done():
			return
		case s := <-updates:
			data, err := json.Marshal(s)
			if err != nil {
				h.log.Warn("encode snapshot", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				h.log.Debug("event stream flush failed", "err", err)
				return
			}
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
