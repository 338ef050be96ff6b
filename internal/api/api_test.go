package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/talkback/internal/api"
	"github.com/MrWong99/talkback/internal/conversation"
	"github.com/MrWong99/talkback/internal/health"
	"github.com/MrWong99/talkback/internal/observe"
	"github.com/MrWong99/talkback/internal/resilience"
)

// fakeConversation is a scriptable [api.Conversation].
type fakeConversation struct {
	mu          sync.Mutex
	state       conversation.Snapshot
	startErr    error
	toggleErr   error
	contextErr  error
	playID      string
	started     []string
	stops       int
	contexts    []string
	played      [][]byte
	transcripts []conversation.TranscriptEntry
	subs        []func(conversation.Snapshot)
}

func (f *fakeConversation) Start(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, agentID)
	if f.startErr != nil {
		return f.startErr
	}
	f.state.Connected = true
	f.state.AgentID = agentID
	return nil
}

func (f *fakeConversation) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state.Connected = false
}

func (f *fakeConversation) ToggleCapture() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toggleErr != nil {
		return false, f.toggleErr
	}
	f.state.Capturing = !f.state.Capturing
	return f.state.Capturing, nil
}

func (f *fakeConversation) SendContextualUpdate(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts = append(f.contexts, text)
	return f.contextErr
}

func (f *fakeConversation) PlayAudio(data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, data)
	return f.playID
}

func (f *fakeConversation) State() conversation.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConversation) Transcripts() []conversation.TranscriptEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcripts
}

func (f *fakeConversation) Subscribe(fn func(conversation.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeConversation) publish(s conversation.Snapshot) {
	f.mu.Lock()
	f.state = s
	subs := append(([]func(conversation.Snapshot))(nil), f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (f *fakeConversation) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func newRouter(conv api.Conversation) *chi.Mux {
	r := chi.NewRouter()
	api.New(conv, nil).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestState(t *testing.T) {
	t.Parallel()
	conv := &fakeConversation{state: conversation.Snapshot{Connected: true, Playing: true, Transport: "open"}}
	rec := do(t, newRouter(conv), http.MethodGet, "/api/state", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decode[map[string]any](t, rec)
	if body["connected"] != true || body["playing"] != true || body["capturing"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestStartSession(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		body      string
		err       error
		wantCode  int
		wantAgent string
	}{
		{"with agent", `{"agent_id":"agent-7"}`, nil, http.StatusOK, "agent-7"},
		{"empty body uses default", "", nil, http.StatusOK, ""},
		{"bad json", `{"agent_id":`, nil, http.StatusBadRequest, ""},
		{"no agent", `{}`, conversation.ErrNoAgent, http.StatusBadRequest, ""},
		{"circuit open", `{}`, fmt.Errorf("conversation: start: %w", resilience.ErrCircuitOpen), http.StatusServiceUnavailable, ""},
		{"closed", `{}`, conversation.ErrClosed, http.StatusServiceUnavailable, ""},
		{"dial failure", `{}`, errors.New("conversation: start: convai: dial: refused"), http.StatusBadGateway, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := &fakeConversation{startErr: tt.err}
			rec := do(t, newRouter(conv), http.MethodPost, "/api/session", tt.body)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode == http.StatusOK {
				if len(conv.started) != 1 || conv.started[0] != tt.wantAgent {
					t.Errorf("started = %v, want [%q]", conv.started, tt.wantAgent)
				}
				if st := decode[conversation.Snapshot](t, rec); !st.Connected {
					t.Errorf("state = %+v, want connected", st)
				}
			} else if body := decode[map[string]string](t, rec); body["error"] == "" {
				t.Error("error body missing")
			}
		})
	}
}

func TestStopSession(t *testing.T) {
	t.Parallel()
	conv := &fakeConversation{state: conversation.Snapshot{Connected: true}}
	rec := do(t, newRouter(conv), http.MethodDelete, "/api/session", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if conv.stops != 1 {
		t.Errorf("stops = %d, want 1", conv.stops)
	}
	if st := decode[conversation.Snapshot](t, rec); st.Connected {
		t.Error("state still connected after stop")
	}
}

func TestToggleCapture(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"ok", nil, http.StatusOK},
		{"not connected", conversation.ErrNotConnected, http.StatusConflict},
		{"no microphone", conversation.ErrNoMicrophone, http.StatusNotImplemented},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := &fakeConversation{toggleErr: tt.err}
			rec := do(t, newRouter(conv), http.MethodPost, "/api/capture/toggle", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.err == nil {
				body := decode[map[string]any](t, rec)
				if body["capturing"] != true {
					t.Errorf("body = %v, want capturing=true", body)
				}
			}
		})
	}
}

func TestContextualUpdate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"ok", `{"text":"page 3"}`, nil, http.StatusAccepted},
		{"empty text", `{"text":""}`, nil, http.StatusBadRequest},
		{"bad json", `nope`, nil, http.StatusBadRequest},
		{"not connected", `{"text":"x"}`, conversation.ErrNotConnected, http.StatusConflict},
		{"send failure", `{"text":"x"}`, errors.New("write failed"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := &fakeConversation{contextErr: tt.err}
			rec := do(t, newRouter(conv), http.MethodPost, "/api/context", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}

	conv := &fakeConversation{}
	do(t, newRouter(conv), http.MethodPost, "/api/context", `{"text":"page 3"}`)
	if len(conv.contexts) != 1 || conv.contexts[0] != "page 3" {
		t.Errorf("contexts = %v", conv.contexts)
	}
}

func TestPlayAudio(t *testing.T) {
	t.Parallel()
	conv := &fakeConversation{playID: "item-1"}
	r := newRouter(conv)

	req := httptest.NewRequest(http.MethodPost, "/api/audio", bytes.NewReader([]byte{1, 2, 3, 4}))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["id"] != "item-1" {
		t.Errorf("body = %v", body)
	}
	if len(conv.played) != 1 || !bytes.Equal(conv.played[0], []byte{1, 2, 3, 4}) {
		t.Errorf("played = %v", conv.played)
	}

	if rec := do(t, r, http.MethodPost, "/api/audio", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("empty payload status = %d, want 400", rec.Code)
	}

	closed := &fakeConversation{}
	req = httptest.NewRequest(http.MethodPost, "/api/audio", bytes.NewReader([]byte{1}))
	rec = httptest.NewRecorder()
	newRouter(closed).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("closed status = %d, want 503", rec.Code)
	}
}

func TestTranscripts(t *testing.T) {
	t.Parallel()
	conv := &fakeConversation{}
	rec := do(t, newRouter(conv), http.MethodGet, "/api/transcripts", "")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty transcripts body = %q, want []", got)
	}

	conv.transcripts = []conversation.TranscriptEntry{{Speaker: "agent", Text: "hello"}}
	rec = do(t, newRouter(conv), http.MethodGet, "/api/transcripts", "")
	entries := decode[[]conversation.TranscriptEntry](t, rec)
	if len(entries) != 1 || entries[0].Text != "hello" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestEvents_StreamsSnapshots(t *testing.T) {
	t.Parallel()
	conv := &fakeConversation{state: conversation.Snapshot{Transport: "idle"}}
	srv := httptest.NewServer(newRouter(conv))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() conversation.Snapshot {
		t.Helper()
		for sc.Scan() {
			line := sc.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var s conversation.Snapshot
				if err := json.Unmarshal([]byte(data), &s); err != nil {
					t.Fatalf("event data %q: %v", data, err)
				}
				return s
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return conversation.Snapshot{}
	}

	if first := next(); first.Transport != "idle" {
		t.Errorf("initial snapshot = %+v", first)
	}

	for conv.subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}
	conv.publish(conversation.Snapshot{Transport: "open", Connected: true})
	if s := next(); !s.Connected || s.Transport != "open" {
		t.Errorf("pushed snapshot = %+v", s)
	}
}

func TestNewRouter_MountsHealthAndMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "# metrics")
	})
	checks := health.New(health.Checker{Name: "conversation", Check: func(context.Context) error { return nil }})
	r := api.NewRouter(api.New(&fakeConversation{}, nil), checks, metrics, m)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/state"} {
		if rec := do(t, r, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
