package correlate_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/talkback/internal/correlate"
	"github.com/MrWong99/talkback/pkg/audio/playback"
)

const window = 40 * time.Millisecond

// collector is a Sink that records emitted items.
type collector struct {
	mu    sync.Mutex
	items []playback.Item
}

func (c *collector) sink(it playback.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, it)
}

func (c *collector) get() []playback.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]playback.Item(nil), c.items...)
}

func (c *collector) waitLen(t *testing.T, n int) []playback.Item {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if items := c.get(); len(items) >= n {
			return items
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d items, have %d", n, len(c.get()))
	return nil
}

func b64(b ...byte) string { return base64.StdEncoding.EncodeToString(b) }

// minLen rejects payloads shorter than n bytes.
func minLen(n int) correlate.Validator {
	return func(data []byte) error {
		if len(data) < n {
			return errors.New("too short")
		}
		return nil
	}
}

func TestCorrelator_FragmentsWithinWindowFormOneItem(t *testing.T) {
	t.Parallel()

	var col collector
	c := correlate.New(col.sink, correlate.WithWindow(window))
	defer c.Close()

	c.Add(5, b64(1, 2))
	time.Sleep(window / 4)
	c.Add(5, b64(3, 4))
	time.Sleep(window / 4)
	c.Add(5, b64(5, 6))

	items := col.waitLen(t, 1)
	time.Sleep(window * 2)
	if got := len(col.get()); got != 1 {
		t.Fatalf("items = %d, want 1", got)
	}
	if items[0].EventID != 5 {
		t.Errorf("EventID = %d, want 5", items[0].EventID)
	}
	if !bytes.Equal(items[0].Data, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Data = %v, want fragments concatenated in arrival order", items[0].Data)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", c.Pending())
	}
	if st := c.Stats(); st.Fragments != 3 || st.Completed != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestCorrelator_TimerResetOnEveryFragment(t *testing.T) {
	t.Parallel()

	var col collector
	c := correlate.New(col.sink, correlate.WithWindow(window))
	defer c.Close()

	// Fragments keep arriving just inside the window for well over one window.
	start := time.Now()
	for i := range 6 {
		c.Add(1, b64(byte(i)))
		time.Sleep(window / 2)
	}
	items := col.waitLen(t, 1)
	if elapsed := time.Since(start); elapsed < 3*window {
		t.Errorf("emitted after %v; timer was extended instead of emitted early", elapsed)
	}
	if !bytes.Equal(items[0].Data, []byte{0, 1, 2, 3, 4, 5}) {
		t.Errorf("Data = %v", items[0].Data)
	}
}

func TestCorrelator_FragmentsSplitByWindowFormTwoItems(t *testing.T) {
	t.Parallel()

	var col collector
	c := correlate.New(col.sink, correlate.WithWindow(window))
	defer c.Close()

	c.Add(2, b64(1))
	col.waitLen(t, 1)
	// Late fragment for an already completed event starts a new one.
	c.Add(2, b64(2))
	items := col.waitLen(t, 2)

	if !bytes.Equal(items[0].Data, []byte{1}) || !bytes.Equal(items[1].Data, []byte{2}) {
		t.Errorf("items = %v / %v", items[0].Data, items[1].Data)
	}
}

func TestCorrelator_EventsAreIndependent(t *testing.T) {
	t.Parallel()

	var col collector
	c := correlate.New(col.sink, correlate.WithWindow(window))
	defer c.Close()

	c.Add(1, b64(1))
	c.Add(2, b64(9))
	c.Add(1, b64(2))
	if c.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", c.Pending())
	}

	items := col.waitLen(t, 2)
	byID := map[int][]byte{}
	for _, it := range items {
		byID[it.EventID] = it.Data
	}
	if !bytes.Equal(byID[1], []byte{1, 2}) || !bytes.Equal(byID[2], []byte{9}) {
		t.Errorf("items by id = %v", byID)
	}
}

func TestCorrelator_DegradedPathEmitsValidFragments(t *testing.T) {
	t.Parallel()

	var col collector
	// The whole payload is rejected so the per-fragment path runs.
	rejectLong := func(data []byte) error {
		if len(data) > 4 || len(data) < 2 {
			return errors.New("unplayable")
		}
		return nil
	}
	c := correlate.New(col.sink, correlate.WithWindow(window), correlate.WithValidator(rejectLong))
	defer c.Close()

	c.Add(3, b64(1, 2))
	c.Add(3, b64(7)) // too short on its own
	c.Add(3, b64(3, 4, 5))

	items := col.waitLen(t, 2)
	time.Sleep(window)
	if got := len(col.get()); got != 2 {
		t.Fatalf("items = %d, want 2", got)
	}
	if !bytes.Equal(items[0].Data, []byte{1, 2}) || !bytes.Equal(items[1].Data, []byte{3, 4, 5}) {
		t.Errorf("degraded items = %v, %v", items[0].Data, items[1].Data)
	}
	if st := c.Stats(); st.Degraded != 1 || st.Completed != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestCorrelator_InvalidBase64IsSkipped(t *testing.T) {
	t.Parallel()

	var col collector
	c := correlate.New(col.sink, correlate.WithWindow(window))
	defer c.Close()

	c.Add(1, b64(1, 2))
	c.Add(1, "%%% not base64 %%%")
	c.Add(1, b64(3))

	items := col.waitLen(t, 1)
	if !bytes.Equal(items[0].Data, []byte{1, 2, 3}) {
		t.Errorf("Data = %v", items[0].Data)
	}
}

func TestCorrelator_AllInvalidDiscarded(t *testing.T) {
	t.Parallel()

	var col collector
	c := correlate.New(col.sink, correlate.WithWindow(window), correlate.WithValidator(minLen(100)))
	defer c.Close()

	c.Add(1, "!!!")
	c.Add(1, b64(1, 2))

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Discarded == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if st := c.Stats(); st.Discarded != 1 {
		t.Fatalf("Stats = %+v, want one discarded event", st)
	}
	if got := len(col.get()); got != 0 {
		t.Errorf("items = %d, want 0", got)
	}

	// The correlator keeps working afterwards.
	c.Add(2, b64(make([]byte, 100)...))
	if items := col.waitLen(t, 1); items[0].EventID != 2 {
		t.Errorf("EventID = %d, want 2", items[0].EventID)
	}
}

func TestCorrelator_CloseCancelsTimers(t *testing.T) {
	t.Parallel()

	var col collector
	c := correlate.New(col.sink, correlate.WithWindow(window))

	c.Add(1, b64(1))
	c.Add(2, b64(2))
	c.Close()
	c.Close()
	if c.Pending() != 0 {
		t.Errorf("Pending after Close = %d, want 0", c.Pending())
	}

	c.Add(3, b64(3))
	time.Sleep(window * 3)
	if got := len(col.get()); got != 0 {
		t.Errorf("items after Close = %d, want 0", got)
	}
}

func TestCorrelator_OnFlushReportsOutcomes(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes = map[int]string{}
	)
	var col collector
	c := correlate.New(col.sink,
		correlate.WithWindow(window),
		correlate.WithValidator(func(data []byte) error {
			if len(data) < 2 || len(data) > 4 {
				return errors.New("unplayable")
			}
			return nil
		}),
		correlate.WithOnFlush(func(eventID int, outcome string) {
			mu.Lock()
			defer mu.Unlock()
			outcomes[eventID] = outcome
		}),
	)
	defer c.Close()

	c.Add(1, b64(1, 2, 3))
	c.Add(2, b64(1, 2))
	c.Add(2, b64(3, 4, 5))
	c.Add(3, b64(1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(outcomes)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := map[int]string{
		1: correlate.OutcomeCompleted,
		2: correlate.OutcomeDegraded,
		3: correlate.OutcomeDiscarded,
	}
	for id, w := range want {
		if outcomes[id] != w {
			t.Errorf("event %d outcome = %q, want %q", id, outcomes[id], w)
		}
	}
}
