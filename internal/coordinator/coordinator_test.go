package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/broadcast"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/event"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/session"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/store"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/summary"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeConn echoes every audio chunk back as a final transcript event.
// With flushOnStop set it instead holds the events until CloseSend, the
// way a real recognizer flushes pending finals at end of audio.
type fakeConn struct {
	events chan transcription.Event

	mu          sync.Mutex
	sent        int
	readErr     error
	closeSent   bool
	flushOnStop bool
	pending     []transcription.Event
}

func newFakeConn(flushOnStop bool) *fakeConn {
	return &fakeConn{
		events:      make(chan transcription.Event, 64),
		flushOnStop: flushOnStop,
	}
}

func (c *fakeConn) Send(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	ev := transcription.Event{Text: string(chunk), Confidence: 0.95, IsFinal: true}
	if c.flushOnStop {
		c.pending = append(c.pending, ev)
		return nil
	}
	c.events <- ev
	return nil
}

func (c *fakeConn) CloseSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closeSent {
		c.closeSent = true
		for _, ev := range c.pending {
			c.events <- ev
		}
		c.pending = nil
		close(c.events)
	}
	return nil
}

func (c *fakeConn) Events() <-chan transcription.Event { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *fakeConn) Close() error {
	return c.CloseSend()
}

func (c *fakeConn) failTransport(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
	if !c.closeSent {
		c.closeSent = true
		close(c.events)
	}
}

// fakeProvider hands out a fresh fakeConn per dial.
type fakeProvider struct {
	mu          sync.Mutex
	conns       []*fakeConn
	connectErr  error
	flushOnStop bool
}

func (p *fakeProvider) Connect(ctx context.Context, cfg transcription.StreamConfig) (transcription.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	conn := newFakeConn(p.flushOnStop)
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakeProvider) latest() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, prev *session.MeetingSummary, lines []session.TranscriptLine) (session.MeetingSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return session.MeetingSummary{Summary: fmt.Sprintf("summary after %d lines", len(lines))}, nil
}

type testHarness struct {
	coord     *Coordinator
	registry  *session.Registry
	hub       *broadcast.Hub
	provider  *fakeProvider
	scheduler *summary.Scheduler
}

func newTestCoordinator(t *testing.T, st *store.Store) *testHarness {
	t.Helper()

	logger := testLogger()
	registry := session.NewRegistry(logger)
	hub := broadcast.NewHub(logger, 64, nil)
	summarizer := &fakeSummarizer{}
	scheduler := summary.NewScheduler(registry, hub, summarizer, summary.SchedulerConfig{}, logger)
	provider := &fakeProvider{}

	coord := New(registry, hub, scheduler, provider, st, nil, Config{
		Stream: transcription.StreamConfig{SampleRate: 16000, Encoding: "pcm16", Language: "en-US", Interim: true},
		Link:   transcription.LinkConfig{QueueCapacity: 16},
	}, logger)
	t.Cleanup(coord.Stop)

	return &testHarness{coord: coord, registry: registry, hub: hub, provider: provider, scheduler: scheduler}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startedSession(t *testing.T, h *testHarness) session.Session {
	t.Helper()
	snap := h.coord.CreateSession("manual", nil)
	if err := h.coord.StartSession(snap.ID); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return snap
}

func TestCreateSessionDefaults(t *testing.T) {
	h := newTestCoordinator(t, nil)

	snap := h.coord.CreateSession("", map[string]string{"title": "standup"})
	if snap.ID == "" {
		t.Fatal("expected generated session ID")
	}
	if snap.Status != session.StatusCreated {
		t.Errorf("Status = %s, want %s", snap.Status, session.StatusCreated)
	}
	if snap.Type != "manual" {
		t.Errorf("Type = %q, want default manual", snap.Type)
	}
}

func TestStartSessionActivatesStream(t *testing.T) {
	h := newTestCoordinator(t, nil)

	snap := startedSession(t, h)

	got, err := h.coord.GetSession(snap.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != session.StatusActive {
		t.Errorf("Status = %s, want %s", got.Status, session.StatusActive)
	}
	if !got.StreamActive {
		t.Error("expected StreamActive after start")
	}

	state, ok := h.coord.LinkState(snap.ID)
	if !ok || state != transcription.StateStreaming {
		t.Errorf("LinkState = %v/%v, want %v/true", state, ok, transcription.StateStreaming)
	}
}

func TestStartSessionHandshakeFailure(t *testing.T) {
	h := newTestCoordinator(t, nil)
	h.provider.connectErr = errors.New("dial refused")

	snap := h.coord.CreateSession("manual", nil)
	err := h.coord.StartSession(snap.ID)
	if !errors.Is(err, transcription.ErrConnection) {
		t.Fatalf("StartSession() error = %v, want ErrConnection", err)
	}

	got, _ := h.coord.GetSession(snap.ID)
	if got.Status != session.StatusCreated {
		t.Errorf("Status = %s, want unchanged %s", got.Status, session.StatusCreated)
	}
	if got.StreamActive {
		t.Error("StreamActive should stay false after failed handshake")
	}
}

func TestStartUnknownSession(t *testing.T) {
	h := newTestCoordinator(t, nil)

	if err := h.coord.StartSession("nope"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("StartSession() error = %v, want ErrNotFound", err)
	}
}

func TestEndBeforeStart(t *testing.T) {
	h := newTestCoordinator(t, nil)

	snap := h.coord.CreateSession("manual", nil)
	if _, err := h.coord.EndSession(snap.ID); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("EndSession() error = %v, want ErrInvalidState", err)
	}
}

func TestAudioRoundTrip(t *testing.T) {
	h := newTestCoordinator(t, nil)
	snap := startedSession(t, h)

	sub := h.hub.Subscribe(snap.ID, "viewer")

	accepted, err := h.coord.PushAudio(snap.ID, []byte("hello from the stream"))
	if err != nil || !accepted {
		t.Fatalf("PushAudio() = %v, %v, want accepted", accepted, err)
	}

	waitFor(t, "echoed transcript line", func() bool {
		got, _ := h.coord.GetSession(snap.ID)
		return got.TranscriptCount == 1
	})

	got, _ := h.coord.GetSession(snap.ID)
	line := got.Transcript[0]
	if line.Text != "hello from the stream" {
		t.Errorf("Text = %q", line.Text)
	}
	if line.Speaker != "unknown" {
		t.Errorf("Speaker = %q, want unknown default", line.Speaker)
	}
	if !line.IsFinal || got.FinalCount != 1 {
		t.Errorf("final bookkeeping wrong: isFinal=%v finalCount=%d", line.IsFinal, got.FinalCount)
	}

	var sawUpdate bool
	for !sawUpdate {
		select {
		case ev := <-sub:
			if ev.Type == event.TypeTranscriptUpdate {
				sawUpdate = true
				if ev.Transcript == nil || ev.Transcript.Text != line.Text {
					t.Errorf("transcript event payload = %+v", ev.Transcript)
				}
			}
		case <-time.After(time.Second):
			t.Fatal("no transcript_update event received")
		}
	}
}

func TestSummaryGeneratedAfterCadence(t *testing.T) {
	h := newTestCoordinator(t, nil)
	snap := startedSession(t, h)

	for i := 0; i < 5; i++ {
		accepted, err := h.coord.PushAudio(snap.ID, []byte(fmt.Sprintf("final line number %d", i)))
		if err != nil || !accepted {
			t.Fatalf("PushAudio(%d) = %v, %v", i, accepted, err)
		}
	}

	waitFor(t, "summary applied", func() bool {
		got, _ := h.coord.GetSession(snap.ID)
		return got.Summary != nil
	})

	got, _ := h.coord.GetSession(snap.ID)
	if got.Summary.FinalTranscriptCount != 5 {
		t.Errorf("FinalTranscriptCount = %d, want 5", got.Summary.FinalTranscriptCount)
	}
}

func TestPushAudioUnknownSession(t *testing.T) {
	h := newTestCoordinator(t, nil)

	accepted, err := h.coord.PushAudio("nope", []byte("x"))
	if accepted || !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("PushAudio() = %v, %v, want false, ErrNotFound", accepted, err)
	}
}

func TestPushAudioBeforeStart(t *testing.T) {
	h := newTestCoordinator(t, nil)
	snap := h.coord.CreateSession("manual", nil)

	accepted, err := h.coord.PushAudio(snap.ID, []byte("x"))
	if accepted || err != nil {
		t.Fatalf("PushAudio() = %v, %v, want false, nil", accepted, err)
	}
}

func TestPushAudioAfterEnd(t *testing.T) {
	h := newTestCoordinator(t, nil)
	snap := startedSession(t, h)

	if _, err := h.coord.EndSession(snap.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	accepted, err := h.coord.PushAudio(snap.ID, []byte("late"))
	if accepted || err != nil {
		t.Fatalf("PushAudio() after end = %v, %v, want false, nil", accepted, err)
	}
}

func TestPushTranscriptLineValidation(t *testing.T) {
	h := newTestCoordinator(t, nil)
	snap := startedSession(t, h)

	if _, err := h.coord.PushTranscriptLine(snap.ID, "", "alice", 0.9, true); !errors.Is(err, session.ErrValidation) {
		t.Errorf("empty text error = %v, want ErrValidation", err)
	}
	if _, err := h.coord.PushTranscriptLine(snap.ID, "hi", "alice", 1.5, true); !errors.Is(err, session.ErrValidation) {
		t.Errorf("out of range confidence error = %v, want ErrValidation", err)
	}

	line, err := h.coord.PushTranscriptLine(snap.ID, "manual note", "alice", 1.0, false)
	if err != nil {
		t.Fatalf("PushTranscriptLine() error = %v", err)
	}
	if line.Sequence != 0 || line.IsFinal {
		t.Errorf("line = %+v", line)
	}
}

func TestTransportFailureFailsOnlyThatSession(t *testing.T) {
	h := newTestCoordinator(t, nil)

	victim := startedSession(t, h)
	victimConn := h.provider.latest()
	healthy := startedSession(t, h)

	sub := h.hub.Subscribe(victim.ID, "viewer")
	victimConn.failTransport(errors.New("connection reset"))

	waitFor(t, "victim session failed", func() bool {
		got, _ := h.coord.GetSession(victim.ID)
		return got.Status == session.StatusError
	})

	got, _ := h.coord.GetSession(victim.ID)
	if got.StreamActive {
		t.Error("StreamActive should be false after transport failure")
	}

	var sawError bool
	deadline := time.After(time.Second)
	for !sawError {
		select {
		case ev := <-sub:
			if ev.Type == event.TypeError {
				sawError = true
			}
		case <-deadline:
			t.Fatal("no error event received")
		}
	}

	other, _ := h.coord.GetSession(healthy.ID)
	if other.Status != session.StatusActive || !other.StreamActive {
		t.Errorf("healthy session affected: status=%s streamActive=%v", other.Status, other.StreamActive)
	}

	if accepted, err := h.coord.PushAudio(healthy.ID, []byte("still fine")); err != nil || !accepted {
		t.Errorf("healthy PushAudio = %v, %v", accepted, err)
	}
}

func TestEndSessionCompletesAndDrains(t *testing.T) {
	h := newTestCoordinator(t, nil)
	snap := startedSession(t, h)

	if accepted, _ := h.coord.PushAudio(snap.ID, []byte("closing words")); !accepted {
		t.Fatal("PushAudio rejected")
	}
	waitFor(t, "line appended", func() bool {
		got, _ := h.coord.GetSession(snap.ID)
		return got.TranscriptCount == 1
	})

	ended, err := h.coord.EndSession(snap.ID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ended.Status != session.StatusCompleted {
		t.Errorf("Status = %s, want %s", ended.Status, session.StatusCompleted)
	}
	if ended.StreamActive {
		t.Error("StreamActive should be false after end")
	}

	waitFor(t, "link detached", func() bool {
		_, ok := h.coord.LinkState(snap.ID)
		return !ok
	})

	if _, err := h.coord.EndSession(snap.ID); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("double end error = %v, want ErrInvalidState", err)
	}
}

func TestEndSessionKeepsFinalsFlushedDuringDrain(t *testing.T) {
	h := newTestCoordinator(t, nil)
	h.provider.flushOnStop = true

	snap := startedSession(t, h)

	// The recognizer holds this final until end of audio, so nothing has
	// landed in the transcript when the session ends.
	if accepted, _ := h.coord.PushAudio(snap.ID, []byte("closing words")); !accepted {
		t.Fatal("PushAudio rejected")
	}
	got, _ := h.coord.GetSession(snap.ID)
	if got.TranscriptCount != 0 {
		t.Fatalf("TranscriptCount = %d before end, want 0", got.TranscriptCount)
	}

	ended, err := h.coord.EndSession(snap.ID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ended.Status != session.StatusCompleted {
		t.Errorf("Status = %s, want %s", ended.Status, session.StatusCompleted)
	}

	// Finals flushed while the link drains still reach the transcript.
	waitFor(t, "flushed final appended", func() bool {
		got, _ := h.coord.GetSession(snap.ID)
		return got.TranscriptCount == 1
	})

	got, _ = h.coord.GetSession(snap.ID)
	if len(got.Transcript) != 1 || got.Transcript[0].Text != "closing words" {
		t.Errorf("Transcript = %+v, want the flushed final", got.Transcript)
	}
	if got.FinalCount != 1 {
		t.Errorf("FinalCount = %d, want 1", got.FinalCount)
	}
}

func TestEndSessionArchivesToStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "astro.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := newTestCoordinator(t, st)
	snap := startedSession(t, h)

	if _, err := h.coord.PushTranscriptLine(snap.ID, "note for the record", "alice", 0.9, true); err != nil {
		t.Fatalf("PushTranscriptLine() error = %v", err)
	}
	if _, err := h.coord.EndSession(snap.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	waitFor(t, "session archived", func() bool {
		_, err := st.SessionByID(snap.ID)
		return err == nil
	})

	// Once purged from memory, reads fall back to the archive.
	if err := h.registry.Delete(snap.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := h.coord.GetSession(snap.ID)
	if err != nil {
		t.Fatalf("GetSession() from store error = %v", err)
	}
	if got.Status != session.StatusCompleted {
		t.Errorf("archived Status = %s", got.Status)
	}
	if len(got.Transcript) != 1 || got.Transcript[0].Text != "note for the record" {
		t.Errorf("archived transcript = %+v", got.Transcript)
	}
}

func TestListSessions(t *testing.T) {
	h := newTestCoordinator(t, nil)

	h.coord.CreateSession("manual", nil)
	h.coord.CreateSession("scheduled", nil)

	infos := h.coord.ListSessions()
	if len(infos) != 2 {
		t.Fatalf("ListSessions() len = %d, want 2", len(infos))
	}
}

func TestGetStats(t *testing.T) {
	h := newTestCoordinator(t, nil)
	startedSession(t, h)

	stats := h.coord.GetStats()
	if stats.Sessions != 1 || stats.Links != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
