package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeConn is an in-memory provider stream that echoes every audio chunk
// back as a final transcript event.
type fakeConn struct {
	events chan Event

	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	readErr   error
	closeSent bool
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 64)}
}

func (c *fakeConn) Send(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, chunk)
	c.events <- Event{Text: string(chunk), Confidence: 0.95, IsFinal: true}
	return nil
}

func (c *fakeConn) CloseSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closeSent {
		c.closeSent = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if !c.closeSent {
		c.closeSent = true
		close(c.events)
	}
	return nil
}

// failTransport simulates a mid-stream transport failure.
func (c *fakeConn) failTransport(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readErr = err
	if !c.closeSent {
		c.closeSent = true
		close(c.events)
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeProvider struct {
	conn       *fakeConn
	connectErr error
	block      bool
}

func (p *fakeProvider) Connect(ctx context.Context, cfg StreamConfig) (Conn, error) {
	if p.block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %s", ErrConnection, ctx.Err())
	}
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	return p.conn, nil
}

func newTestLink(p Provider, onEvent func(Event), onError func(error)) *Link {
	return NewLink("test-session", p, StreamConfig{SampleRate: 16000, Encoding: "pcm16", Language: "en-US"},
		LinkConfig{HandshakeTimeout: time.Second, DrainTimeout: time.Second, QueueCapacity: 16},
		onEvent, onError, testLogger())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestLinkStartStreaming(t *testing.T) {
	conn := newFakeConn()
	link := newTestLink(&fakeProvider{conn: conn}, nil, nil)
	defer link.Close()

	if link.State() != StateDisconnected {
		t.Errorf("Expected initial state disconnected, got %s", link.State())
	}

	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if link.State() != StateStreaming {
		t.Errorf("Expected state streaming, got %s", link.State())
	}
}

func TestLinkStartTwice(t *testing.T) {
	conn := newFakeConn()
	link := newTestLink(&fakeProvider{conn: conn}, nil, nil)
	defer link.Close()

	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := link.Start(context.Background()); err == nil {
		t.Error("Expected error starting a started link")
	}
}

func TestLinkHandshakeFailure(t *testing.T) {
	link := newTestLink(&fakeProvider{connectErr: fmt.Errorf("%w: refused", ErrConnection)}, nil, nil)

	err := link.Start(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Expected ErrConnection, got %v", err)
	}
	if link.State() != StateErrored {
		t.Errorf("Expected state errored, got %s", link.State())
	}
	if link.Push([]byte("audio")) {
		t.Error("Push must be rejected on an errored link")
	}
}

func TestLinkHandshakeTimeout(t *testing.T) {
	link := NewLink("test-session", &fakeProvider{block: true}, StreamConfig{},
		LinkConfig{HandshakeTimeout: 30 * time.Millisecond, DrainTimeout: time.Second, QueueCapacity: 4},
		nil, nil, testLogger())

	start := time.Now()
	err := link.Start(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Expected ErrConnection on timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Handshake did not respect its timeout")
	}
	if link.State() != StateErrored {
		t.Errorf("Expected state errored, got %s", link.State())
	}
}

func TestLinkPushDeliversAndEchoes(t *testing.T) {
	conn := newFakeConn()

	var mu sync.Mutex
	var received []Event
	onEvent := func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	}

	link := newTestLink(&fakeProvider{conn: conn}, onEvent, nil)
	defer link.Close()

	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !link.Push([]byte(fmt.Sprintf("chunk-%d", i))) {
			t.Fatalf("Push %d rejected", i)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, ev := range received {
		if want := fmt.Sprintf("chunk-%d", i); ev.Text != want {
			t.Errorf("Event %d: expected %q, got %q", i, want, ev.Text)
		}
		if !ev.IsFinal {
			t.Errorf("Event %d: expected final", i)
		}
	}
}

func TestLinkPushBeforeStart(t *testing.T) {
	link := newTestLink(&fakeProvider{conn: newFakeConn()}, nil, nil)

	if link.Push([]byte("early")) {
		t.Error("Push before Start must be rejected")
	}
}

func TestLinkDrainFlushesQueuedAudio(t *testing.T) {
	conn := newFakeConn()
	link := newTestLink(&fakeProvider{conn: conn}, nil, nil)

	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		link.Push([]byte("chunk"))
	}

	link.Drain()

	if link.State() != StateClosed {
		t.Errorf("Expected state closed after drain, got %s", link.State())
	}
	if got := conn.sentCount(); got != 5 {
		t.Errorf("Expected 5 chunks flushed before close, got %d", got)
	}

	conn.mu.Lock()
	closeSent := conn.closeSent
	conn.mu.Unlock()
	if !closeSent {
		t.Error("Expected end-of-audio signal during drain")
	}

	if link.Push([]byte("late")) {
		t.Error("Push after drain must be rejected")
	}
}

func TestLinkTransportErrorMovesToErrored(t *testing.T) {
	conn := newFakeConn()

	errCh := make(chan error, 1)
	link := newTestLink(&fakeProvider{conn: conn}, nil, func(err error) { errCh <- err })

	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conn.failTransport(fmt.Errorf("%w: connection reset", ErrConnection))

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnection) {
			t.Errorf("Expected ErrConnection from callback, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for error callback")
	}

	waitFor(t, time.Second, func() bool { return link.State() == StateErrored })

	if link.Push([]byte("after failure")) {
		t.Error("Push after transport failure must be rejected")
	}
}

func TestLinkCloseIdempotent(t *testing.T) {
	conn := newFakeConn()
	link := newTestLink(&fakeProvider{conn: conn}, nil, nil)

	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	link.Close()
	link.Close()
	link.Drain() // also safe after close

	if link.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", link.State())
	}
}

func TestLinkStats(t *testing.T) {
	conn := newFakeConn()
	link := newTestLink(&fakeProvider{conn: conn}, nil, nil)
	defer link.Close()

	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	link.Push([]byte("one"))
	link.Push([]byte("two"))

	waitFor(t, time.Second, func() bool { return link.GetStats().ChunksSent == 2 })

	stats := link.GetStats()
	if stats.State != "streaming" {
		t.Errorf("Expected state streaming in stats, got %s", stats.State)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateStreaming, "streaming"},
		{StateDraining, "draining"},
		{StateErrored, "errored"},
		{StateClosed, "closed"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
