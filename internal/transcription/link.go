package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/audio"
)

// State is the lifecycle state of a Link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateDraining
	StateErrored
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// LinkConfig tunes one link's timeouts and queue sizing. Zero values fall
// back to defaults.
type LinkConfig struct {
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
	QueueCapacity    int
}

// Link manages one outbound streaming connection to the transcription
// provider for one session. A dedicated sender loop pumps queued audio
// out and a dedicated receiver loop pulls provider events in; both are
// scoped to the link's context so a failure here never touches the loops
// of other sessions.
type Link struct {
	sessionID string
	provider  Provider
	stream    StreamConfig
	cfg       LinkConfig
	queue     *audio.Queue
	logger    *slog.Logger

	// onEvent receives every normalized provider event; onError fires at
	// most once, on transition to Errored.
	onEvent func(Event)
	onError func(error)

	state atomic.Int32
	conn  Conn

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	chunksSent     atomic.Uint64
	eventsReceived atomic.Uint64
}

// NewLink creates a link in the Disconnected state. Nothing is dialed
// until Start.
func NewLink(sessionID string, provider Provider, stream StreamConfig, cfg LinkConfig, onEvent func(Event), onError func(error), logger *slog.Logger) *Link {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	return &Link{
		sessionID: sessionID,
		provider:  provider,
		stream:    stream,
		cfg:       cfg,
		queue:     audio.NewQueue(cfg.QueueCapacity),
		logger:    logger,
		onEvent:   onEvent,
		onError:   onError,
	}
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Start performs the provider handshake and, on success, launches the
// sender and receiver loops. The handshake waits at most HandshakeTimeout;
// on failure the link moves to Errored and the error is returned so the
// caller can surface streamActive=false instead of pretending success.
func (l *Link) Start(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("link for session %s already started (state %s)", l.sessionID, l.State())
	}

	hctx, hcancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer hcancel()

	conn, err := l.provider.Connect(hctx, l.stream)
	if err != nil {
		l.state.Store(int32(StateErrored))
		l.queue.Close()
		l.logger.Error("Provider handshake failed",
			slog.String("session_id", l.sessionID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, ErrConnection) {
			return err
		}
		return fmt.Errorf("%w: %s", ErrConnection, err)
	}

	l.conn = conn
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.state.Store(int32(StateStreaming))

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.senderLoop()
	}()
	go func() {
		defer l.wg.Done()
		l.receiverLoop()
	}()

	l.logger.Info("Transcription link streaming",
		slog.String("session_id", l.sessionID),
		slog.Int("sample_rate", l.stream.SampleRate),
		slog.String("language", l.stream.Language),
	)

	return nil
}

// Push offers an audio chunk to the outbound queue without blocking. It
// returns false when the link is not streaming or the queue is full.
func (l *Link) Push(chunk []byte) bool {
	if l.State() != StateStreaming {
		return false
	}
	return l.queue.Push(chunk)
}

// Drain stops accepting new audio, lets the sender flush what is already
// queued, signals end of audio to the provider and waits up to
// DrainTimeout for trailing events before closing. Safe to call on a
// link in any state; only a streaming link actually drains.
func (l *Link) Drain() {
	if !l.state.CompareAndSwap(int32(StateStreaming), int32(StateDraining)) {
		l.Close()
		return
	}

	l.queue.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(l.cfg.DrainTimeout):
		l.logger.Warn("Drain timed out waiting for trailing events",
			slog.String("session_id", l.sessionID),
		)
	}

	l.Close()
}

// Close releases the queue and connection. Idempotent; safe from any
// state, including after a failure.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.queue.Close()
		if l.conn != nil {
			if err := l.conn.Close(); err != nil {
				l.logger.Debug("Provider connection close",
					slog.String("session_id", l.sessionID),
					slog.String("error", err.Error()),
				)
			}
		}
		l.wg.Wait()

		if l.State() != StateErrored {
			l.state.Store(int32(StateClosed))
		}

		qs := l.queue.GetStats()
		l.logger.Info("Transcription link closed",
			slog.String("session_id", l.sessionID),
			slog.Uint64("chunks_sent", l.chunksSent.Load()),
			slog.Uint64("events_received", l.eventsReceived.Load()),
			slog.Uint64("chunks_rejected", qs.Rejected),
		)
	})
}

// senderLoop pumps queued audio to the provider until the queue drains
// or the link shuts down.
func (l *Link) senderLoop() {
	for {
		chunk, ok := l.queue.Pop(l.ctx)
		if !ok {
			// Queue closed or context cancelled. On a drain, tell the
			// provider no more audio is coming so it flushes finals.
			if l.State() == StateDraining {
				if err := l.conn.CloseSend(); err != nil {
					l.logger.Debug("End-of-audio signal failed",
						slog.String("session_id", l.sessionID),
						slog.String("error", err.Error()),
					)
				}
			}
			return
		}

		if err := l.conn.Send(chunk); err != nil {
			l.fail(fmt.Errorf("send audio: %w", err))
			return
		}
		l.chunksSent.Add(1)
	}
}

// receiverLoop pulls provider events until the stream ends.
func (l *Link) receiverLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev, ok := <-l.conn.Events():
			if !ok {
				if err := l.conn.Err(); err != nil {
					l.fail(err)
				}
				return
			}
			l.eventsReceived.Add(1)
			l.onEvent(ev)
		}
	}
}

// fail moves a connecting or streaming link to Errored exactly once and
// reports the error through the callback. Failures during a deliberate
// shutdown are ignored.
func (l *Link) fail(err error) {
	if l.ctx.Err() != nil {
		return
	}

	moved := l.state.CompareAndSwap(int32(StateStreaming), int32(StateErrored)) ||
		l.state.CompareAndSwap(int32(StateConnecting), int32(StateErrored))
	if !moved {
		return
	}

	l.logger.Error("Transcription link failed",
		slog.String("session_id", l.sessionID),
		slog.String("error", err.Error()),
	)

	l.cancel()
	l.queue.Close()

	if !errors.Is(err, ErrConnection) {
		err = fmt.Errorf("%w: %s", ErrConnection, err)
	}
	l.onError(err)
}

// LinkStats reports link counters for monitoring.
type LinkStats struct {
	State          string `json:"state"`
	ChunksSent     uint64 `json:"chunks_sent"`
	EventsReceived uint64 `json:"events_received"`
	ChunksRejected uint64 `json:"chunks_rejected"`
	QueueDepth     int    `json:"queue_depth"`
}

// GetStats returns a snapshot of link statistics.
func (l *Link) GetStats() LinkStats {
	qs := l.queue.GetStats()
	return LinkStats{
		State:          l.State().String(),
		ChunksSent:     l.chunksSent.Load(),
		EventsReceived: l.eventsReceived.Load(),
		ChunksRejected: qs.Rejected,
		QueueDepth:     qs.Queued,
	}
}
