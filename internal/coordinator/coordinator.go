package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/broadcast"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/event"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/metrics"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/session"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/store"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/summary"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/transcription"
)

// Config holds the tunables the coordinator needs beyond its injected
// collaborators.
type Config struct {
	// Stream is the audio format negotiated with the transcription
	// provider for every session.
	Stream transcription.StreamConfig

	// Link configures handshake and drain behavior of per-session links.
	Link transcription.LinkConfig

	// Retention is how long ended sessions stay in memory before the
	// purge routine removes them. Zero disables purging.
	Retention time.Duration

	// PurgeInterval is how often the purge routine runs.
	PurgeInterval time.Duration
}

// Coordinator ties the session registry, transcription links, broadcast
// hub, summary scheduler and archive store together. It owns one link per
// streaming session and routes provider events into the session transcript.
type Coordinator struct {
	registry  *session.Registry
	hub       *broadcast.Hub
	scheduler *summary.Scheduler
	provider  transcription.Provider
	store     *store.Store
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	links map[string]*transcription.Link

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator and starts the retention purge routine when
// configured. store and m may be nil.
func New(registry *session.Registry, hub *broadcast.Hub, scheduler *summary.Scheduler, provider transcription.Provider, st *store.Store, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		registry:  registry,
		hub:       hub,
		scheduler: scheduler,
		provider:  provider,
		store:     st,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
		links:     make(map[string]*transcription.Link),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.Retention > 0 && cfg.PurgeInterval > 0 {
		c.wg.Add(1)
		go c.purgeRoutine()
	}

	return c
}

// CreateSession registers a new session and announces it on the hub.
func (c *Coordinator) CreateSession(sessionType string, metadata map[string]string) session.Session {
	snap := c.registry.Create(sessionType, metadata)
	c.hub.Publish(snap.ID, event.SessionCreated(snap.Info()))
	if c.metrics != nil {
		c.metrics.RecordSessionCreated()
	}
	return snap
}

// StartSession dials the transcription provider for the session and, on a
// successful handshake, activates the session. The handshake happens
// before the status transition so a failed dial leaves the session in
// Created with the stream inactive.
func (c *Coordinator) StartSession(id string) error {
	snap, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if snap.Status != session.StatusCreated {
		return fmt.Errorf("cannot start session in status %s: %w", snap.Status, session.ErrInvalidState)
	}

	link := transcription.NewLink(id, c.provider, c.cfg.Stream, c.cfg.Link,
		c.onLinkEvent(id), c.onLinkError(id), c.logger)

	dialStart := time.Now()
	if err := link.Start(c.ctx); err != nil {
		if c.metrics != nil {
			c.metrics.RecordLinkFailure()
		}
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordLinkConnect(time.Since(dialStart).Seconds())
	}

	err = c.registry.Mutate(id, func(s *session.Session) error {
		if err := s.Start(); err != nil {
			return err
		}
		s.StreamActive = true
		c.hub.Publish(id, event.SessionStarted(s.Info()))
		return nil
	})
	if err != nil {
		// Lost a race with a concurrent start or end. Tear the fresh
		// link down; the winner owns the session.
		link.Close()
		return err
	}

	c.mu.Lock()
	c.links[id] = link
	c.mu.Unlock()

	return nil
}

// PushAudio offers an audio chunk to the session's transcription link. It
// reports false without error when the session exists but has no active
// stream, or when the ingest queue is full. Audio is never buffered for
// sessions that are not streaming.
func (c *Coordinator) PushAudio(id string, chunk []byte) (bool, error) {
	c.mu.Lock()
	link := c.links[id]
	c.mu.Unlock()

	if link == nil {
		if _, err := c.registry.Get(id); err != nil {
			return false, err
		}
		if c.metrics != nil {
			c.metrics.RecordAudioChunk(false)
		}
		return false, nil
	}

	accepted := link.Push(chunk)
	if c.metrics != nil {
		c.metrics.RecordAudioChunk(accepted)
	}
	return accepted, nil
}

// PushTranscriptLine appends an externally produced transcript line, for
// callers that run their own speech recognition and only want the session
// bookkeeping, broadcast and summarization.
func (c *Coordinator) PushTranscriptLine(id, text, speaker string, confidence float64, isFinal bool) (session.TranscriptLine, error) {
	if text == "" {
		return session.TranscriptLine{}, fmt.Errorf("text must not be empty: %w", session.ErrValidation)
	}
	if confidence < 0 || confidence > 1 {
		return session.TranscriptLine{}, fmt.Errorf("confidence must be within [0, 1], got %g: %w", confidence, session.ErrValidation)
	}
	return c.appendLine(id, text, speaker, confidence, isFinal, false)
}

// EndSession completes the session and detaches its link. The link drains
// asynchronously so queued audio still reaches the provider and the
// finals it flushes in response still land in the transcript. The
// completed session is archived once the drain finishes.
func (c *Coordinator) EndSession(id string) (session.Session, error) {
	var snap session.Session
	err := c.registry.Mutate(id, func(s *session.Session) error {
		if err := s.End(); err != nil {
			return err
		}
		c.hub.Publish(id, event.SessionEnded(s.Info()))
		snap = *s
		return nil
	})
	if err != nil {
		return session.Session{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordSessionEnded(float64(snap.DurationSeconds))
	}

	link := c.detachLink(id)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if link != nil {
			link.Drain()
		}
		c.archive(id)
	}()

	return c.getSnapshot(id)
}

// GetSession returns a live session snapshot, falling back to the archive
// store for sessions already purged from memory.
func (c *Coordinator) GetSession(id string) (session.Session, error) {
	snap, err := c.registry.Get(id)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, session.ErrNotFound) || c.store == nil {
		return session.Session{}, err
	}

	archived, serr := c.store.SessionByID(id)
	if serr != nil {
		return session.Session{}, serr
	}
	lines, serr := c.store.LinesForSession(id)
	if serr != nil {
		return session.Session{}, serr
	}
	archived.Transcript = lines
	return archived, nil
}

// ListSessions returns listing views of all in-memory sessions.
func (c *Coordinator) ListSessions() []session.Info {
	return c.registry.List()
}

// LinkState reports the transcription link state for a session, or false
// when the session has no attached link.
func (c *Coordinator) LinkState(id string) (transcription.State, bool) {
	c.mu.Lock()
	link := c.links[id]
	c.mu.Unlock()
	if link == nil {
		return 0, false
	}
	return link.State(), true
}

// Stop ends the coordinator: every remaining link is drained, the
// scheduler finishes in-flight summaries and the hub closes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	links := make([]*transcription.Link, 0, len(c.links))
	for id, link := range c.links {
		links = append(links, link)
		delete(c.links, id)
	}
	c.mu.Unlock()

	// Drain before cancelling: links inherit the coordinator context and
	// a cancelled context would abort their flush.
	for _, link := range links {
		link.Drain()
	}

	c.cancel()
	c.wg.Wait()
	c.scheduler.Stop()
	c.hub.Close()

	c.logger.Info("Coordinator stopped",
		slog.Int("sessions_in_memory", c.registry.Count()),
	)
}

// appendLine applies a transcript line under the registry lock, publishes
// the update and pokes the summary scheduler for final lines. trailing
// selects the provider path, which still accepts lines flushed while the
// stream drains after the session ended.
func (c *Coordinator) appendLine(id, text, speaker string, confidence float64, isFinal, trailing bool) (session.TranscriptLine, error) {
	var line session.TranscriptLine
	var finalCount int
	var status session.Status
	err := c.registry.Mutate(id, func(s *session.Session) error {
		var aerr error
		if trailing {
			line, aerr = s.AppendTrailingLine(text, speaker, confidence, isFinal)
		} else {
			line, aerr = s.AppendLine(text, speaker, confidence, isFinal)
		}
		if aerr != nil {
			return aerr
		}
		finalCount = s.FinalCount
		status = s.Status
		c.hub.Publish(id, event.TranscriptUpdate(id, line))
		return nil
	})
	if err != nil {
		return session.TranscriptLine{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordTranscriptLine(isFinal, line.WordCount())
	}
	// The final count is evaluated at append time so two finals landing
	// back to back cannot both observe the later count and skip a
	// cadence boundary.
	if isFinal && status == session.StatusActive {
		c.scheduler.OnFinalLine(id, finalCount)
	}
	return line, nil
}

// onLinkEvent routes provider transcript events into the session,
// including finals flushed during the end-of-session drain.
func (c *Coordinator) onLinkEvent(id string) func(transcription.Event) {
	return func(ev transcription.Event) {
		_, err := c.appendLine(id, ev.Text, ev.Speaker, ev.Confidence, ev.IsFinal, true)
		if err != nil && !errors.Is(err, session.ErrInvalidState) {
			c.logger.Warn("Dropping transcript event",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// onLinkError handles a mid-stream transport failure: the session moves to
// Error, subscribers are told, and the dead link is detached. A failure
// surfacing after the session already completed is ignored.
func (c *Coordinator) onLinkError(id string) func(error) {
	return func(linkErr error) {
		err := c.registry.Mutate(id, func(s *session.Session) error {
			if s.Status != session.StatusActive {
				return session.ErrInvalidState
			}
			s.Fail()
			c.hub.Publish(id, event.Error(id, linkErr.Error()))
			return nil
		})
		if err != nil {
			return
		}

		c.logger.Error("Transcription link failed",
			slog.String("session_id", id),
			slog.String("error", linkErr.Error()),
		)
		if c.metrics != nil {
			c.metrics.RecordSessionFailed()
		}

		link := c.detachLink(id)
		if link != nil {
			// Close waits on the link's own goroutines, so it must not
			// run on the goroutine that delivered this callback.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				link.Close()
				c.archive(id)
			}()
		}
	}
}

// detachLink removes and returns the session's link, if any.
func (c *Coordinator) detachLink(id string) *transcription.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	link := c.links[id]
	delete(c.links, id)
	return link
}

// archive persists the session to the store, if one is configured.
func (c *Coordinator) archive(id string) {
	if c.store == nil {
		return
	}
	snap, err := c.registry.Get(id)
	if err != nil {
		return
	}
	if err := c.store.ArchiveSession(snap); err != nil {
		c.logger.Error("Failed to archive session",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Info("Session archived",
		slog.String("session_id", id),
		slog.Int("transcript_count", snap.TranscriptCount),
	)
}

// getSnapshot re-reads the session after a mutation so the caller sees the
// post-transition state.
func (c *Coordinator) getSnapshot(id string) (session.Session, error) {
	return c.registry.Get(id)
}

func (c *Coordinator) purgeRoutine() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PurgeInterval)
	defer ticker.Stop()

	c.logger.Info("Session purge routine started",
		slog.Duration("retention", c.cfg.Retention),
		slog.Duration("interval", c.cfg.PurgeInterval),
	)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.registry.Purge(c.cfg.Retention); n > 0 {
				c.logger.Info("Purged ended sessions",
					slog.Int("count", n),
				)
			}
		}
	}
}

// Stats is the aggregate runtime view exposed on the stats endpoint.
type Stats struct {
	Sessions  int                    `json:"sessions"`
	Links     int                    `json:"links"`
	Hub       broadcast.Stats        `json:"hub"`
	Scheduler summary.SchedulerStats `json:"scheduler"`
}

// GetStats returns current coordinator statistics.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	links := len(c.links)
	c.mu.Unlock()

	return Stats{
		Sessions:  c.registry.Count(),
		Links:     links,
		Hub:       c.hub.GetStats(),
		Scheduler: c.scheduler.GetStats(),
	}
}
