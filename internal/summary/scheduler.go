package summary

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/broadcast"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/event"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/metrics"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/session"
)

// Summarizer generates a merged meeting summary from the previous one and
// a window of recent final transcript lines.
type Summarizer interface {
	Summarize(ctx context.Context, prev *session.MeetingSummary, lines []session.TranscriptLine) (session.MeetingSummary, error)
}

const (
	// minFinalLines is the number of final lines required before any
	// summary is generated.
	minFinalLines = 5

	defaultWindow  = 50
	defaultTimeout = 2 * time.Minute
)

// SchedulerConfig tunes the scheduler. Zero values fall back to defaults.
type SchedulerConfig struct {
	// Window caps how many final lines are sent per summarization call.
	Window int
	// Timeout bounds one whole summarization task, retries included.
	Timeout time.Duration
	// Metrics receives trigger and outcome counts when set.
	Metrics *metrics.Metrics
}

// Scheduler triggers summary regeneration on an adaptive cadence and runs
// each summarization asynchronously. Ingestion is never blocked by a
// summary: triggers that fire while a task for the same session is still
// running are skipped, and a failed task only emits a summary_error event.
type Scheduler struct {
	registry   *session.Registry
	hub        *broadcast.Hub
	summarizer Summarizer
	logger     *slog.Logger
	cfg        SchedulerConfig

	mu       sync.Mutex
	inFlight map[string]bool

	wg sync.WaitGroup

	triggered uint64
	skipped   uint64
	applied   uint64
	failed    uint64
}

// NewScheduler creates a scheduler.
func NewScheduler(registry *session.Registry, hub *broadcast.Hub, summarizer Summarizer, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Scheduler{
		registry:   registry,
		hub:        hub,
		summarizer: summarizer,
		logger:     logger,
		cfg:        cfg,
		inFlight:   make(map[string]bool),
	}
}

// cadence returns the final-line interval between summaries for a meeting
// of the given age. Longer meetings summarize less often.
func cadence(elapsed time.Duration) int {
	switch {
	case elapsed <= 30*time.Minute:
		return 5
	case elapsed <= 60*time.Minute:
		return 10
	default:
		return 15
	}
}

// ShouldUpdate reports whether a summary is due at the given final-line
// count for a meeting of the given age.
func ShouldUpdate(finalCount int, elapsed time.Duration) bool {
	if finalCount < minFinalLines {
		return false
	}
	return finalCount%cadence(elapsed) == 0
}

// OnFinalLine is called synchronously after each final transcript line is
// appended, with the session's final count as it was when that line
// landed. Evaluating the append-time count keeps cadence boundaries from
// being skipped when two finals race. When a trigger is due it launches
// one async summarization task unless one is already running for the
// session.
func (s *Scheduler) OnFinalLine(sessionID string, finalCount int) {
	snap, err := s.registry.Get(sessionID)
	if err != nil {
		s.logger.Warn("Summary trigger for unknown session",
			slog.String("session_id", sessionID),
		)
		return
	}

	if !ShouldUpdate(finalCount, snap.Elapsed()) {
		return
	}

	s.mu.Lock()
	if s.inFlight[sessionID] {
		s.skipped++
		s.mu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordSummarySkip()
		}
		s.logger.Debug("Summarization already in flight, skipping trigger",
			slog.String("session_id", sessionID),
			slog.Int("final_count", finalCount),
		)
		return
	}
	s.inFlight[sessionID] = true
	s.triggered++
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSummaryTrigger()
	}

	s.logger.Info("Summary update triggered",
		slog.String("session_id", sessionID),
		slog.Int("final_count", finalCount),
		slog.Int("cadence", cadence(snap.Elapsed())),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearInFlight(sessionID)
		s.run(snap)
	}()
}

// run performs one summarization attempt cycle for the captured snapshot.
func (s *Scheduler) run(snap session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	prevFinals := 0
	if snap.Summary != nil {
		prevFinals = snap.Summary.FinalTranscriptCount
	}
	lines := snap.FinalLinesSince(prevFinals, s.cfg.Window)
	if len(lines) == 0 {
		return
	}

	generation := snap.SummaryGeneration
	start := time.Now()

	result, err := s.summarizer.Summarize(ctx, snap.Summary, lines)
	if err != nil {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordSummaryFailure(time.Since(start).Seconds())
		}

		s.logger.Error("Summarization failed, keeping previous summary",
			slog.String("session_id", snap.ID),
			slog.String("error", err.Error()),
		)
		s.hub.Publish(snap.ID, event.SummaryError(snap.ID, err))
		return
	}

	applyErr := s.registry.Mutate(snap.ID, func(live *session.Session) error {
		// The meeting may have ended or the summary may have moved on
		// while the call was out; a stale result is dropped silently.
		if live.Status != session.StatusActive && live.Status != session.StatusCreated {
			return nil
		}
		if live.SummaryGeneration != generation {
			return nil
		}

		result.LastUpdated = time.Now().UTC()
		result.FinalTranscriptCount = snap.FinalCount
		live.Summary = &result
		live.SummaryGeneration++

		s.hub.Publish(live.ID, event.SummaryGenerated(live.ID, result))
		return nil
	})
	if applyErr != nil {
		s.logger.Warn("Could not apply summary",
			slog.String("session_id", snap.ID),
			slog.String("error", applyErr.Error()),
		)
		return
	}

	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSummarySuccess(time.Since(start).Seconds())
	}

	s.logger.Info("Summary updated",
		slog.String("session_id", snap.ID),
		slog.Int("final_count", snap.FinalCount),
		slog.Int("window_lines", len(lines)),
		slog.Duration("took", time.Since(start)),
	)
}

func (s *Scheduler) clearInFlight(sessionID string) {
	s.mu.Lock()
	delete(s.inFlight, sessionID)
	s.mu.Unlock()
}

// InFlight reports whether a summarization task is currently running for
// the session.
func (s *Scheduler) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[sessionID]
}

// Stop waits for all running summarization tasks to finish.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// SchedulerStats reports scheduler counters for monitoring.
type SchedulerStats struct {
	Triggered uint64 `json:"triggered"`
	Skipped   uint64 `json:"skipped"`
	Applied   uint64 `json:"applied"`
	Failed    uint64 `json:"failed"`
}

// GetStats returns a snapshot of scheduler statistics.
func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Triggered: s.triggered,
		Skipped:   s.skipped,
		Applied:   s.applied,
		Failed:    s.failed,
	}
}
