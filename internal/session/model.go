package session

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a meeting session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// TranscriptLine is a single transcript segment, interim or final.
// Once appended to a session it is immutable; sequence numbers are
// assigned at insertion and never reused.
type TranscriptLine struct {
	Sequence   int       `json:"sequence"`
	Text       string    `json:"text"`
	Speaker    string    `json:"speaker"`
	Confidence float64   `json:"confidence"`
	IsFinal    bool      `json:"is_final"`
	ReceivedAt time.Time `json:"received_at"`
}

// WordCount returns the number of whitespace-separated words in the line.
func (l TranscriptLine) WordCount() int {
	return len(strings.Fields(l.Text))
}

// ActionItem is a single tracked action item within a meeting summary.
type ActionItem struct {
	Task     string `json:"task"`
	Assignee string `json:"assignee"`
	Deadline string `json:"deadline"`
}

// MeetingSummary is the AI-generated rolling summary of a meeting.
// Action items, questions and next steps are cumulative lists that the
// summarization collaborator consolidates across regenerations.
type MeetingSummary struct {
	Summary              string       `json:"summary"`
	ActionItems          []ActionItem `json:"actionItems"`
	Questions            []string     `json:"questions"`
	NextSteps            []string     `json:"nextSteps"`
	LastUpdated          time.Time    `json:"lastUpdated"`
	FinalTranscriptCount int          `json:"finalTranscriptCount"`
}

// Session is the authoritative in-memory record for one meeting.
// All mutation goes through Registry.Mutate, which serializes writers
// per session ID.
type Session struct {
	ID       string            `json:"session_id"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   Status            `json:"status"`

	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
	DurationSeconds int       `json:"duration_seconds"`

	// Transcript is append-only; insertion order equals arrival order.
	Transcript      []TranscriptLine `json:"transcripts"`
	TranscriptCount int              `json:"transcript_count"`
	FinalCount      int              `json:"final_count"`
	WordCount       int              `json:"word_count"`

	Summary *MeetingSummary `json:"meeting_summary,omitempty"`
	// SummaryGeneration increments each time a summary is applied. Async
	// summarization tasks capture it before calling out and discard their
	// result if it changed underneath them.
	SummaryGeneration uint64 `json:"-"`

	StreamActive bool `json:"stream_active"`
}

// AppendLine appends a transcript line, assigning the next sequence
// number and maintaining the derived counters. Lines may be appended
// while the session is Created (externally-sourced transcripts before a
// provider stream is attached) or Active.
func (s *Session) AppendLine(text, speaker string, confidence float64, isFinal bool) (TranscriptLine, error) {
	if s.Status != StatusCreated && s.Status != StatusActive {
		return TranscriptLine{}, fmt.Errorf("session %s is %s: %w", s.ID, s.Status, ErrInvalidState)
	}
	return s.appendLine(text, speaker, confidence, isFinal), nil
}

// AppendTrailingLine appends a line the provider flushed while the stream
// drained after the session ended. Completed sessions still accept these
// so the closing words of a meeting are not lost; failed sessions do not.
func (s *Session) AppendTrailingLine(text, speaker string, confidence float64, isFinal bool) (TranscriptLine, error) {
	if s.Status == StatusError {
		return TranscriptLine{}, fmt.Errorf("session %s is %s: %w", s.ID, s.Status, ErrInvalidState)
	}
	return s.appendLine(text, speaker, confidence, isFinal), nil
}

func (s *Session) appendLine(text, speaker string, confidence float64, isFinal bool) TranscriptLine {
	if speaker == "" {
		speaker = "unknown"
	}

	line := TranscriptLine{
		Sequence:   len(s.Transcript),
		Text:       text,
		Speaker:    speaker,
		Confidence: confidence,
		IsFinal:    isFinal,
		ReceivedAt: time.Now().UTC(),
	}

	s.Transcript = append(s.Transcript, line)
	s.TranscriptCount = len(s.Transcript)

	if isFinal {
		s.FinalCount++
		s.WordCount += line.WordCount()
	}

	return line
}

// Start transitions the session from Created to Active and stamps
// StartedAt exactly once.
func (s *Session) Start() error {
	if s.Status != StatusCreated {
		return fmt.Errorf("cannot start session in status %s: %w", s.Status, ErrInvalidState)
	}

	s.Status = StatusActive
	s.StartedAt = time.Now().UTC()
	if s.StartedAt.Before(s.CreatedAt) {
		s.StartedAt = s.CreatedAt
	}

	return nil
}

// End transitions the session from Active to Completed, stamps EndedAt
// exactly once and computes the final duration.
func (s *Session) End() error {
	if s.Status != StatusActive {
		return fmt.Errorf("cannot end session in status %s: %w", s.Status, ErrInvalidState)
	}

	s.Status = StatusCompleted
	s.EndedAt = time.Now().UTC()
	if s.EndedAt.Before(s.StartedAt) {
		s.EndedAt = s.StartedAt
	}
	s.DurationSeconds = int(s.EndedAt.Sub(s.StartedAt).Seconds())
	s.StreamActive = false

	return nil
}

// Fail moves the session to the Error status from any state. The session
// remains queryable afterwards.
func (s *Session) Fail() {
	s.Status = StatusError
	s.StreamActive = false
	if !s.StartedAt.IsZero() && s.EndedAt.IsZero() {
		s.EndedAt = time.Now().UTC()
		s.DurationSeconds = int(s.EndedAt.Sub(s.StartedAt).Seconds())
	}
}

// Elapsed returns how long the meeting has been running: zero if it has
// not started, wall-clock elapsed while active, final duration once ended.
func (s *Session) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// FinalLinesSince returns the final transcript lines that arrived after
// the first `skip` final lines, capped to the most recent `max` (0 means
// no cap). Used to build the summarization window.
func (s *Session) FinalLinesSince(skip, max int) []TranscriptLine {
	var lines []TranscriptLine
	seen := 0
	for _, l := range s.Transcript {
		if !l.IsFinal {
			continue
		}
		seen++
		if seen > skip {
			lines = append(lines, l)
		}
	}
	if max > 0 && len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines
}

// clone returns a consistent snapshot of the session. The transcript
// slice, metadata map and summary are copied so callers never observe a
// partially-updated session.
func (s *Session) clone() Session {
	out := *s

	out.Transcript = make([]TranscriptLine, len(s.Transcript))
	copy(out.Transcript, s.Transcript)

	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}

	if s.Summary != nil {
		sum := *s.Summary
		sum.ActionItems = append([]ActionItem(nil), s.Summary.ActionItems...)
		sum.Questions = append([]string(nil), s.Summary.Questions...)
		sum.NextSteps = append([]string(nil), s.Summary.NextSteps...)
		out.Summary = &sum
	}

	return out
}

// Info is a lightweight session summary for listings and monitoring APIs.
type Info struct {
	ID              string    `json:"session_id"`
	Type            string    `json:"type"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
	DurationSeconds int       `json:"duration_seconds"`
	TranscriptCount int       `json:"transcript_count"`
	FinalCount      int       `json:"final_count"`
	WordCount       int       `json:"word_count"`
	StreamActive    bool      `json:"stream_active"`
	HasSummary      bool      `json:"has_summary"`
}

// Info builds the listing view of the session.
func (s *Session) Info() Info {
	return Info{
		ID:              s.ID,
		Type:            s.Type,
		Status:          s.Status,
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		TranscriptCount: s.TranscriptCount,
		FinalCount:      s.FinalCount,
		WordCount:       s.WordCount,
		StreamActive:    s.StreamActive,
		HasSummary:      s.Summary != nil,
	}
}
