package session

import (
	"errors"
	"testing"
	"time"
)

func newTestSession() *Session {
	return &Session{
		ID:        "test-session",
		Type:      "manual",
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
}

func TestAppendLineSequencing(t *testing.T) {
	s := newTestSession()

	texts := []string{"hello there", "second line", "and a third"}
	for i, text := range texts {
		line, err := s.AppendLine(text, "alice", 0.9, true)
		if err != nil {
			t.Fatalf("AppendLine %d failed: %v", i, err)
		}
		if line.Sequence != i {
			t.Errorf("Expected sequence %d, got %d", i, line.Sequence)
		}
	}

	if s.TranscriptCount != 3 {
		t.Errorf("Expected transcript count 3, got %d", s.TranscriptCount)
	}

	// Sequence numbers must be gap-free from zero in insertion order.
	for i, l := range s.Transcript {
		if l.Sequence != i {
			t.Errorf("Transcript[%d] has sequence %d", i, l.Sequence)
		}
	}
}

func TestAppendLineCounters(t *testing.T) {
	s := newTestSession()

	s.AppendLine("one two three", "alice", 0.9, true)
	s.AppendLine("interim words here ignored", "bob", 0.5, false)
	s.AppendLine("four five", "bob", 0.8, true)

	if s.TranscriptCount != 3 {
		t.Errorf("Expected 3 transcript lines, got %d", s.TranscriptCount)
	}

	if s.FinalCount != 2 {
		t.Errorf("Expected 2 final lines, got %d", s.FinalCount)
	}

	// Word count covers final lines only.
	if s.WordCount != 5 {
		t.Errorf("Expected word count 5, got %d", s.WordCount)
	}
}

func TestAppendLineDefaultSpeaker(t *testing.T) {
	s := newTestSession()

	line, err := s.AppendLine("no speaker given", "", 0.7, true)
	if err != nil {
		t.Fatalf("AppendLine failed: %v", err)
	}

	if line.Speaker != "unknown" {
		t.Errorf("Expected speaker %q, got %q", "unknown", line.Speaker)
	}
}

func TestAppendLineInvalidStatus(t *testing.T) {
	s := newTestSession()
	s.Start()
	s.End()

	if _, err := s.AppendLine("too late", "alice", 0.9, true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState appending to completed session, got %v", err)
	}
}

func TestAppendTrailingLineAfterCompletion(t *testing.T) {
	s := newTestSession()
	s.Start()
	s.AppendLine("spoken while live", "alice", 0.9, true)
	s.End()

	line, err := s.AppendTrailingLine("closing words", "alice", 0.9, true)
	if err != nil {
		t.Fatalf("AppendTrailingLine failed on completed session: %v", err)
	}
	if line.Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", line.Sequence)
	}
	if s.TranscriptCount != 2 || s.FinalCount != 2 {
		t.Errorf("Expected counts 2/2, got %d/%d", s.TranscriptCount, s.FinalCount)
	}
}

func TestAppendTrailingLineRejectsFailedSession(t *testing.T) {
	s := newTestSession()
	s.Start()
	s.Fail()

	if _, err := s.AppendTrailingLine("too late", "alice", 0.9, true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState appending to failed session, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestSession()

	if err := s.End(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState ending a created session, got %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Status != StatusActive {
		t.Errorf("Expected status %s, got %s", StatusActive, s.Status)
	}
	if s.StartedAt.IsZero() {
		t.Error("Expected StartedAt to be stamped")
	}

	if err := s.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState starting twice, got %v", err)
	}

	if err := s.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Errorf("Expected status %s, got %s", StatusCompleted, s.Status)
	}
	if s.EndedAt.Before(s.StartedAt) {
		t.Error("EndedAt must not be before StartedAt")
	}

	if err := s.End(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState ending twice, got %v", err)
	}
}

func TestFailStampsEnd(t *testing.T) {
	s := newTestSession()
	s.Start()
	s.Fail()

	if s.Status != StatusError {
		t.Errorf("Expected status %s, got %s", StatusError, s.Status)
	}
	if s.EndedAt.IsZero() {
		t.Error("Expected EndedAt stamped on failure of a started session")
	}
	if s.StreamActive {
		t.Error("Expected stream inactive after failure")
	}
}

func TestElapsed(t *testing.T) {
	s := newTestSession()

	if s.Elapsed() != 0 {
		t.Errorf("Expected zero elapsed before start, got %v", s.Elapsed())
	}

	s.Start()
	if s.Elapsed() < 0 {
		t.Errorf("Expected non-negative elapsed while active, got %v", s.Elapsed())
	}

	s.End()
	frozen := s.Elapsed()
	time.Sleep(5 * time.Millisecond)
	if s.Elapsed() != frozen {
		t.Error("Expected elapsed to freeze after end")
	}
}

func TestFinalLinesSince(t *testing.T) {
	s := newTestSession()
	s.AppendLine("final one", "a", 1, true)
	s.AppendLine("interim", "a", 1, false)
	s.AppendLine("final two", "a", 1, true)
	s.AppendLine("final three", "a", 1, true)
	s.AppendLine("final four", "a", 1, true)

	lines := s.FinalLinesSince(1, 0)
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines after skipping 1, got %d", len(lines))
	}
	if lines[0].Text != "final two" {
		t.Errorf("Expected first returned line %q, got %q", "final two", lines[0].Text)
	}

	capped := s.FinalLinesSince(0, 2)
	if len(capped) != 2 {
		t.Fatalf("Expected 2 lines with cap, got %d", len(capped))
	}
	if capped[1].Text != "final four" {
		t.Errorf("Expected most recent line last, got %q", capped[1].Text)
	}
}

func TestCloneIsolation(t *testing.T) {
	s := newTestSession()
	s.Metadata = map[string]string{"title": "standup"}
	s.AppendLine("original", "a", 1, true)
	s.Summary = &MeetingSummary{
		Summary:     "so far",
		ActionItems: []ActionItem{{Task: "ship it", Assignee: "alice"}},
	}

	snap := s.clone()

	s.AppendLine("after snapshot", "a", 1, true)
	s.Metadata["title"] = "changed"
	s.Summary.ActionItems[0].Task = "changed"

	if len(snap.Transcript) != 1 {
		t.Errorf("Snapshot transcript grew with the original: %d lines", len(snap.Transcript))
	}
	if snap.Metadata["title"] != "standup" {
		t.Errorf("Snapshot metadata mutated: %q", snap.Metadata["title"])
	}
	if snap.Summary.ActionItems[0].Task != "ship it" {
		t.Errorf("Snapshot summary mutated: %q", snap.Summary.ActionItems[0].Task)
	}
}

func TestWordCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"one", 1},
		{"one two three", 3},
		{"  spaced   out\twords\n", 3},
	}

	for _, tt := range tests {
		line := TranscriptLine{Text: tt.text}
		if got := line.WordCount(); got != tt.want {
			t.Errorf("WordCount(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
