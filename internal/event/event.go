// Package event defines the normalized events the coordinator fans out
// to session subscribers.
package event

import (
	"time"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/session"
)

// Type identifies an outbound event kind.
type Type string

const (
	TypeSessionCreated   Type = "session_created"
	TypeSessionStarted   Type = "session_started"
	TypeSessionEnded     Type = "session_ended"
	TypeTranscriptUpdate Type = "transcript_update"
	TypeSummaryGenerated Type = "summary_generated"
	TypeSummaryError     Type = "summary_error"
	TypeError            Type = "error"
)

// Event is one normalized update for a session. Every event carries the
// session ID and a timestamp; the payload fields are populated per type.
type Event struct {
	Type      Type      `json:"event"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	Transcript *session.TranscriptLine `json:"transcript,omitempty"`
	Summary    *session.MeetingSummary `json:"summary,omitempty"`
	Session    *session.Info           `json:"session,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func now() time.Time { return time.Now().UTC() }

// SessionCreated builds a session_created event.
func SessionCreated(info session.Info) Event {
	return Event{Type: TypeSessionCreated, SessionID: info.ID, Timestamp: now(), Session: &info}
}

// SessionStarted builds a session_started event.
func SessionStarted(info session.Info) Event {
	return Event{Type: TypeSessionStarted, SessionID: info.ID, Timestamp: now(), Session: &info}
}

// SessionEnded builds a session_ended event.
func SessionEnded(info session.Info) Event {
	return Event{Type: TypeSessionEnded, SessionID: info.ID, Timestamp: now(), Session: &info}
}

// TranscriptUpdate builds a transcript_update event for one line.
func TranscriptUpdate(sessionID string, line session.TranscriptLine) Event {
	return Event{Type: TypeTranscriptUpdate, SessionID: sessionID, Timestamp: now(), Transcript: &line}
}

// SummaryGenerated builds a summary_generated event.
func SummaryGenerated(sessionID string, summary session.MeetingSummary) Event {
	return Event{Type: TypeSummaryGenerated, SessionID: sessionID, Timestamp: now(), Summary: &summary}
}

// SummaryError builds a summary_error event. The stored summary is left
// untouched when summarization fails.
func SummaryError(sessionID string, err error) Event {
	return Event{Type: TypeSummaryError, SessionID: sessionID, Timestamp: now(), Error: err.Error()}
}

// Error builds a generic error event.
func Error(sessionID, message string) Event {
	return Event{Type: TypeError, SessionID: sessionID, Timestamp: now(), Error: message}
}
