// Package coordinator wires sessions, transcription links, broadcasting
// and summarization into one facade the HTTP layer talks to. It owns the
// per-session link lifecycle: links are dialed on session start, drained
// on session end and torn down on transport failure, with the session
// status tracking each outcome.
package coordinator
