// Package transcription manages the streaming link between a session and
// an external speech-to-text provider. A Link owns one connection with a
// dedicated sender loop pumping queued audio out and a receiver loop
// normalizing provider events. Provider adapters are swappable behind the
// Provider interface; the NDJSON-over-TCP adapter is the default.
package transcription
