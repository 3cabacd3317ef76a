// Package audio provides the bounded ingest queue that decouples HTTP
// audio uploads from the streaming link to the transcription provider.
// When the queue is full new chunks are dropped rather than blocking
// the producer.
package audio
