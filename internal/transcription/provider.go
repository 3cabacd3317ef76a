package transcription

import (
	"context"
	"errors"
	"time"
)

// ErrConnection indicates a provider handshake or transport failure.
// Such failures are scoped to one session and never fatal to the process.
var ErrConnection = errors.New("provider connection error")

// StreamConfig is the fixed audio stream configuration agreed at session
// creation and presented to the provider during handshake.
type StreamConfig struct {
	SampleRate int
	Encoding   string
	Language   string
	Interim    bool
}

// Event is one normalized transcript update from the provider.
type Event struct {
	Text       string
	Speaker    string
	Confidence float64
	IsFinal    bool
}

// Conn is one live stream to the provider. Send forwards an audio chunk.
// CloseSend signals end of audio so the provider can flush trailing
// events; the events channel stays open until the provider finishes.
// Events yields transcript events until the stream ends, after which Err
// reports why (nil on a clean shutdown). Close is idempotent.
type Conn interface {
	Send(chunk []byte) error
	CloseSend() error
	Events() <-chan Event
	Err() error
	Close() error
}

// Provider opens streaming connections to an external STT service.
// Connect must respect ctx for its handshake; a provider that cannot
// complete the handshake within the deadline returns an error wrapping
// ErrConnection.
type Provider interface {
	Connect(ctx context.Context, cfg StreamConfig) (Conn, error)
}

// Defaults applied by the link when the configuration leaves them unset.
const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultDrainTimeout     = 3 * time.Second
)
