package transcription

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// wire message types exchanged with an NDJSON speech-to-text server.
// Every message is one JSON object per line.
const (
	msgStart      = "start"
	msgReady      = "ready"
	msgAudio      = "audio"
	msgStop       = "stop"
	msgTranscript = "transcript"
	msgError      = "error"
)

// wireMessage is the superset of all NDJSON frames on the stream.
type wireMessage struct {
	Type       string  `json:"type"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Encoding   string  `json:"encoding,omitempty"`
	Language   string  `json:"language,omitempty"`
	Interim    bool    `json:"interim,omitempty"`
	Data       string  `json:"data,omitempty"`
	Text       string  `json:"text,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// NDJSONProvider speaks newline-delimited JSON over TCP to a streaming
// STT server. The handshake is a start frame answered by a ready frame;
// audio travels as base64 frames and transcripts come back as transcript
// frames.
type NDJSONProvider struct {
	addr string
}

// NewNDJSONProvider creates a provider dialing the given TCP address.
func NewNDJSONProvider(addr string) *NDJSONProvider {
	return &NDJSONProvider{addr: addr}
}

// Connect dials the server and performs the start/ready handshake within
// the context deadline.
func (p *NDJSONProvider) Connect(ctx context.Context, cfg StreamConfig) (Conn, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %s", ErrConnection, p.addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB lines

	start := wireMessage{
		Type:       msgStart,
		SampleRate: cfg.SampleRate,
		Encoding:   cfg.Encoding,
		Language:   cfg.Language,
		Interim:    cfg.Interim,
	}
	if err := writeLine(netConn, start); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: handshake write: %s", ErrConnection, err)
	}

	if !scanner.Scan() {
		netConn.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: handshake read: %s", ErrConnection, err)
		}
		return nil, fmt.Errorf("%w: server closed during handshake", ErrConnection)
	}

	var resp wireMessage
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: handshake decode: %s", ErrConnection, err)
	}
	if resp.Type != msgReady {
		netConn.Close()
		return nil, fmt.Errorf("%w: server refused stream: %s", ErrConnection, resp.Message)
	}

	// Handshake done; the stream itself has no deadline.
	netConn.SetDeadline(time.Time{})

	c := &ndjsonConn{
		conn:    netConn,
		scanner: scanner,
		events:  make(chan Event, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// ndjsonConn is one live NDJSON stream.
type ndjsonConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	events  chan Event
	done    chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	readErr error
	closed  bool
}

// Send forwards one audio chunk as a base64 frame.
func (c *ndjsonConn) Send(chunk []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return writeLine(c.conn, wireMessage{
		Type: msgAudio,
		Data: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CloseSend tells the server no more audio is coming. The server flushes
// any pending final transcripts and closes its side.
func (c *ndjsonConn) CloseSend() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return writeLine(c.conn, wireMessage{Type: msgStop})
}

// Events returns the transcript event stream. The channel closes when
// the server finishes or the transport fails; Err distinguishes the two.
func (c *ndjsonConn) Events() <-chan Event {
	return c.events
}

// Err reports why the event stream ended, nil on a clean shutdown.
func (c *ndjsonConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close tears down the transport. Idempotent.
func (c *ndjsonConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Unblock readLoop if it is mid-send to a reader that went away.
	close(c.done)

	return c.conn.Close()
}

// readLoop decodes incoming frames into events until the stream ends.
func (c *ndjsonConn) readLoop() {
	defer close(c.events)

	for c.scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
			c.setErr(fmt.Errorf("%w: decode event: %s", ErrConnection, err))
			return
		}

		switch msg.Type {
		case msgTranscript:
			select {
			case c.events <- Event{
				Text:       msg.Text,
				Speaker:    msg.Speaker,
				Confidence: msg.Confidence,
				IsFinal:    msg.IsFinal,
			}:
			case <-c.done:
				return
			}
		case msgError:
			c.setErr(fmt.Errorf("%w: server error: %s", ErrConnection, msg.Message))
			return
		case msgStop:
			// Server acknowledged end of stream.
			return
		}
	}

	if err := c.scanner.Err(); err != nil {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.setErr(fmt.Errorf("%w: read event: %s", ErrConnection, err))
		}
	}
}

func (c *ndjsonConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

// writeLine marshals msg and writes it as one newline-terminated frame.
func writeLine(conn net.Conn, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
