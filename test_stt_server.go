package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"time"
)

// Mock NDJSON speech-to-text server for local testing. It accepts the
// start/ready handshake, answers every audio frame with an interim and a
// final transcript built from canned phrases, and flushes on stop.

type sttMessage struct {
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

var phrases = []string{
	"thanks everyone for joining today",
	"let's walk through the quarterly numbers",
	"I think we should follow up with the platform team",
	"can someone take the action item on the migration",
	"we agreed to ship the beta by the end of the month",
	"any questions before we move on",
}

var speakers = []string{"alice", "bob", "carol"}

func main() {
	addr := flag.String("addr", ":9090", "TCP listen address")
	delay := flag.Duration("delay", 50*time.Millisecond, "Simulated recognition delay per chunk")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("Mock STT server listening on %s", *addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}
		go handleStream(conn, *delay)
	}
}

func handleStream(conn net.Conn, delay time.Duration) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Printf("[%s] connected", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	// Handshake: expect a start frame first.
	if !scanner.Scan() {
		log.Printf("[%s] closed before handshake", remote)
		return
	}
	var start sttMessage
	if err := json.Unmarshal(scanner.Bytes(), &start); err != nil || start.Type != "start" {
		writeFrame(conn, sttMessage{Type: "error", Message: "expected start frame"})
		return
	}
	log.Printf("[%s] stream started: rate=%d encoding=%s language=%s interim=%v",
		remote, start.SampleRate, start.Encoding, start.Language, start.Interim)
	writeFrame(conn, sttMessage{Type: "ready"})

	chunks := 0
	for scanner.Scan() {
		var msg sttMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			writeFrame(conn, sttMessage{Type: "error", Message: fmt.Sprintf("bad frame: %v", err)})
			return
		}

		switch msg.Type {
		case "audio":
			raw, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				writeFrame(conn, sttMessage{Type: "error", Message: "bad base64 audio"})
				return
			}
			time.Sleep(delay)

			text := phrases[chunks%len(phrases)]
			speaker := speakers[chunks%len(speakers)]
			chunks++

			if start.Interim {
				writeFrame(conn, sttMessage{
					Type:       "transcript",
					Text:       text[:len(text)/2],
					Speaker:    speaker,
					Confidence: 0.62,
				})
			}
			writeFrame(conn, sttMessage{
				Type:       "transcript",
				Text:       text,
				Speaker:    speaker,
				Confidence: 0.94,
				IsFinal:    true,
			})
			log.Printf("[%s] chunk %d (%d bytes) -> %q", remote, chunks, len(raw), text)

		case "stop":
			log.Printf("[%s] stop received after %d chunks, flushing", remote, chunks)
			writeFrame(conn, sttMessage{
				Type:       "transcript",
				Text:       "that's a wrap, talk next week",
				Speaker:    speakers[chunks%len(speakers)],
				Confidence: 0.91,
				IsFinal:    true,
			})
			writeFrame(conn, sttMessage{Type: "stop"})
			return

		default:
			writeFrame(conn, sttMessage{Type: "error", Message: "unknown frame type " + msg.Type})
			return
		}
	}
	log.Printf("[%s] disconnected after %d chunks", remote, chunks)
}

func writeFrame(conn net.Conn, msg sttMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}
