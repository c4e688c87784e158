// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/archestra/gateway/pkg/provider/bedrock"
)

// ndjsonMaxLine bounds a single NDJSON line. Providers chunk aggressively,
// but a model can emit a very long unbroken token run.
const ndjsonMaxLine = 10 * 1024 * 1024

// FrameScanner splits a provider response stream into its native frames:
// SSE events, NDJSON lines, or Bedrock event-stream messages. FramingJSON
// yields the whole body as a single frame.
type FrameScanner struct {
	framing Framing
	sse     *bufio.Reader
	lines   *bufio.Scanner
	events  *bedrock.Reader
	json    io.Reader
	done    bool

	event string
	data  []byte
	err   error
}

// NewFrameScanner wraps r with the scanner for the given framing.
func NewFrameScanner(framing Framing, r io.Reader) *FrameScanner {
	s := &FrameScanner{framing: framing}
	switch framing {
	case FramingSSE:
		s.sse = bufio.NewReader(r)
	case FramingNDJSON:
		s.lines = bufio.NewScanner(r)
		s.lines.Buffer(make([]byte, 0, 64*1024), ndjsonMaxLine)
	case FramingEventStream:
		s.events = bedrock.NewReader(r)
	default:
		s.json = r
	}
	return s
}

// Next advances to the next frame. It returns false at end of stream or on
// error; Err distinguishes.
func (s *FrameScanner) Next() bool {
	if s.err != nil || s.done {
		return false
	}
	switch s.framing {
	case FramingSSE:
		return s.nextSSE()
	case FramingNDJSON:
		return s.nextNDJSON()
	case FramingEventStream:
		return s.nextEventStream()
	default:
		return s.nextJSON()
	}
}

// Event returns the current frame's event name, empty for framings that do
// not carry one.
func (s *FrameScanner) Event() string {
	return s.event
}

// Data returns the current frame's payload.
func (s *FrameScanner) Data() []byte {
	return s.data
}

// Err returns the first error hit, nil after a clean end of stream.
func (s *FrameScanner) Err() error {
	return s.err
}

// nextSSE reads one server-sent event: "event:" and "data:" lines up to a
// blank line, comments skipped, multiple data lines joined with newlines.
func (s *FrameScanner) nextSSE() bool {
	var event string
	var data []string
	for {
		line, err := s.sse.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.done = true
				if len(data) > 0 || event != "" {
					s.event = event
					s.data = []byte(strings.Join(data, "\n"))
					return true
				}
				return false
			}
			s.err = err
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) == 0 && event == "" {
				continue
			}
			s.event = event
			s.data = []byte(strings.Join(data, "\n"))
			return true
		case strings.HasPrefix(line, ":"):
			continue
		default:
			if value, ok := strings.CutPrefix(line, "event:"); ok {
				event = strings.TrimSpace(value)
			} else if value, ok := strings.CutPrefix(line, "data:"); ok {
				data = append(data, strings.TrimPrefix(value, " "))
			}
		}
	}
}

func (s *FrameScanner) nextNDJSON() bool {
	for s.lines.Scan() {
		line := bytes.TrimSpace(s.lines.Bytes())
		if len(line) == 0 {
			continue
		}
		s.event = ""
		// Scanner reuses its buffer across calls.
		s.data = append([]byte(nil), line...)
		return true
	}
	s.err = s.lines.Err()
	return false
}

func (s *FrameScanner) nextEventStream() bool {
	event, err := s.events.Next()
	if err != nil {
		if err != io.EOF {
			s.err = err
		}
		return false
	}
	s.event = event.Type
	s.data = event.Payload
	return true
}

func (s *FrameScanner) nextJSON() bool {
	s.done = true
	body, err := io.ReadAll(s.json)
	if err != nil {
		s.err = err
		return false
	}
	s.event = ""
	s.data = body
	return true
}

// Chunk is one element of a typed stream.
type Chunk struct {
	// Event is the framing-level event name when the protocol carries one.
	Event string
	// Raw is the provider-native payload.
	Raw []byte
	// Text is the delta extracted from Raw, empty for control frames.
	Text string
}

// extractor pulls the text delta, any usage counts, and the terminal signal
// out of one native stream payload.
type extractor func(event string, payload []byte) (text string, usage *Usage, done bool)

// Stream is a live streaming response. Chunks arrive in upstream order;
// Close cancels the upstream request.
type Stream struct {
	scanner *FrameScanner
	body    io.Closer
	cancel  context.CancelFunc
	extract extractor

	cur   Chunk
	usage Usage
	err   error
	done  bool
}

func newStream(resp *http.Response, cancel context.CancelFunc, framing Framing, extract extractor) *Stream {
	return &Stream{
		scanner: NewFrameScanner(framing, resp.Body),
		body:    resp.Body,
		cancel:  cancel,
		extract: extract,
	}
}

// Next advances to the next chunk. It returns false at end of stream or on
// error; Err distinguishes.
func (s *Stream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	if !s.scanner.Next() {
		s.err = s.scanner.Err()
		s.done = true
		return false
	}
	event := s.scanner.Event()
	data := s.scanner.Data()
	text, usage, done := s.extract(event, data)
	if usage != nil {
		s.usage.Merge(*usage)
	}
	if done {
		s.done = true
		return false
	}
	s.cur = Chunk{Event: event, Raw: data, Text: text}
	return true
}

// Current returns the chunk Next advanced to.
func (s *Stream) Current() Chunk {
	return s.cur
}

// Err returns the first error hit, nil after a clean end of stream.
func (s *Stream) Err() error {
	return s.err
}

// Usage returns the token counts observed so far; complete once Next has
// returned false.
func (s *Stream) Usage() Usage {
	return s.usage
}

// Close cancels the upstream request and releases the connection.
func (s *Stream) Close() error {
	s.done = true
	if s.cancel != nil {
		s.cancel()
	}
	return s.body.Close()
}
