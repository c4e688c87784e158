// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/provider/bedrock"
)

func collectFrames(t *testing.T, s *FrameScanner) (events []string, payloads []string) {
	t.Helper()
	for s.Next() {
		events = append(events, s.Event())
		payloads = append(payloads, string(s.Data()))
	}
	require.NoError(t, s.Err())
	return events, payloads
}

func TestFrameScanner_SSE(t *testing.T) {
	input := strings.Join([]string{
		": keepalive comment",
		"data: {\"a\":1}",
		"",
		"event: message_delta",
		"data: chunk one",
		"data: chunk two",
		"",
		"",
		"data: {\"b\":2}\r",
		"\r",
	}, "\n")

	s := NewFrameScanner(FramingSSE, strings.NewReader(input))
	events, payloads := collectFrames(t, s)

	assert.Equal(t, []string{"", "message_delta", ""}, events)
	assert.Equal(t, []string{`{"a":1}`, "chunk one\nchunk two", `{"b":2}`}, payloads)
}

func TestFrameScanner_SSE_EmitsPendingEventAtEOF(t *testing.T) {
	s := NewFrameScanner(FramingSSE, strings.NewReader("data: tail without blank line"))
	events, payloads := collectFrames(t, s)

	assert.Equal(t, []string{""}, events)
	assert.Equal(t, []string{"tail without blank line"}, payloads)
}

func TestFrameScanner_NDJSON(t *testing.T) {
	input := "{\"n\":1}\n\n   \n{\"n\":2}\n{\"n\":3}"
	s := NewFrameScanner(FramingNDJSON, strings.NewReader(input))

	var frames [][]byte
	for s.Next() {
		frames = append(frames, s.Data())
	}
	require.NoError(t, s.Err())

	// Frames must stay valid after the scanner moves on.
	require.Len(t, frames, 3)
	assert.Equal(t, `{"n":1}`, string(frames[0]))
	assert.Equal(t, `{"n":2}`, string(frames[1]))
	assert.Equal(t, `{"n":3}`, string(frames[2]))
}

func TestFrameScanner_EventStream(t *testing.T) {
	var wire []byte
	for _, ev := range []struct {
		typ, body string
	}{
		{"messageStart", `{"role":"assistant"}`},
		{"contentBlockDelta", `{"delta":{"text":"hi"}}`},
		{"messageStop", `{"stopReason":"end_turn"}`},
	} {
		frame, err := bedrock.Encode(ev.typ, []byte(ev.body))
		require.NoError(t, err)
		wire = append(wire, frame...)
	}

	s := NewFrameScanner(FramingEventStream, bytes.NewReader(wire))
	events, _ := collectFrames(t, s)
	assert.Equal(t, []string{"messageStart", "contentBlockDelta", "messageStop"}, events)
}

func TestFrameScanner_JSON_OneFrame(t *testing.T) {
	s := NewFrameScanner(FramingJSON, strings.NewReader(`{"whole":"body"}`))
	events, payloads := collectFrames(t, s)

	assert.Equal(t, []string{""}, events)
	assert.Equal(t, []string{`{"whole":"body"}`}, payloads)
}

func testStream(body string, extract extractor) *Stream {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}
	return newStream(resp, func() {}, FramingSSE, extract)
}

func TestStream_MergesUsageFromTerminalFrame(t *testing.T) {
	body := strings.Join([]string{
		"data: one",
		"",
		"data: two",
		"",
		"data: end",
		"",
	}, "\n")

	stream := testStream(body, func(event string, payload []byte) (string, *Usage, bool) {
		if string(payload) == "end" {
			return "", &Usage{InputTokens: 10, OutputTokens: 25}, true
		}
		return string(payload), &Usage{InputTokens: 10, OutputTokens: 5}, false
	})
	defer stream.Close()

	var texts []string
	for stream.Next() {
		texts = append(texts, stream.Current().Text)
	}
	require.NoError(t, stream.Err())

	// The terminal frame is consumed, not yielded, and its counts still land.
	assert.Equal(t, []string{"one", "two"}, texts)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 25}, stream.Usage())
}

func TestStream_UsageKeepsMaximums(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5}
	u.Merge(Usage{InputTokens: 10, OutputTokens: 25})
	u.Merge(Usage{OutputTokens: 7})
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 25}, u)
}

func TestStream_CloseStopsIteration(t *testing.T) {
	canceled := false
	resp := &http.Response{Body: io.NopCloser(strings.NewReader("data: x\n\ndata: y\n\n"))}
	stream := newStream(resp, func() { canceled = true }, FramingSSE, func(event string, payload []byte) (string, *Usage, bool) {
		return string(payload), nil, false
	})

	require.True(t, stream.Next())
	require.NoError(t, stream.Close())
	assert.True(t, canceled)
	assert.False(t, stream.Next())
}
