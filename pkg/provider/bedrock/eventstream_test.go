// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package bedrock

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"delta":{"text":"hi"}}`,
		`{"contentBlockIndex":0,"delta":{"text":"a longer chunk of streamed model output"}}`,
		`{"usage":{"inputTokens":5,"outputTokens":9},"metrics":{"latencyMs":412}}`,
		fmt.Sprintf(`{"delta":{"text":%q}}`, string(bytes.Repeat([]byte("x"), 200))),
	}
	for _, body := range bodies {
		frame, err := Encode("contentBlockDelta", []byte(body))
		require.NoError(t, err)

		declared := binary.BigEndian.Uint32(frame[:4])
		assert.Equal(t, int(declared), len(frame), "declared length must equal frame length")

		var d Decoder
		events, err := d.Feed(frame)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "contentBlockDelta", events[0].Type)
		assert.Equal(t, "event", events[0].MessageType)
		assert.Equal(t, "application/json", events[0].ContentType)
		assert.JSONEq(t, body, string(events[0].Payload))
		assert.Zero(t, d.Buffered())
	}
}

func TestEncodePadsSmallBodies(t *testing.T) {
	body := []byte(`{"delta":{"text":"hi"}}`)
	frame, err := Encode("contentBlockDelta", body)
	require.NoError(t, err)

	// Locate the wire body between the headers and the trailing CRC.
	headersLen := int(binary.BigEndian.Uint32(frame[4:8]))
	wireBody := frame[preludeLen+headersLen : len(frame)-crcLen]

	pad := gjson.GetBytes(wireBody, "p")
	require.True(t, pad.Exists(), "small bodies grow a padding field")
	assert.Equal(t, paddingTarget-len(body)-paddingOverhead, len(pad.String()))
}

func TestEncodeLeavesLargeBodiesAlone(t *testing.T) {
	body := []byte(fmt.Sprintf(`{"delta":{"text":%q}}`, string(bytes.Repeat([]byte("y"), 100))))
	frame, err := Encode("contentBlockDelta", body)
	require.NoError(t, err)

	headersLen := int(binary.BigEndian.Uint32(frame[4:8]))
	wireBody := frame[preludeLen+headersLen : len(frame)-crcLen]
	assert.False(t, gjson.GetBytes(wireBody, "p").Exists())
	assert.Equal(t, body, wireBody)
}

func TestPaddingLength(t *testing.T) {
	cases := []struct {
		bodyLen int
		want    int
	}{
		{0, 62},
		{2, 62},
		{8, 62},
		{9, 61},
		{30, 40},
		{50, 20},
		{69, 1},
		{70, 0},
		{200, 0},
	}
	for _, tc := range cases {
		assert.Len(t, paddingFor(tc.bodyLen), tc.want, "bodyLen=%d", tc.bodyLen)
	}
}

func TestDecoderReassemblesSplitFrames(t *testing.T) {
	first, err := Encode("messageStart", []byte(`{"role":"assistant"}`))
	require.NoError(t, err)
	second, err := Encode("contentBlockDelta", []byte(`{"delta":{"text":"hello"}}`))
	require.NoError(t, err)

	var d Decoder

	// Three bytes of the length prefix are not enough to do anything.
	events, err := d.Feed(first[:3])
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 3, d.Buffered())

	// The rest of frame one plus a sliver of frame two completes one event.
	chunk := append(append([]byte(nil), first[3:]...), second[:5]...)
	events, err = d.Feed(chunk)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "messageStart", events[0].Type)

	events, err = d.Feed(second[5:])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "contentBlockDelta", events[0].Type)
	assert.JSONEq(t, `{"delta":{"text":"hello"}}`, string(events[0].Payload))
	assert.Zero(t, d.Buffered())
}

func TestDecoderEmitsMultipleFramesFromOneFeed(t *testing.T) {
	var wire []byte
	types := []string{"messageStart", "contentBlockDelta", "messageStop", "metadata"}
	for _, typ := range types {
		frame, err := Encode(typ, []byte(`{"n":1}`))
		require.NoError(t, err)
		wire = append(wire, frame...)
	}

	var d Decoder
	events, err := d.Feed(wire)
	require.NoError(t, err)
	require.Len(t, events, len(types))
	for i, typ := range types {
		assert.Equal(t, typ, events[i].Type)
	}
	assert.Zero(t, d.Buffered())
}

func TestDecoderRejectsCorruptedFrames(t *testing.T) {
	frame, err := Encode("metadata", []byte(`{"usage":{"inputTokens":1,"outputTokens":2}}`))
	require.NoError(t, err)

	t.Run("payload corruption breaks the message crc", func(t *testing.T) {
		corrupted := append([]byte(nil), frame...)
		corrupted[len(corrupted)-crcLen-1] ^= 0xff
		var d Decoder
		_, err := d.Feed(corrupted)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "message crc mismatch")
	})

	t.Run("prelude corruption is caught first", func(t *testing.T) {
		corrupted := append([]byte(nil), frame...)
		corrupted[5] ^= 0x01
		var d Decoder
		_, err := d.Feed(corrupted)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prelude crc mismatch")
	})
}

func TestReaderIteratesEvents(t *testing.T) {
	var wire []byte
	for i := 0; i < 3; i++ {
		frame, err := Encode("contentBlockDelta", []byte(fmt.Sprintf(`{"delta":{"text":"part-%d"}}`, i)))
		require.NoError(t, err)
		wire = append(wire, frame...)
	}

	// One byte at a time exercises reassembly across reads.
	r := NewReader(iotest.OneByteReader(bytes.NewReader(wire)))
	for i := 0; i < 3; i++ {
		event, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "contentBlockDelta", event.Type)
		assert.Equal(t, fmt.Sprintf("part-%d", i), gjson.GetBytes(event.Payload, "delta.text").String())
	}
	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderReportsLeftoverBytes(t *testing.T) {
	frame, err := Encode("messageStop", []byte(`{"stopReason":"end_turn"}`))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(frame[:len(frame)-2]))
	_, err = r.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leftover")
}
