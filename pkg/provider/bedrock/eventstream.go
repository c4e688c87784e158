// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package bedrock implements the binary AWS event-stream framing used by
// Bedrock streaming responses, plus SigV4 request signing. A frame is
//
//	[4-byte BE total length | 4-byte BE headers length | 4-byte prelude CRC |
//	 headers | payload | 4-byte message CRC]
//
// where both CRCs are IEEE CRC32: the prelude CRC covers the first eight
// bytes, the message CRC covers everything before it. Headers are typed
// name/value pairs; the ones that matter here (:event-type, :message-type,
// :content-type) are all strings.
package bedrock

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/archestra/gateway/pkg/errkind"
)

// Event is one decoded frame.
type Event struct {
	// Type is the :event-type header value.
	Type string
	// MessageType is the :message-type header value, normally "event".
	MessageType string
	// ContentType is the :content-type header value.
	ContentType string
	// Payload is the frame body with the padding field stripped.
	Payload []byte
}

// Wire constants.
const (
	preludeLen = 12
	crcLen     = 4

	// headerTypeString tags a string header value on the wire.
	headerTypeString = 7

	headerEventType   = ":event-type"
	headerMessageType = ":message-type"
	headerContentType = ":content-type"
)

// Padding. Upstream pads every streamed body to at least 80 bytes with a "p"
// field drawn from a 62-character alphabet; the length formula is replicated
// from the upstream implementation, not derived.
const (
	paddingTarget   = 80
	paddingOverhead = 10
	paddingAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// paddingFor returns the "p" value for a body of bodyLen bytes. Empty when
// the body is already long enough.
func paddingFor(bodyLen int) string {
	n := paddingTarget - bodyLen - paddingOverhead
	if n <= 0 {
		return ""
	}
	if n > len(paddingAlphabet) {
		n = len(paddingAlphabet)
	}
	return paddingAlphabet[:n]
}

// Encode frames one event. JSON object payloads shorter than the padding
// target grow a deterministic "p" field first; Decode strips it again.
func Encode(eventType string, payload []byte) ([]byte, error) {
	body := payload
	if isJSONObject(body) {
		if pad := paddingFor(len(body)); pad != "" {
			padded, err := sjson.SetBytes(body, "p", pad)
			if err != nil {
				return nil, errkind.Wrap(errkind.Unknown, "padding event payload", err)
			}
			body = padded
		}
	}

	var headers bytes.Buffer
	writeStringHeader(&headers, headerEventType, eventType)
	writeStringHeader(&headers, headerContentType, "application/json")
	writeStringHeader(&headers, headerMessageType, "event")

	total := preludeLen + headers.Len() + len(body) + crcLen
	frame := make([]byte, 0, total)
	frame = binary.BigEndian.AppendUint32(frame, uint32(total))
	frame = binary.BigEndian.AppendUint32(frame, uint32(headers.Len()))
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
	frame = append(frame, headers.Bytes()...)
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
	return frame, nil
}

func writeStringHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	buf.WriteByte(headerTypeString)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(value)))
	buf.Write(l[:])
	buf.WriteString(value)
}

func isJSONObject(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// decoderState is where the Decoder's buffer stands.
type decoderState int

const (
	// awaitLength means the four-byte total length has not arrived yet.
	awaitLength decoderState = iota
	// awaitBody means the length is known and the buffer is filling up to it.
	awaitBody
)

// Decoder accumulates raw bytes and emits every frame they complete. Frames
// may arrive split at any byte boundary.
type Decoder struct {
	buf   bytes.Buffer
	state decoderState
	need  int
}

// Feed appends raw bytes and returns the events completed by them, in wire
// order.
func (d *Decoder) Feed(p []byte) ([]Event, error) {
	d.buf.Write(p)

	var events []Event
	for {
		switch d.state {
		case awaitLength:
			if d.buf.Len() < 4 {
				return events, nil
			}
			d.need = int(binary.BigEndian.Uint32(d.buf.Bytes()[:4]))
			if d.need < preludeLen+crcLen {
				return events, errkind.Newf(errkind.ServerError, "event stream frame declares impossible length %d", d.need)
			}
			d.state = awaitBody
		case awaitBody:
			if d.buf.Len() < d.need {
				return events, nil
			}
			frame := make([]byte, d.need)
			_, _ = d.buf.Read(frame)
			d.state = awaitLength
			event, err := decodeFrame(frame)
			if err != nil {
				return events, err
			}
			events = append(events, event)
		}
	}
}

// Buffered reports how many bytes sit in the buffer waiting for a complete
// frame. Zero at end of stream means the input was exactly whole frames.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// decodeFrame parses one complete frame, validating both CRCs.
func decodeFrame(frame []byte) (Event, error) {
	totalLen := int(binary.BigEndian.Uint32(frame[0:4]))
	headersLen := int(binary.BigEndian.Uint32(frame[4:8]))
	preludeCRC := binary.BigEndian.Uint32(frame[8:12])
	if got := crc32.ChecksumIEEE(frame[:8]); got != preludeCRC {
		return Event{}, errkind.Newf(errkind.ServerError, "event stream prelude crc mismatch: got %08x want %08x", got, preludeCRC)
	}
	if totalLen != len(frame) || preludeLen+headersLen+crcLen > totalLen {
		return Event{}, errkind.Newf(errkind.ServerError, "event stream frame length mismatch: declared %d", totalLen)
	}
	messageCRC := binary.BigEndian.Uint32(frame[totalLen-crcLen:])
	if got := crc32.ChecksumIEEE(frame[:totalLen-crcLen]); got != messageCRC {
		return Event{}, errkind.Newf(errkind.ServerError, "event stream message crc mismatch: got %08x want %08x", got, messageCRC)
	}

	event := Event{}
	headers := frame[preludeLen : preludeLen+headersLen]
	for len(headers) > 0 {
		name, value, rest, err := readHeader(headers)
		if err != nil {
			return Event{}, err
		}
		headers = rest
		switch name {
		case headerEventType:
			event.Type = value
		case headerMessageType:
			event.MessageType = value
		case headerContentType:
			event.ContentType = value
		}
	}

	body := frame[preludeLen+headersLen : totalLen-crcLen]
	event.Payload = stripPadding(body)
	return event, nil
}

// readHeader consumes one header from b. Only string headers appear in
// Bedrock streams; anything else is a framing error.
func readHeader(b []byte) (name, value string, rest []byte, err error) {
	if len(b) < 1 {
		return "", "", nil, errkind.New(errkind.ServerError, "event stream header truncated")
	}
	nameLen := int(b[0])
	b = b[1:]
	if len(b) < nameLen+1 {
		return "", "", nil, errkind.New(errkind.ServerError, "event stream header name truncated")
	}
	name = string(b[:nameLen])
	valueType := b[nameLen]
	b = b[nameLen+1:]
	if valueType != headerTypeString {
		return "", "", nil, errkind.Newf(errkind.ServerError, "event stream header %q has unsupported type %d", name, valueType)
	}
	if len(b) < 2 {
		return "", "", nil, errkind.New(errkind.ServerError, "event stream header value truncated")
	}
	valueLen := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < valueLen {
		return "", "", nil, errkind.New(errkind.ServerError, "event stream header value truncated")
	}
	return name, string(b[:valueLen]), b[valueLen:], nil
}

// stripPadding removes the "p" field Encode (and upstream) add to small JSON
// bodies. Non-JSON bodies pass through untouched.
func stripPadding(body []byte) []byte {
	if !isJSONObject(body) || !gjson.GetBytes(body, "p").Exists() {
		out := make([]byte, len(body))
		copy(out, body)
		return out
	}
	stripped, err := sjson.DeleteBytes(body, "p")
	if err != nil {
		out := make([]byte, len(body))
		copy(out, body)
		return out
	}
	return stripped
}

// Reader adapts a byte stream to an event iterator for the typed client
// path.
type Reader struct {
	r   io.Reader
	d   Decoder
	q   []Event
	err error
}

// NewReader wraps r, normally an HTTP response body.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next event, io.EOF at a clean end of stream, and an error
// when the stream ends mid-frame or a frame fails validation.
func (r *Reader) Next() (Event, error) {
	for len(r.q) == 0 {
		if r.err != nil {
			return Event{}, r.err
		}
		chunk := make([]byte, 4096)
		n, err := r.r.Read(chunk)
		if n > 0 {
			events, decodeErr := r.d.Feed(chunk[:n])
			r.q = append(r.q, events...)
			if decodeErr != nil {
				r.err = decodeErr
			}
		}
		if err == io.EOF {
			if r.d.Buffered() > 0 && r.err == nil {
				r.err = errkind.Newf(errkind.ServerError, "event stream ended mid-frame with %d leftover bytes", r.d.Buffered())
			} else if r.err == nil {
				r.err = io.EOF
			}
		} else if err != nil && r.err == nil {
			r.err = err
		}
	}
	event := r.q[0]
	r.q = r.q[1:]
	return event, nil
}
