package wsocket

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// HeaderLen is the size of the fixed frame header:
// 1 byte type, 4 bytes stream id, 4 bytes payload length, all big-endian.
const HeaderLen = 9

// Codec converts frames to and from websocket message payloads.
// Applications may supply their own through CustomCodecOption; the default is BinaryCodec.
type Codec interface {
	// Decode turns one complete websocket message into a Frame.
	Decode(kind websocket.MessageType, data []byte) (Frame, error)
	// Encode turns a Frame into the bytes of one websocket message.
	Encode(Frame) ([]byte, error)
}

// BinaryCodec implements the fixed-header envelope. Text messages whose first
// byte is '{' are read as the legacy JSON envelope
// {"messageType": <n>, "messageBody": "<text>"}.
type BinaryCodec struct{}

// Decode implements Codec.
func (BinaryCodec) Decode(kind websocket.MessageType, data []byte) (Frame, error) {
	if kind == websocket.MessageText && len(data) > 0 && data[0] == '{' {
		return DecodeJSONFrame(data)
	}
	return DecodeFrame(data)
}

// Encode implements Codec.
func (BinaryCodec) Encode(f Frame) ([]byte, error) {
	return EncodeFrame(f.Type, f.StreamID, f.Payload)
}

// EncodeFrame builds the wire envelope for one frame. The stream id is written
// as zero for non-streaming types.
func EncodeFrame(t MessageType, streamID uint32, payload []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, errors.WithMessagef(ErrMalformedFrame, "encode: unknown type %d", uint8(t))
	}
	if t.IsStreaming() {
		if streamID == 0 {
			return nil, errors.WithMessagef(ErrMalformedFrame, "encode: %s without stream id", t)
		}
	} else {
		streamID = 0
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, errors.WithMessagef(ErrMalformedFrame, "encode: payload of %d bytes", len(payload))
	}

	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], streamID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// DecodeFrame parses one wire envelope. The returned payload does not alias data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < HeaderLen {
		return Frame{}, errors.WithMessagef(ErrMalformedFrame, "short header: %d bytes", len(data))
	}

	t := MessageType(data[0])
	if !t.Valid() {
		return Frame{}, errors.WithMessagef(ErrMalformedFrame, "unknown type %d", data[0])
	}

	streamID := binary.BigEndian.Uint32(data[1:5])
	if t.IsStreaming() && streamID == 0 {
		return Frame{}, errors.WithMessagef(ErrMalformedFrame, "%s without stream id", t)
	}
	if !t.IsStreaming() {
		streamID = 0
	}

	length := uint64(binary.BigEndian.Uint32(data[5:9]))
	remaining := uint64(len(data) - HeaderLen)
	if length > remaining {
		return Frame{}, errors.WithMessagef(ErrMalformedFrame, "payload length %d exceeds remaining %d", length, remaining)
	}
	if length < remaining {
		return Frame{}, errors.WithMessagef(ErrMalformedFrame, "%d trailing bytes", remaining-length)
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderLen:])
	return Frame{Type: t, StreamID: streamID, Payload: payload}, nil
}

// DecodeJSONFrame parses the legacy JSON text envelope. Streaming types are
// rejected since the JSON form has no stream id.
func DecodeJSONFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, errors.WithMessage(ErrMalformedFrame, "invalid json envelope")
	}

	mt := gjson.GetBytes(data, "messageType")
	if mt.Type != gjson.Number || mt.Num != math.Trunc(mt.Num) || mt.Num < 0 || mt.Num > float64(Data) {
		return Frame{}, errors.WithMessagef(ErrMalformedFrame, "json envelope: bad messageType %q", mt.Raw)
	}
	t := MessageType(mt.Int())
	if t.IsStreaming() {
		return Frame{}, errors.WithMessagef(ErrMalformedFrame, "json envelope: %s needs the binary envelope", t)
	}

	body := gjson.GetBytes(data, "messageBody")
	switch {
	case body.Type == gjson.String:
		return Frame{Type: t, Payload: []byte(body.Str)}, nil
	case !body.Exists() && t == HeartBeat:
		return Frame{Type: t, Payload: []byte{}}, nil
	default:
		return Frame{}, errors.WithMessage(ErrMalformedFrame, "json envelope: messageBody must be a string")
	}
}

// EncodeStreamSize builds a StreamStart payload announcing size bytes.
// A negative size means unknown and yields an empty payload.
func EncodeStreamSize(size int64) []byte {
	if size < 0 {
		return []byte{}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(size))
	return buf
}

// DecodeStreamSize reads the size announced by a StreamStart payload, -1 if none.
func DecodeStreamSize(payload []byte) (int64, error) {
	switch len(payload) {
	case 0:
		return -1, nil
	case 8:
		size := binary.BigEndian.Uint64(payload)
		if size > math.MaxInt64 {
			return 0, errors.WithMessagef(ErrMalformedFrame, "stream size %d out of range", size)
		}
		return int64(size), nil
	default:
		return 0, errors.WithMessagef(ErrMalformedFrame, "stream start payload of %d bytes", len(payload))
	}
}
