package wsocket

import (
	"fmt"

	"nhooyr.io/websocket"
)

// MessageType tags every frame exchanged over a session.
// The numeric values are part of the wire format.
type MessageType uint8

// Message types, in wire order.
const (
	Raw MessageType = iota
	Hello
	HeartBeat
	StreamStart
	Streaming
	StreamEnd
	String
	Data
)

var messageTypeNames = [...]string{
	Raw:         "Raw",
	Hello:       "Hello",
	HeartBeat:   "HeartBeat",
	StreamStart: "StreamStart",
	Streaming:   "Streaming",
	StreamEnd:   "StreamEnd",
	String:      "String",
	Data:        "Data",
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	return t <= Data
}

// IsStreaming reports whether frames of this type carry a stream id.
func (t MessageType) IsStreaming() bool {
	return t == StreamStart || t == Streaming || t == StreamEnd
}

// Kind returns the websocket message kind used to carry frames of this type.
// String frames travel as text messages, everything else as binary.
func (t MessageType) Kind() websocket.MessageType {
	if t == String {
		return websocket.MessageText
	}
	return websocket.MessageBinary
}

func (t MessageType) String() string {
	if t.Valid() {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Frame is one decoded protocol unit.
// StreamID is only meaningful for the streaming types and is zero otherwise.
type Frame struct {
	Type     MessageType
	StreamID uint32
	Payload  []byte
}

// Length returns the payload length.
func (f Frame) Length() int {
	return len(f.Payload)
}

func (f Frame) String() string {
	if f.Type.IsStreaming() {
		return fmt.Sprintf("%s#%d(%d bytes)", f.Type, f.StreamID, len(f.Payload))
	}
	return fmt.Sprintf("%s(%d bytes)", f.Type, len(f.Payload))
}
