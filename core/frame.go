// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package core implements a concurrent WebSocket client engine: a session
// runner that keeps one long-lived connection healthy, a router that fans
// inbound frames out to module inboxes by rule evaluation, and the module
// contracts that application protocols are built on.
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameKind classifies a websocket frame.
type FrameKind uint8

const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

// String satisfies fmt.Stringer.
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	}
	return "unknown"
}

// Control tokens used by the adapted protocol. These are full single-byte
// text frames, not websocket control frames.
const (
	PingToken = "2"
	PongToken = "3"
)

// Frame is one websocket frame. Frames routed to module inboxes are shared;
// modules must not mutate Data.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// TextFrame creates a text Frame from a string.
func TextFrame(s string) *Frame {
	return &Frame{Kind: FrameText, Data: []byte(s)}
}

// TextFramef creates a text Frame from a format string.
func TextFramef(format string, args ...interface{}) *Frame {
	return &Frame{Kind: FrameText, Data: []byte(fmt.Sprintf(format, args...))}
}

// BinaryFrame creates a binary Frame.
func BinaryFrame(b []byte) *Frame {
	return &Frame{Kind: FrameBinary, Data: b}
}

// EventFrame encodes a framed event `<opcode>["<name>",<payload>]`. A nil
// payload produces `<opcode>["<name>"]`.
func EventFrame(opcode int, name string, payload interface{}) (*Frame, error) {
	if payload == nil {
		return TextFramef("%d[%q]", opcode, name), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return TextFramef("%d[%q,%s]", opcode, name, b), nil
}

// IsText is true for text frames.
func (f *Frame) IsText() bool { return f.Kind == FrameText }

// IsBinary is true for binary frames.
func (f *Frame) IsBinary() bool { return f.Kind == FrameBinary }

// Text is the frame payload as a string.
func (f *Frame) Text() string { return string(f.Data) }

// ControlToken returns the single byte of a one-byte text frame.
func (f *Frame) ControlToken() (byte, bool) {
	if f.Kind != FrameText || len(f.Data) != 1 {
		return 0, false
	}
	return f.Data[0], true
}

// EventName parses the event identifier out of a framed event of the form
// `<opcode>["<name>",<payload>]`, where the opcode is a run of digits
// optionally followed by attachment markers such as `451-`.
func (f *Frame) EventName() (string, bool) {
	if f.Kind != FrameText {
		return "", false
	}
	open := bytes.IndexByte(f.Data, '[')
	if open <= 0 {
		return "", false
	}
	digits := 0
	for _, c := range f.Data[:open] {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '-':
		default:
			return "", false
		}
	}
	if digits == 0 {
		return "", false
	}
	rest := f.Data[open+1:]
	if len(rest) < 2 || rest[0] != '"' {
		return "", false
	}
	end := bytes.IndexByte(rest[1:], '"')
	if end < 0 {
		return "", false
	}
	return string(rest[1 : 1+end]), true
}

// EventPayload returns the raw payload of a framed event, i.e. the bytes
// between the event name and the closing bracket. ok is false when the frame
// is not a framed event; a frame with no payload returns ok with nil bytes.
func (f *Frame) EventPayload() ([]byte, bool) {
	name, ok := f.EventName()
	if !ok {
		return nil, false
	}
	open := bytes.IndexByte(f.Data, '[')
	// Skip past `["name"`.
	rest := f.Data[open+1+len(name)+2:]
	if len(rest) == 0 || rest[len(rest)-1] != ']' {
		return nil, false
	}
	rest = rest[:len(rest)-1]
	if len(rest) == 0 {
		return nil, true
	}
	if rest[0] != ',' {
		return nil, false
	}
	return rest[1:], true
}

// announcesBinary reports whether a framed event announces an
// immediately-following binary body, either via an attachment placeholder
// object or by carrying no payload at all.
func (f *Frame) announcesBinary() bool {
	payload, ok := f.EventPayload()
	if !ok {
		return false
	}
	return len(payload) == 0 || bytes.Contains(payload, []byte(`"_placeholder"`))
}

// Preview is a short, loggable rendering of the frame.
func (f *Frame) Preview() string {
	const maxPreview = 96
	switch f.Kind {
	case FrameText:
		if len(f.Data) > maxPreview {
			return fmt.Sprintf("text(%d) %s...", len(f.Data), f.Data[:maxPreview])
		}
		return fmt.Sprintf("text %s", f.Data)
	case FrameBinary:
		return fmt.Sprintf("binary(%d bytes)", len(f.Data))
	default:
		return f.Kind.String()
	}
}
