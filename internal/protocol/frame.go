package protocol

import (
	"errors"
	"fmt"
	"log"

	gjson "github.com/goccy/go-json"
)

var (
	// ErrIncomplete means the buffer does not yet hold a complete object.
	ErrIncomplete = errors.New("protocol: incomplete frame")
	// ErrCorrupt means the head of the buffer can never become a JSON object.
	ErrCorrupt = errors.New("protocol: corrupt frame")
)

// Encode serializes v as a single newline-terminated JSON frame.
func Encode(v any) ([]byte, error) {
	payload, err := gjson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(payload, FrameTerminator), nil
}

// Decoder splits a byte stream into top-level JSON objects. It keeps its
// scan position between writes, so every byte is examined once no matter
// how finely a frame is chunked. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	off int // start of unconsumed bytes; the open frame starts here
	pos int // next byte to scan

	inFrame  bool
	depth    int
	inString bool
	escaped  bool
}

// Write appends stream bytes. p is copied.
func (d *Decoder) Write(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.pos -= d.off
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the bytes not consumed by a decoded frame. The slice is
// only valid until the next Write.
func (d *Decoder) Buffered() []byte {
	return d.buf[d.off:]
}

// Reset drops all buffered bytes and scan state.
func (d *Decoder) Reset() {
	*d = Decoder{buf: d.buf[:0]}
}

// Next returns the next complete object. It returns ErrIncomplete when more
// bytes are needed. On ErrCorrupt the buffer has already been dropped.
func (d *Decoder) Next() (Message, error) {
	msg, err := d.next()
	if errors.Is(err, ErrCorrupt) {
		d.Reset()
	}
	return msg, err
}

// Feed writes p and returns every object now complete, in arrival order.
// Corrupted content cannot be resynchronized without length-prefixed
// framing, so it is dropped together with the rest of the buffer.
func (d *Decoder) Feed(p []byte) []Message {
	d.Write(p)
	return d.drain()
}

func (d *Decoder) drain() []Message {
	var msgs []Message
	for {
		msg, err := d.next()
		switch {
		case err == nil:
			msgs = append(msgs, msg)
		case errors.Is(err, ErrIncomplete):
			return msgs
		default:
			log.Printf("WARN: [FRAME] Dropping %d buffered bytes: %v", len(d.buf)-d.off, err)
			d.Reset()
			return msgs
		}
	}
}

// next leaves the buffer untouched on ErrCorrupt.
func (d *Decoder) next() (Message, error) {
	if !d.inFrame {
		for d.pos < len(d.buf) && isSpace(d.buf[d.pos]) {
			d.pos++
		}
		d.off = d.pos
		if d.pos == len(d.buf) {
			return nil, ErrIncomplete
		}
		if d.buf[d.pos] != '{' {
			return nil, fmt.Errorf("%w: unexpected byte %q", ErrCorrupt, d.buf[d.pos])
		}
		d.inFrame = true
		d.depth, d.inString, d.escaped = 0, false, false
	}

	for ; d.pos < len(d.buf); d.pos++ {
		c := d.buf[d.pos]
		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inString = false
			}
			continue
		}
		switch c {
		case '"':
			d.inString = true
		case '{':
			d.depth++
		case '}':
			d.depth--
			if d.depth == 0 {
				end := d.pos + 1
				var msg Message
				if err := gjson.Unmarshal(d.buf[d.off:end], &msg); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
				}
				if msg == nil {
					msg = Message{}
				}
				d.inFrame = false
				d.pos = end
				d.off = end
				return msg, nil
			}
		}
	}

	if len(d.buf)-d.off > MaxFrameSize {
		return nil, fmt.Errorf("%w: pending frame exceeds %d bytes", ErrCorrupt, MaxFrameSize)
	}
	return nil, ErrIncomplete
}

// Next extracts the first complete top-level JSON object from buf and returns
// it together with the unconsumed remainder. Braces inside string literals
// are not counted. On ErrCorrupt buf is returned unchanged.
func Next(buf []byte) (Message, []byte, error) {
	d := Decoder{buf: buf}
	msg, err := d.next()
	if err != nil && !errors.Is(err, ErrIncomplete) {
		return nil, buf, err
	}
	return msg, d.Buffered(), err
}

// Feed extracts every complete object from an accumulated buffer, in arrival
// order, and returns the bytes that still belong to an unfinished object.
// A corrupted buffer is dropped whole.
func Feed(buf []byte) ([]Message, []byte) {
	d := Decoder{buf: buf}
	msgs := d.drain()
	if len(d.buf) == 0 {
		return msgs, nil
	}
	return msgs, d.Buffered()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
