package frame

import (
	"bytes"
	"errors"
)

const (
	// Delimiter terminates every message on the stream.
	Delimiter byte = '\n'
	// Escape introduces a two byte sequence for Delimiter or Escape inside a payload.
	Escape byte = 0x1B

	escapedDelimiter byte = 'n'
	escapedEscape    byte = 'e'
)

var (
	ErrFrameTooLarge = errors.New("frame: frame exceeds limit")
	ErrBadEscape     = errors.New("frame: invalid escape sequence")
)

// Limits constrains splitter memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 8 * 1024 * 1024}
}

// EscapePayload rewrites Delimiter and Escape bytes so the result never
// contains a raw Delimiter.
func EscapePayload(p []byte) []byte {
	if bytes.IndexByte(p, Delimiter) < 0 && bytes.IndexByte(p, Escape) < 0 {
		out := make([]byte, len(p))
		copy(out, p)
		return out
	}
	out := make([]byte, 0, len(p)+8)
	for _, b := range p {
		switch b {
		case Delimiter:
			out = append(out, Escape, escapedDelimiter)
		case Escape:
			out = append(out, Escape, escapedEscape)
		default:
			out = append(out, b)
		}
	}
	return out
}

// UnescapePayload reverses EscapePayload.
func UnescapePayload(p []byte) ([]byte, error) {
	if bytes.IndexByte(p, Escape) < 0 {
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	}
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		b := p[i]
		if b != Escape {
			out = append(out, b)
			continue
		}
		if i+1 >= len(p) {
			return nil, ErrBadEscape
		}
		i++
		switch p[i] {
		case escapedDelimiter:
			out = append(out, Delimiter)
		case escapedEscape:
			out = append(out, Escape)
		default:
			return nil, ErrBadEscape
		}
	}
	return out, nil
}

// Encode escapes payload and appends the Delimiter.
func Encode(payload []byte) []byte {
	out := EscapePayload(payload)
	return append(out, Delimiter)
}

// Decode unescapes one frame body. A single trailing Delimiter is tolerated so
// that whole files and websocket messages can be passed as-is.
func Decode(raw []byte) ([]byte, error) {
	raw = bytes.TrimSuffix(raw, []byte{Delimiter})
	return UnescapePayload(raw)
}

// Splitter reassembles delimited frames from arbitrary byte chunks.
type Splitter struct {
	limits Limits
	buf    []byte
	// discarding drops input up to the next Delimiter after an oversized
	// partial frame was thrown away.
	discarding bool
}

func NewSplitter(limits Limits) *Splitter {
	if limits.MaxFrameBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Splitter{limits: limits}
}

// Write appends chunk and returns every frame completed by it, unescaped.
// Frames with invalid escapes are skipped. ErrFrameTooLarge is returned when
// a frame grows past the limit; the frame is dropped through its delimiter
// and later frames are still returned.
func (s *Splitter) Write(chunk []byte) ([][]byte, error) {
	var tooLarge bool
	if s.discarding {
		i := bytes.IndexByte(chunk, Delimiter)
		if i < 0 {
			return nil, nil
		}
		chunk = chunk[i+1:]
		s.discarding = false
	}
	s.buf = append(s.buf, chunk...)
	var frames [][]byte
	for {
		i := bytes.IndexByte(s.buf, Delimiter)
		if i < 0 {
			break
		}
		body := s.buf[:i]
		s.buf = s.buf[i+1:]
		if len(body) == 0 {
			continue
		}
		if len(body) > s.limits.MaxFrameBytes {
			tooLarge = true
			continue
		}
		msg, err := UnescapePayload(body)
		if err != nil {
			continue
		}
		frames = append(frames, msg)
	}
	if len(s.buf) > s.limits.MaxFrameBytes {
		s.buf = nil
		s.discarding = true
		tooLarge = true
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	if tooLarge {
		return frames, ErrFrameTooLarge
	}
	return frames, nil
}

// Pending reports buffered bytes of an incomplete frame.
func (s *Splitter) Pending() int {
	return len(s.buf)
}
