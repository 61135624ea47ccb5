package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// Frame is one decoded event.
type Frame struct {
	Event string
	Data  []byte
}

// Decoder splits a byte stream into frames. Input may arrive in arbitrary
// pieces; a frame is only emitted once its blank line terminator was seen.
type Decoder struct {
	buf []byte
}

// Feed appends p and returns the frames it completed.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)
	var frames []Frame
	for {
		block, rest, ok := cutFrame(d.buf)
		if !ok {
			break
		}
		d.buf = rest
		if frame, ok := parseFrame(block); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Pending reports whether a partial frame is buffered.
func (d *Decoder) Pending() bool {
	return len(bytes.TrimSpace(d.buf)) > 0
}

func cutFrame(buf []byte) ([]byte, []byte, bool) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return nil, buf, false
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return buf[:crlf], buf[crlf+4:], true
	default:
		return buf[:lf], buf[lf+2:], true
	}
}

func parseFrame(block []byte) (Frame, bool) {
	var frame Frame
	var data bytes.Buffer
	hasData := false
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "", strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			hasData = true
		}
	}
	if frame.Event == "" && !hasData {
		return Frame{}, false
	}
	if frame.Event == "" {
		frame.Event = EventMessage
	}
	frame.Data = data.Bytes()
	return frame, true
}

// Reader decodes frames from a streamed body.
type Reader struct {
	r       io.Reader
	dec     Decoder
	pending []Frame
	chunk   []byte
}

// NewReader creates a frame reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: make([]byte, 4096)}
}

// Next returns the next frame or io.EOF once the body is exhausted. A
// truncated trailing frame yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Frame, error) {
	for len(r.pending) == 0 {
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.chunk[:n])...)
		}
		if err != nil {
			if len(r.pending) > 0 {
				break
			}
			if errors.Is(err, io.EOF) && r.dec.Pending() {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	frame := r.pending[0]
	r.pending = r.pending[1:]
	return frame, nil
}
