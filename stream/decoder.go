package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/nelsonaloysio/twython-kafka/errors"
)

// FrameKind discriminates the frames produced by Decoder.
type FrameKind int

const (
	// FrameRecord is a JSON object carrying a post.
	FrameRecord FrameKind = iota
	// FrameKeepAlive is a blank line sent to hold the connection open.
	FrameKeepAlive
	// FrameControl is an upstream notice such as "delete" or "limit".
	FrameControl
	// FrameMalformed is a framed line that is not a JSON object.
	FrameMalformed
)

func (k FrameKind) String() string {
	switch k {
	case FrameRecord:
		return "record"
	case FrameKeepAlive:
		return "keepalive"
	case FrameControl:
		return "control"
	case FrameMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DefaultMaxLineBytes bounds a single upstream line.
const DefaultMaxLineBytes = 1 << 20

// controlKinds are the single-key notices the upstream interleaves with
// posts.
var controlKinds = map[string]bool{
	"delete":          true,
	"scrub_geo":       true,
	"limit":           true,
	"status_withheld": true,
	"user_withheld":   true,
	"disconnect":      true,
	"warning":         true,
}

// Frame is one decoded line. Payload is owned by the frame.
type Frame struct {
	Kind    FrameKind
	Payload json.RawMessage
	// Control names the notice for FrameControl.
	Control string
	// Err describes why a FrameMalformed line was rejected.
	Err error
}

// Decoder splits newline-delimited upstream bytes into frames. A partial
// trailing line is held back and completed by the next chunk. A Decoder is
// not safe for concurrent use and must be Reset when the connection it
// decodes is replaced.
type Decoder struct {
	maxLine    int
	buf        []byte
	discarding bool
}

// NewDecoder creates a decoder that rejects lines longer than maxLineBytes.
// A non-positive value selects DefaultMaxLineBytes.
func NewDecoder(maxLineBytes int) *Decoder {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Decoder{maxLine: maxLineBytes}
}

// Decode appends chunk to the held-back bytes and returns the complete
// lines as frames. Lines not consumed because iteration stopped early are
// returned by the next Decode call.
func (d *Decoder) Decode(chunk []byte) iter.Seq[Frame] {
	d.buf = append(d.buf, chunk...)

	return func(yield func(Frame) bool) {
		defer d.compact()

		for {
			i := bytes.IndexByte(d.buf, '\n')
			if i < 0 {
				break
			}
			line := d.buf[:i]
			d.buf = d.buf[i+1:]

			if d.discarding {
				d.discarding = false
				continue
			}
			frame := d.oversized()
			if len(line) <= d.maxLine {
				frame = classify(line)
			}
			if !yield(frame) {
				return
			}
		}

		if d.discarding {
			d.buf = d.buf[:0]
			return
		}
		if len(d.buf) > d.maxLine {
			d.buf = d.buf[:0]
			d.discarding = true
			yield(d.oversized())
		}
	}
}

func (d *Decoder) oversized() Frame {
	return Frame{
		Kind: FrameMalformed,
		Err:  fmt.Errorf("%w: line exceeds %d bytes", errors.ErrInvalidData, d.maxLine),
	}
}

// Buffered returns the number of held-back bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any held-back partial line.
func (d *Decoder) Reset() {
	d.buf = nil
	d.discarding = false
}

func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = nil
		return
	}
	d.buf = bytes.Clone(d.buf)
}

func classify(line []byte) Frame {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Frame{Kind: FrameKeepAlive}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Frame{Kind: FrameMalformed, Err: fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)}
	}

	payload := bytes.Clone(line)

	if len(fields) == 1 {
		for key := range fields {
			if controlKinds[key] {
				return Frame{Kind: FrameControl, Control: key, Payload: payload}
			}
		}
	}
	if _, hasErrors := fields["errors"]; hasErrors {
		if _, hasData := fields["data"]; !hasData {
			return Frame{Kind: FrameControl, Control: "errors", Payload: payload}
		}
	}

	return Frame{Kind: FrameRecord, Payload: payload}
}
