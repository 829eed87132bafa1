package stream

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nelsonaloysio/twython-kafka/errors"
)

func collect(d *Decoder, chunks ...string) []Frame {
	var frames []Frame
	for _, c := range chunks {
		frames = slices.AppendSeq(frames, d.Decode([]byte(c)))
	}
	return frames
}

func kinds(frames []Frame) []FrameKind {
	out := make([]FrameKind, len(frames))
	for i, f := range frames {
		out[i] = f.Kind
	}
	return out
}

func TestDecoder_Framing(t *testing.T) {
	d := NewDecoder(0)

	frames := collect(d,
		`{"id_str":"1","te`,
		"xt\":\"a\"}\r\n\r\n",
		`{"delete":{"status":{"id":1}}}`+"\n",
		"not json\n",
		`{"id_str":"2","text":"b"}`+"\n{\"id_str\":",
	)

	assert.Equal(t, []FrameKind{FrameRecord, FrameKeepAlive, FrameControl, FrameMalformed, FrameRecord}, kinds(frames))
	assert.JSONEq(t, `{"id_str":"1","text":"a"}`, string(frames[0].Payload))
	assert.Equal(t, "delete", frames[2].Control)
	assert.True(t, stderrors.Is(frames[3].Err, errors.ErrParsingFailed))
	assert.Equal(t, len(`{"id_str":`), d.Buffered())
}

func TestDecoder_ControlKinds(t *testing.T) {
	tests := []struct {
		line    string
		kind    FrameKind
		control string
	}{
		{`{"limit":{"track":1234}}`, FrameControl, "limit"},
		{`{"warning":{"code":"FALLING_BEHIND"}}`, FrameControl, "warning"},
		{`{"disconnect":{"code":7}}`, FrameControl, "disconnect"},
		{`{"status_withheld":{"id":1}}`, FrameControl, "status_withheld"},
		{`{"errors":[{"title":"operational-disconnect"}]}`, FrameControl, "errors"},
		{`{"data":{"id":"1","text":"x"},"errors":[{"title":"partial"}]}`, FrameRecord, ""},
		{`{"limit":{"track":1},"id_str":"5"}`, FrameRecord, ""},
		{`[1,2]`, FrameMalformed, ""},
		{`"string"`, FrameMalformed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			frames := collect(NewDecoder(0), tt.line+"\n")
			require.Len(t, frames, 1)
			assert.Equal(t, tt.kind, frames[0].Kind)
			assert.Equal(t, tt.control, frames[0].Control)
		})
	}
}

func TestDecoder_OversizedLineIsDiscarded(t *testing.T) {
	d := NewDecoder(16)

	frames := collect(d, strings.Repeat("x", 20))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameMalformed, frames[0].Kind)
	assert.Zero(t, d.Buffered())

	// the tail of the oversized line is dropped, the next line survives
	frames = collect(d, "yyyy\n{\"id\":1}\n")
	assert.Equal(t, []FrameKind{FrameRecord}, kinds(frames))
}

func TestDecoder_OversizedCompleteLine(t *testing.T) {
	d := NewDecoder(16)

	frames := collect(d, `{"id_str":"1234567890","text":"way past sixteen bytes"}`+"\n{\"id\":1}\n")
	require.Len(t, frames, 2)
	assert.Equal(t, FrameMalformed, frames[0].Kind)
	assert.Empty(t, frames[0].Payload)
	assert.True(t, stderrors.Is(frames[0].Err, errors.ErrInvalidData))
	assert.Equal(t, FrameRecord, frames[1].Kind)

	// a short partial line completed past the limit by the next chunk
	frames = collect(d, `{"id_str":"12`, `34567890"}`+"\n")
	require.Len(t, frames, 1)
	assert.Equal(t, FrameMalformed, frames[0].Kind)
	assert.Zero(t, d.Buffered())
}

// No frame ever carries more than maxLineBytes of payload.
func TestDecoder_LineLimitProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(8, 64).Draw(t, "limit")
		d := NewDecoder(limit)
		for _, chunk := range rapid.SliceOfN(rapid.StringMatching(`[a-z{}":0-9\n]{0,40}`), 1, 10).Draw(t, "chunks") {
			for f := range d.Decode([]byte(chunk)) {
				if len(f.Payload) > limit {
					t.Fatalf("frame of %d bytes passed limit %d", len(f.Payload), limit)
				}
			}
		}
	})
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder(0)
	assert.Empty(t, collect(d, `{"id_str":"1"`))
	d.Reset()
	assert.Zero(t, d.Buffered())

	frames := collect(d, `{"id_str":"2","text":"x"}`+"\n")
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0].Payload), `"2"`)
}

func TestDecoder_EarlyBreakKeepsRemainingLines(t *testing.T) {
	d := NewDecoder(0)

	for f := range d.Decode([]byte("{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n")) {
		assert.Equal(t, `{"n":1}`, string(f.Payload))
		break
	}

	frames := collect(d, "")
	require.Len(t, frames, 2)
	assert.Equal(t, `{"n":2}`, string(frames[0].Payload))
	assert.Equal(t, `{"n":3}`, string(frames[1].Payload))
}

func TestDecoder_PayloadDoesNotAliasInput(t *testing.T) {
	d := NewDecoder(0)
	buf := []byte("{\"n\":1}\n")
	frames := slices.Collect(d.Decode(buf))
	buf[1] = 'X'
	assert.Equal(t, `{"n":1}`, string(frames[0].Payload))
}

// However the byte stream is cut into chunks, every line comes out whole
// and in order.
func TestDecoder_ChunkingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "records")
		var stream strings.Builder
		var want []string
		for i := 0; i < n; i++ {
			text, _ := json.Marshal(rapid.StringN(0, 40, -1).Draw(t, "text"))
			line := fmt.Sprintf(`{"id_str":"%d","text":%s}`, i, text)
			want = append(want, line)
			stream.WriteString(line)
			if rapid.Bool().Draw(t, "crlf") {
				stream.WriteString("\r")
			}
			stream.WriteString("\n")
			if rapid.Bool().Draw(t, "keepalive") {
				stream.WriteString("\r\n")
			}
		}

		data := stream.String()
		var chunks []string
		for len(data) > 0 {
			size := rapid.IntRange(1, len(data)).Draw(t, "chunk")
			chunks = append(chunks, data[:size])
			data = data[size:]
		}

		d := NewDecoder(0)
		var got []string
		for _, f := range collect(d, chunks...) {
			switch f.Kind {
			case FrameRecord:
				got = append(got, string(f.Payload))
			case FrameKeepAlive:
			default:
				t.Fatalf("unexpected frame %v: %v", f.Kind, f.Err)
			}
		}

		if !slices.Equal(want, got) {
			t.Fatalf("got %v, want %v", got, want)
		}
		if d.Buffered() != 0 {
			t.Fatalf("%d bytes left buffered", d.Buffered())
		}
	})
}
