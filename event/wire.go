package event

import (
	"encoding/json"
	"time"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/pkg/timestamp"
)

// ContentType is the media type of an encoded event.
const ContentType = "application/json"

type wireEvent struct {
	ID           string          `json:"id"`
	CreatedAt    string          `json:"created_at"`
	AuthorID     string          `json:"author_id,omitempty"`
	AuthorHandle string          `json:"author_handle,omitempty"`
	Text         string          `json:"text"`
	Truncated    bool            `json:"truncated,omitempty"`
	Language     string          `json:"lang,omitempty"`
	URL          string          `json:"url,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Encode serializes e as the broker message body.
//
// The raw payload is appended verbatim instead of going through
// json.Marshal, which would compact and HTML-escape it.
func Encode(e NormalizedEvent) ([]byte, error) {
	body, err := json.Marshal(wireEvent{
		ID:           e.ID,
		CreatedAt:    timestamp.Format(e.CreatedAt),
		AuthorID:     e.AuthorID,
		AuthorHandle: e.AuthorHandle,
		Text:         e.Text,
		Truncated:    e.Truncated,
		Language:     e.Language,
		URL:          e.URL(),
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "event", "Encode", "marshal fields")
	}
	if len(e.RawPayload) == 0 {
		return body, nil
	}
	if !json.Valid(e.RawPayload) {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "event", "Encode", "validate raw payload")
	}

	out := make([]byte, 0, len(body)+len(e.RawPayload)+8)
	out = append(out, body[:len(body)-1]...)
	out = append(out, `,"raw":`...)
	out = append(out, e.RawPayload...)
	out = append(out, '}')
	return out, nil
}

// Decode parses a broker message body produced by Encode.
func Decode(data []byte) (NormalizedEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return NormalizedEvent{}, errors.WrapInvalid(err, "event", "Decode", "unmarshal message")
	}
	if w.ID == "" {
		return NormalizedEvent{}, &MalformedRecordError{Field: "id", Reason: "missing"}
	}

	var created time.Time
	if w.CreatedAt != "" {
		t, ok := timestamp.ParseString(w.CreatedAt)
		if !ok {
			return NormalizedEvent{}, &MalformedRecordError{Field: "created_at", Reason: "unparseable"}
		}
		created = t
	}

	return NormalizedEvent{
		ID:           w.ID,
		CreatedAt:    created,
		AuthorID:     w.AuthorID,
		AuthorHandle: w.AuthorHandle,
		Text:         w.Text,
		Truncated:    w.Truncated,
		Language:     w.Language,
		RawPayload:   w.Raw,
	}, nil
}
