package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/pkg/timestamp"
)

// RawRecord is one data line received from the upstream stream.
type RawRecord struct {
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// NormalizedEvent is the relay's representation of one post, independent of
// the upstream wire format.
type NormalizedEvent struct {
	ID           string
	CreatedAt    time.Time
	AuthorID     string
	AuthorHandle string
	Text         string
	Truncated    bool
	Language     string
	RawPayload   json.RawMessage
}

// PartitionKey returns the broker ordering key: the author when known,
// otherwise the post itself.
func (e NormalizedEvent) PartitionKey() string {
	if e.AuthorID != "" {
		return e.AuthorID
	}
	return e.ID
}

// URL returns the public permalink of the post, or "" when the author
// handle is unknown.
func (e NormalizedEvent) URL() string {
	if e.AuthorHandle == "" || e.ID == "" {
		return ""
	}
	return fmt.Sprintf("https://twitter.com/%s/status/%s", e.AuthorHandle, e.ID)
}

// MalformedRecordError reports a record that was framed correctly but could
// not be normalized.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match errors.ErrInvalidData.
func (e *MalformedRecordError) Unwrap() error {
	return errors.ErrInvalidData
}

// upstreamRecord covers the fields of both upstream shapes that the relay
// models.
type upstreamRecord struct {
	// v1.1
	ID            json.Number `json:"id"`
	IDStr         string      `json:"id_str"`
	Text          string      `json:"text"`
	FullText      string      `json:"full_text"`
	Truncated     bool        `json:"truncated"`
	CreatedAt     string      `json:"created_at"`
	TimestampMs   json.Number `json:"timestamp_ms"`
	Lang          string      `json:"lang"`
	ExtendedTweet *struct {
		FullText string `json:"full_text"`
	} `json:"extended_tweet"`
	User *struct {
		ID         json.Number `json:"id"`
		IDStr      string      `json:"id_str"`
		ScreenName string      `json:"screen_name"`
	} `json:"user"`

	// v2
	Data     *v2Post `json:"data"`
	Includes *struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
}

type v2Post struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id"`
	CreatedAt string `json:"created_at"`
	Lang      string `json:"lang"`
}

// Normalize extracts the modeled fields from rec.
func Normalize(rec RawRecord) (NormalizedEvent, error) {
	var up upstreamRecord
	if err := json.Unmarshal(rec.Payload, &up); err != nil {
		return NormalizedEvent{}, &MalformedRecordError{Reason: err.Error()}
	}

	var ev NormalizedEvent
	if up.Data != nil {
		ev = fromV2(up)
	} else {
		ev = fromV1(up)
	}

	if ev.ID == "" {
		return NormalizedEvent{}, &MalformedRecordError{Field: "id", Reason: "missing"}
	}
	if ev.Text == "" {
		return NormalizedEvent{}, &MalformedRecordError{Field: "text", Reason: "missing"}
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = rec.ReceivedAt.UTC()
	}
	if ev.Language == "und" {
		ev.Language = ""
	}

	ev.RawPayload = append(json.RawMessage(nil), rec.Payload...)
	return ev, nil
}

func fromV1(up upstreamRecord) NormalizedEvent {
	ev := NormalizedEvent{
		ID:        firstNonEmpty(up.IDStr, up.ID.String()),
		Text:      up.Text,
		Truncated: up.Truncated,
		Language:  up.Lang,
	}

	switch {
	case up.ExtendedTweet != nil && up.ExtendedTweet.FullText != "":
		ev.Text = up.ExtendedTweet.FullText
		ev.Truncated = false
	case up.FullText != "":
		ev.Text = up.FullText
		ev.Truncated = false
	}

	if up.User != nil {
		ev.AuthorID = firstNonEmpty(up.User.IDStr, up.User.ID.String())
		ev.AuthorHandle = up.User.ScreenName
	}

	if t, ok := timestamp.ParseString(up.CreatedAt); ok {
		ev.CreatedAt = t
	} else if t, ok := timestamp.ParseString(up.TimestampMs.String()); ok {
		ev.CreatedAt = t
	}

	return ev
}

func fromV2(up upstreamRecord) NormalizedEvent {
	ev := NormalizedEvent{
		ID:       up.Data.ID,
		Text:     up.Data.Text,
		AuthorID: up.Data.AuthorID,
		Language: up.Data.Lang,
	}
	if t, ok := timestamp.ParseString(up.Data.CreatedAt); ok {
		ev.CreatedAt = t
	}
	if up.Includes != nil {
		for _, u := range up.Includes.Users {
			if u.ID == ev.AuthorID {
				ev.AuthorHandle = u.Username
				break
			}
		}
	}
	// The v2 text is always complete; a trailing ellipsis is content.
	ev.Truncated = false
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
