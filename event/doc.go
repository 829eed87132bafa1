// Package event defines the canonical in-memory form of one social-media post
// and the conversions into and out of it.
//
// A RawRecord is one framed JSON line from the upstream stream. Normalize turns
// it into a NormalizedEvent, accepting both the v1.1 status shape
// ("id_str", "user.id_str", "extended_tweet.full_text", Ruby-format
// "created_at") and the v2 envelope shape ("data.id", "data.author_id",
// RFC 3339 "data.created_at"). Records without an id or text are rejected
// with *MalformedRecordError; callers count and drop them.
//
// NormalizedEvent is a value type. Construction copies the raw payload, so an
// event never aliases the decoder's buffers and is never mutated afterwards.
//
// Encode produces the broker message body: the normalized fields plus a
// "raw" member carrying the upstream payload byte-for-byte.
package event
