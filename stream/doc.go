// Package stream consumes the upstream real-time post stream.
//
// Client owns one long-lived HTTP streaming request. Connect sends the
// FilterSpec as a form-encoded POST with a bearer token from the
// CredentialSet (exchanging client credentials for an app-only token when
// needed) and returns once response headers arrive. NextRecord then pulls
// one data record at a time:
//
//	c, _ := stream.NewClient(stream.DefaultConfig(), stream.WithLogger(logger))
//	if err := c.Connect(ctx, filter, creds); err != nil {
//	    return err // fatal: bad credentials or rejected filter
//	}
//	for {
//	    rec, err := c.NextRecord(ctx)
//	    ...
//	}
//
// A reader goroutine per connection copies body bytes to NextRecord through
// an unbuffered channel, so a caller that stops pulling also stops socket
// reads. Dropped connections (EOF, read errors, no bytes within
// StallTimeout) are re-established transparently with exponential backoff
// and jitter; HTTP 420/429 responses use the longer rate-limit policy and
// rotate to the next credential. Authentication and filter rejections are
// fatal: the client stays disconnected and returns the same error forever.
//
// Decoder frames the body into records, keep-alives, control notices and
// malformed lines, holding partial lines across reads.
package stream
