// Package publisher writes normalized events to a NATS JetStream subject
// with at-least-once delivery.
//
// Every event becomes one message: the JSON body produced by event.Encode,
// the partition key in the Relay-Partition-Key header, and the event ID in
// Nats-Msg-Id so the stream's duplicate window absorbs redeliveries caused
// by retries. With Partitions > 1 the subject is "<topic>.<n>" where n is
// the FNV-1a hash of the key modulo Partitions.
//
// Publish never waits for the broker. It returns a *Ticket that a caller
// resolves later:
//
//	ticket := pub.Publish(ctx, ev)
//	if err := pub.Resolve(ctx, ticket); err != nil {
//		switch {
//		case errors.IsFatal(err):
//			// topic gone or permission denied; nothing else will publish
//		case errors.IsInvalid(err):
//			// this message was refused, e.g. too large; later ones may pass
//		case stderrors.Is(err, errors.ErrMaxRetriesExceeded):
//			// dropped after retries
//		}
//	}
//
// Transient failures are retried in place by the ticket's lane, so a later
// event with the same key is not sent before an earlier one resolves.
package publisher
