// Package postrelay streams filtered social media posts into NATS JetStream.
//
// The relay holds one long-lived connection to the upstream streaming API,
// turns every delivered post into a normalized event and publishes it to a
// JetStream subject. Posts from the same author always land on the same
// partition subject, so per-author order survives the trip.
//
// # Architecture
//
//	upstream API ──► stream.Client ──► relay.Supervisor ──► publisher.Publisher ──► JetStream
//	                 (auth, filter,     (window, dedup,      (per-partition lanes,
//	                  reconnect,         lifecycle,            retry, ack tracking)
//	                  framing)           health)
//
// The supervisor keeps a bounded window of publishes awaiting a broker ack.
// When the window is full it stops reading, and the stream client stops
// draining the socket, so backpressure reaches upstream through TCP.
//
// # Packages
//
// Core:
//   - stream: upstream connection, authentication, filter encoding and record framing
//   - event: normalization and the versioned wire encoding
//   - publisher: keyed, retrying JetStream publisher with per-partition ordering
//   - relay: supervisor lifecycle, backpressure window, duplicate suppression
//
// Infrastructure:
//   - config: layered JSON/YAML configuration with schema validation and env overrides
//   - natsclient: NATS connection management and JetStream access
//   - metric: Prometheus registry and the /metrics and /health server
//   - health: component health status and aggregation
//   - errors: error classification (transient, fatal, invalid)
//   - pkg/retry: exponential backoff with jitter
//   - pkg/cache: bounded LRU used for duplicate suppression
//   - pkg/tlsutil: client TLS for the broker connection
//   - pkg/timestamp: millisecond timestamps
//
// # Running
//
//	postrelay -b nats://localhost:4222 -t ingest.twitter -q golang,nats -k $KEY -s $SECRET
//
// Exit codes: 0 after a clean shutdown, 1 on an unexpected failure, 2 on a
// usage or configuration error, 3 when the relay stopped on a fatal error.
package postrelay
