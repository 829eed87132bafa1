// Package natsclient wraps the NATS Go client with the connection lifecycle,
// JetStream access and status reporting the relay needs from its broker.
//
// # Connection Lifecycle
//
// A Client is created with an ordered list of server URLs and connected once:
//
//	client, err := natsclient.NewClient([]string{"nats://localhost:4222"},
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// After Connect the underlying nats.Conn reconnects on its own; the client
// tracks the transitions Disconnected → Connecting → Connected ⇄ Reconnecting
// and mirrors them into the broker metrics. Publishing while reconnecting
// fails with a transient error that callers retry.
//
// # JetStream
//
// StreamForSubject resolves which stream captures a subject and reports
// ErrTopicMissing when none does. The client never creates or modifies
// streams. PublishMsg publishes with headers and waits for the stream ack.
//
// # Testing
//
// NewTestClient starts a JetStream-enabled NATS container through
// testcontainers-go and returns a connected client. WithStream creates
// stream fixtures before the test runs.
package natsclient
