// Package relay runs the read, normalize, publish loop.
//
// A Supervisor owns one upstream Source and one broker Sink and moves
// through Idle, Starting, Running, Draining and then Stopped or Failed:
//
//	sup, err := relay.NewSupervisor(relay.DefaultConfig(), client, pub, filter, creds,
//	    relay.WithLogger(logger), relay.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	err = sup.Run(ctx) // nil after a clean shutdown, *relay.FatalError otherwise
//
// At most Config.Window publishes are awaiting a broker ack at any time.
// When the window is full the supervisor stops calling NextRecord, so the
// stream client stops reading the socket and TCP flow control pushes back
// on upstream.
//
// Records that fail to normalize are logged and counted as dropped. Event
// IDs are remembered in a bounded LRU set once handed to the publisher, so
// an upstream redelivery is skipped; IDs whose publish failed are removed
// again. A publish that exhausts its retries is dropped and the relay keeps
// going, as is a message the broker refuses on its own merits (too large,
// invalid header). A permission denial, a missing topic or a fatal upstream
// error stops the relay in Failed.
//
// With Config.Limit set the supervisor stops reading once enough tickets
// are in flight to reach it, then drains and stops cleanly after Limit
// publishes. A Mirror set through WithMirror gets every event handed to the
// sink, and a progress line is logged every Config.ProgressInterval.
//
// Cancelling the Run context drains: outstanding tickets get
// Config.DrainTimeout to resolve, anything left is abandoned, and both the
// Source and the Sink are closed exactly once.
package relay
