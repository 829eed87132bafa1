package publisher

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Ticket tracks one in-flight publish. It completes exactly once, with the
// broker ack or an error.
type Ticket struct {
	ID       uuid.UUID
	EventID  string
	Key      string
	Subject  string
	Enqueued time.Time

	msg      *nats.Msg
	attempts atomic.Int32
	done     chan struct{}
	ack      *jetstream.PubAck
	err      error
}

func newTicket(eventID, key, subject string, msg *nats.Msg) *Ticket {
	return &Ticket{
		ID:       uuid.New(),
		EventID:  eventID,
		Key:      key,
		Subject:  subject,
		Enqueued: time.Now(),
		msg:      msg,
		done:     make(chan struct{}),
	}
}

// Done is closed when the ticket has an outcome.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Attempts returns how many publish attempts were made so far.
func (t *Ticket) Attempts() int {
	return int(t.attempts.Load())
}

// Err returns the outcome. It is nil until Done is closed and on success.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Ack returns the broker acknowledgment of a successful publish.
func (t *Ticket) Ack() *jetstream.PubAck {
	select {
	case <-t.done:
		return t.ack
	default:
		return nil
	}
}

func (t *Ticket) finish(ack *jetstream.PubAck, err error) {
	t.ack = ack
	t.err = err
	close(t.done)
}

// PublishError describes a ticket that could not be delivered.
type PublishError struct {
	EventID  string
	Key      string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish event %s (key %s) failed after %d attempts: %v",
		e.EventID, e.Key, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
