//go:build integration

package publisher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/event"
	"github.com/nelsonaloysio/twython-kafka/natsclient"
)

func TestIntegration_PublishToJetStream(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithStream(jetstream.StreamConfig{
		Name:       "INGEST",
		Subjects:   []string{"ingest.twitter.*"},
		Duplicates: time.Minute,
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Partitions = 3
	p, err := New(cfg, tc.Client)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	defer p.Close(ctx)

	ev := post("1001", "42")
	ticket := p.Publish(ctx, ev)
	require.NoError(t, p.Resolve(ctx, ticket))
	assert.Equal(t, "INGEST", ticket.Ack().Stream)

	// Republishing the same event is absorbed by the duplicate window.
	dup := p.Publish(ctx, ev)
	require.NoError(t, p.Resolve(ctx, dup))
	assert.True(t, dup.Ack().Duplicate)

	stored, err := tc.LastMessage(ctx, "INGEST", ticket.Subject)
	require.NoError(t, err)
	assert.Equal(t, "42", stored.Header.Get(KeyHeader))
	assert.Equal(t, "1001", stored.Header.Get(nats.MsgIdHdr))

	decoded, err := event.Decode(stored.Data)
	require.NoError(t, err)
	assert.Equal(t, ev.Text, decoded.Text)
	assert.Equal(t, fmt.Sprintf("ingest.twitter.%d", partitionFor("42", 3)), ticket.Subject)
}

func TestIntegration_StartWithoutStream(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := New(DefaultConfig(), tc.Client)
	require.NoError(t, err)

	err = p.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTopicMissing)
	assert.True(t, errors.IsFatal(err))
}
