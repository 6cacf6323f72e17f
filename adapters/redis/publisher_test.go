package redis

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewPublisher(t *testing.T) {
	client, _, cleanup := setupTest(t)
	defer cleanup()

	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		opts    []PublisherOption[TestEvent]
		wantErr string
	}{
		{name: "valid configuration", client: client, stream: "bids"},
		{name: "nil client", stream: "bids", wantErr: "redis client cannot be nil"},
		{name: "empty stream", client: client, wantErr: "stream cannot be empty"},
		{
			name:   "with all options",
			client: client,
			stream: "bids",
			opts: []PublisherOption[TestEvent]{
				WithPublisherLogger[TestEvent](slog.Default()),
				WithPublisherBufferSize[TestEvent](10),
				WithPublisherMaxLen[TestEvent](1000),
				WithPublisherFlushTimeout[TestEvent](time.Second),
				WithPublisherEncodeFunc[TestEvent](func(e TestEvent) (map[string]any, error) {
					return map[string]any{"id": e.ID}, nil
				}),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)
			publisher, err := NewPublisher(tt.client, tt.stream, tt.opts...)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				assert.Nil(t, publisher)
				return
			}
			require.NoError(t, err)
			publisher.Close()
		})
	}
}

func TestPublisher_Publish(t *testing.T) {
	t.Run("messages are written in order", func(t *testing.T) {
		client, _ := setupMiniredis(t)
		publisher, err := NewPublisher[TestEvent](client, "bids")
		require.NoError(t, err)
		publisher.Start()

		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, publisher.Publish(ctx, TestEvent{ID: id, Amount: "110"}))
		}
		publisher.Close()

		messages, err := client.XRange(ctx, "bids", "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, messages, 3)
		for i, id := range []string{"a", "b", "c"} {
			event, err := DecodeMessage[TestEvent](messages[i].Values)
			require.NoError(t, err)
			assert.Equal(t, id, event.ID)
		}
	})

	t.Run("max length trimming", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		event := TestEvent{ID: "a"}
		values, err := EncodeMessage(event)
		require.NoError(t, err)
		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "bids",
			MaxLen: 10,
			Approx: true,
			Values: values,
		}).SetVal("1-0")

		publisher, err := NewPublisher(client, "bids", WithPublisherMaxLen[TestEvent](10))
		require.NoError(t, err)
		publisher.Start()
		require.NoError(t, publisher.Publish(context.Background(), event))
		publisher.Close()
	})

	t.Run("publish before start or after close", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		publisher, err := NewPublisher[TestEvent](client, "bids")
		require.NoError(t, err)
		assert.ErrorIs(t, publisher.Publish(context.Background(), TestEvent{}), ErrPublisherClosed)

		publisher.Start()
		publisher.Start()
		publisher.Close()
		publisher.Close()
		assert.ErrorIs(t, publisher.Publish(context.Background(), TestEvent{}), ErrPublisherClosed)
	})

	t.Run("redis errors do not block close", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		event := TestEvent{ID: "a"}
		values, err := EncodeMessage(event)
		require.NoError(t, err)
		mock.ExpectXAdd(&redis.XAddArgs{Stream: "bids", Values: values}).SetErr(redis.ErrClosed)

		publisher, err := NewPublisher[TestEvent](client, "bids")
		require.NoError(t, err)
		publisher.Start()
		require.NoError(t, publisher.Publish(context.Background(), event))
		publisher.Close()
	})
}
