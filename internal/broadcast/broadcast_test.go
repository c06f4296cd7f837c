// SPDX-License-Identifier: AGPL-3.0-only
package broadcast

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skigim/nightingale-autosave/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_PublishStampsSourceAndTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel.json")
	ch, err := NewChannel(path, "session-a")
	require.NoError(t, err)

	require.NoError(t, ch.Publish(model.Message{Type: model.MessageDataUpdated, Action: "manual"}))

	msg, err := ch.read()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, model.MessageDataUpdated, msg.Type)
	assert.Equal(t, "session-a", msg.Source)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestChannel_SubscriberReceivesOtherSessionsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel.json")

	publisher, err := NewChannel(path, "session-a")
	require.NoError(t, err)
	subscriber, err := NewChannel(path, "session-b")
	require.NoError(t, err)
	defer subscriber.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := subscriber.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(model.Message{
		Type:   model.MessageDataUpdated,
		Action: "interval",
	}))

	select {
	case msg := <-msgs:
		assert.Equal(t, model.MessageDataUpdated, msg.Type)
		assert.Equal(t, "session-a", msg.Source)
		assert.Equal(t, "interval", msg.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("expected broadcast message after publish")
	}
}

func TestChannel_OwnMessagesAreSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel.json")

	ch, err := NewChannel(path, "session-a")
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, ch.Publish(model.Message{Type: model.MessageDataUpdated}))

	select {
	case msg := <-msgs:
		t.Fatalf("own message must not be delivered, got %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestChannel_SecondSubscribeRejectedWhileActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel.json")
	ch, err := NewChannel(path, "session-a")
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	_, err = ch.Subscribe(ctx)
	assert.Error(t, err, "only one subscription may be active at a time")

	// Once the first subscription ends, the slot frees up again
	cancel()
	select {
	case _, ok := <-msgs:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription channel to close")
	}

	require.Eventually(t, func() bool {
		_, err := ch.Subscribe(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestChannel_SubscribeClosesOnContextDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel.json")
	ch, err := NewChannel(path, "session-a")
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-msgs:
		assert.False(t, ok, "channel must close when the context is done")
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription channel to close")
	}
}
