package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startBus(t *testing.T) (*Bus[string, int], context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := NewBus[string, int](zap.NewNop())
	require.NoError(t, b.Start(ctx))
	<-b.Ready()
	return b, ctx
}

func receive(t *testing.T, ch <-chan Message[string, int]) Message[string, int] {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message[string, int]{}
	}
}

func TestKeyedSubscription(t *testing.T) {
	b, ctx := startBus(t)
	a := b.Subscribe(ctx, "a")

	go b.Publish(ctx, "b", 1)
	go b.Publish(ctx, "a", 2)

	msg := receive(t, a)
	assert.Equal(t, "a", msg.Key)
	assert.Equal(t, 2, msg.Message)
}

func TestGlobalSubscription(t *testing.T) {
	b, ctx := startBus(t)
	all := b.Subscribe(ctx)

	go b.Publish(ctx, "x", 7)
	msg := receive(t, all)
	assert.Equal(t, "x", msg.Key)
	assert.Equal(t, 7, msg.Message)
}

func TestPublisherBindsKey(t *testing.T) {
	b, ctx := startBus(t)
	ch := b.Subscribe(ctx, "backend")
	pub := b.CreatePublisher("backend")

	go pub(ctx, 42)
	msg := receive(t, ch)
	assert.Equal(t, 42, msg.Message)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b, ctx := startBus(t)
	subCtx, subCancel := context.WithCancel(ctx)
	ch := b.Subscribe(subCtx, "a")
	subCancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel not closed")
	}
}
