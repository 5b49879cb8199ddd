package broadcast_test

import (
	"context"
	"testing"
	"time"

	"portal-backend/internal/broadcast"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tapPayload struct {
	From  string `json:"from"`
	Count int    `json:"count"`
}

func collect(ch chan broadcast.Message) broadcast.Handler {
	return func(msg broadcast.Message) { ch <- msg }
}

func next(t *testing.T, ch chan broadcast.Message) broadcast.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return broadcast.Message{}
	}
}

func none(t *testing.T, ch chan broadcast.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected broadcast %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicForSeparatesFeaturesAndCouples(t *testing.T) {
	assert.Equal(t, broadcast.Topic("couple:c1:tap-war"), broadcast.TopicFor(broadcast.FeatureTapWar, "c1"))
	assert.NotEqual(t, broadcast.TopicFor(broadcast.FeatureTapWar, "c1"), broadcast.TopicFor(broadcast.FeatureDrawing, "c1"))
	assert.NotEqual(t, broadcast.TopicFor(broadcast.FeaturePoke, "c1"), broadcast.TopicFor(broadcast.FeaturePoke, "c2"))
}

func runBusContract(t *testing.T, bus broadcast.Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := broadcast.TopicFor(broadcast.FeatureTapWar, "c1")

	taps := make(chan broadcast.Message, 16)
	all := make(chan broadcast.Message, 16)
	_, err := bus.Subscribe(ctx, topic, broadcast.EventTap, collect(taps))
	require.NoError(t, err)
	unsubscribeAll, err := bus.Subscribe(ctx, topic, "", collect(all))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(ctx, topic, broadcast.EventTap, tapPayload{From: "u1", Count: i}))
	}
	require.NoError(t, bus.Publish(ctx, topic, broadcast.EventGameReset, map[string]string{"from": "u1"}))
	require.NoError(t, bus.Publish(ctx, broadcast.TopicFor(broadcast.FeatureTapWar, "c2"), broadcast.EventTap, tapPayload{From: "x", Count: 9}))

	// ordered per publisher within the topic
	for i := 1; i <= 3; i++ {
		msg := next(t, taps)
		var p tapPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, i, p.Count)
		assert.Equal(t, topic, msg.Topic)
	}
	none(t, taps)

	for i := 0; i < 3; i++ {
		assert.Equal(t, broadcast.EventTap, next(t, all).Event)
	}
	assert.Equal(t, broadcast.EventGameReset, next(t, all).Event)

	unsubscribeAll()
	unsubscribeAll()
	require.NoError(t, bus.Publish(ctx, topic, broadcast.EventGameStart, nil))
	none(t, all)
}

func TestMemoryBus(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	runBusContract(t, bus)
}

func TestMemoryBusContextCancelUnsubscribes(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	topic := broadcast.TopicFor(broadcast.FeaturePoke, "c1")
	ctx, cancel := context.WithCancel(context.Background())

	_, err := bus.Subscribe(ctx, topic, "", func(broadcast.Message) {})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers(topic))

	cancel()
	assert.Eventually(t, func() bool { return bus.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRedisBus(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	runBusContract(t, broadcast.NewRedisBus(client, "portal:"))
}

func runMultiTopicContract(t *testing.T, bus broadcast.Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	taps := broadcast.TopicFor(broadcast.FeatureTapWar, "c1")
	pokes := broadcast.TopicFor(broadcast.FeaturePoke, "c1")

	got := make(chan broadcast.Message, 16)
	unsubscribe, err := bus.SubscribeTopics(ctx, []broadcast.Topic{taps, pokes}, collect(got))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, taps, broadcast.EventTap, tapPayload{From: "u1", Count: 1}))
	require.NoError(t, bus.Publish(ctx, pokes, broadcast.EventPoke, nil))
	require.NoError(t, bus.Publish(ctx, broadcast.TopicFor(broadcast.FeatureDrawing, "c1"), broadcast.EventClear, nil))

	seen := map[broadcast.Topic]string{}
	for i := 0; i < 2; i++ {
		msg := next(t, got)
		seen[msg.Topic] = msg.Event
	}
	assert.Equal(t, map[broadcast.Topic]string{taps: broadcast.EventTap, pokes: broadcast.EventPoke}, seen)
	none(t, got)

	unsubscribe()
	require.NoError(t, bus.Publish(ctx, pokes, broadcast.EventPoke, nil))
	none(t, got)
}

func TestMemoryBusSubscribeTopics(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	runMultiTopicContract(t, bus)
	assert.Zero(t, bus.Subscribers(broadcast.TopicFor(broadcast.FeaturePoke, "c1")))
}

func TestRedisBusSubscribeTopics(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	runMultiTopicContract(t, broadcast.NewRedisBus(client, "portal:"))
}

func TestRedisBusSubscribeTopicsSharesOneConnection(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	before := mr.CurrentConnectionCount()

	features := []broadcast.Feature{
		broadcast.FeatureMood,
		broadcast.FeatureTapWar,
		broadcast.FeaturePoke,
		broadcast.FeatureDrawing,
		broadcast.FeaturePresence,
		broadcast.FeatureProfile,
	}
	topics := make([]broadcast.Topic, len(features))
	for i, f := range features {
		topics[i] = broadcast.TopicFor(f, "c1")
	}

	unsubscribe, err := broadcast.NewRedisBus(client, "portal:").SubscribeTopics(ctx, topics, func(broadcast.Message) {})
	require.NoError(t, err)
	defer unsubscribe()

	assert.Equal(t, before+1, mr.CurrentConnectionCount())
	assert.Len(t, mr.PubSubChannels(""), len(topics))
}
