package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topicpresence/internal/clock"
)

func newTestRegistry(opts Options) (*Registry, *fakeTransport, *fakePublisher, *clock.FakeClock) {
	transport := newFakeTransport()
	publisher := &fakePublisher{}
	fake := clock.Fake(epoch)
	opts.Clock = fake
	return NewRegistry(transport, publisher, opts), transport, publisher, fake
}

func TestRegistryEndToEnd(t *testing.T) {
	registry, transport, _, _ := newTestRegistry(Options{})

	registry.Subscribe(42, KindTopic)
	transport.deliverRaw(t, 42, `{"user":{"id":7},"state":"replying"}`)
	assert.Equal(t, []int64{7}, userIDs(registry.Repliers(42)))

	transport.deliverRaw(t, 42, `{"user":{"id":7},"state":"closed"}`)
	assert.Empty(t, registry.Repliers(42))

	registry.Unsubscribe(42, KindTopic)
	assert.Empty(t, registry.Topics())
	assert.False(t, transport.subscribed("presence/42"))
}

func TestRegistryInvalidTopicIsNoop(t *testing.T) {
	registry, transport, publisher, _ := newTestRegistry(Options{})

	registry.Subscribe(0, KindTopic)
	registry.Subscribe(-3, KindTopic)
	registry.Unsubscribe(0, KindTopic)
	require.NoError(t, registry.Publish(context.Background(), 0, StateReplying, false, 0, false))

	assert.Zero(t, transport.subscribes)
	assert.Empty(t, publisher.published())
	assert.Empty(t, registry.Topics())
	assert.NotNil(t, registry.Repliers(0))
	assert.NotNil(t, registry.Editors(0))
}

func TestRegistryUnknownTopicReadsEmpty(t *testing.T) {
	registry, _, _, _ := newTestRegistry(Options{})
	assert.Equal(t, []Entry{}, registry.Repliers(99))
	assert.Equal(t, []Entry{}, registry.Editors(99))
}

func TestRegistryReferenceCountsKinds(t *testing.T) {
	registry, transport, _, fake := newTestRegistry(Options{})

	registry.Subscribe(42, KindTopic)
	registry.Subscribe(42, KindComposer)
	transport.deliver(t, 42, editing(5, 1))

	registry.Unsubscribe(42, KindTopic)
	assert.Equal(t, []int64{42}, registry.Topics())
	assert.Len(t, registry.Editors(42), 1)

	registry.Unsubscribe(42, KindComposer)
	assert.Empty(t, registry.Topics())
	assert.Empty(t, registry.Editors(42))
	assert.Zero(t, fake.Pending())
	assert.Equal(t, 1, transport.subscribes)
	assert.Equal(t, 1, transport.unsubscribes)
}

func TestRegistryUnsubscribeUnknownKindKeepsTracker(t *testing.T) {
	registry, transport, _, _ := newTestRegistry(Options{})
	registry.Subscribe(42, KindTopic)

	registry.Unsubscribe(42, KindComposer)

	assert.Equal(t, []int64{42}, registry.Topics())
	assert.True(t, transport.subscribed("presence/42"))
}

func TestRegistryResubscribeAfterEviction(t *testing.T) {
	registry, transport, _, _ := newTestRegistry(Options{})
	registry.Subscribe(42, KindTopic)
	transport.deliver(t, 42, replying(1))
	registry.Unsubscribe(42, KindTopic)

	registry.Subscribe(42, KindTopic)

	assert.Empty(t, registry.Repliers(42))
	assert.Equal(t, 2, transport.subscribes)
}

func TestRegistryPublishHonoursPreferences(t *testing.T) {
	cases := []struct {
		name      string
		hide      bool
		allowHide bool
		published bool
	}{
		{name: "visible", published: true},
		{name: "hidden but site disallows hiding", hide: true, published: true},
		{name: "site allows hiding but user visible", allowHide: true, published: true},
		{name: "hidden and allowed", hide: true, allowHide: true, published: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registry, _, publisher, _ := newTestRegistry(Options{})
			registry.SetPreferences(tc.hide, tc.allowHide)
			registry.Subscribe(42, KindComposer)

			require.NoError(t, registry.Publish(context.Background(), 42, StateReplying, false, 0, false))
			require.NoError(t, registry.Publish(context.Background(), 43, StateReplying, false, 0, false))

			if tc.published {
				assert.Len(t, publisher.published(), 2)
			} else {
				assert.Empty(t, publisher.published())
			}
		})
	}
}

func TestRegistryPublishUntrackedTopicDoesNotTrackIt(t *testing.T) {
	registry, transport, publisher, _ := newTestRegistry(Options{})

	require.NoError(t, registry.Publish(context.Background(), 7, StateEditing, false, 3, false))

	assert.Equal(t, []Update{{State: StateEditing, TopicID: 7, PostID: 3}}, publisher.published())
	assert.Empty(t, registry.Topics())
	assert.Zero(t, transport.subscribes)
}

func TestRegistryPublishReturnsTransportError(t *testing.T) {
	registry, _, publisher, _ := newTestRegistry(Options{})
	publisher.err = errors.New("offline")

	err := registry.Publish(context.Background(), 42, StateReplying, false, 0, false)
	assert.EqualError(t, err, "offline")
	assert.Len(t, publisher.published(), 1)
}

func TestRegistryCleanUpAll(t *testing.T) {
	registry, transport, publisher, _ := newTestRegistry(Options{})
	publisher.err = errors.New("flaky")
	registry.Subscribe(1, KindComposer)
	registry.Subscribe(2, KindComposer)
	registry.Subscribe(2, KindTopic)

	registry.CleanUpAll(context.Background(), KindComposer)

	assert.Equal(t, []Update{
		{State: StateClosed, TopicID: 1},
		{State: StateClosed, TopicID: 2},
	}, publisher.published())
	assert.Equal(t, []int64{2}, registry.Topics())
	assert.False(t, transport.subscribed("presence/1"))
	assert.True(t, transport.subscribed("presence/2"))
}

func TestRegistryClose(t *testing.T) {
	registry, transport, _, fake := newTestRegistry(Options{})
	registry.Subscribe(1, KindTopic)
	registry.Subscribe(2, KindComposer)
	transport.deliver(t, 1, replying(5))
	transport.deliver(t, 2, editing(6, 1))
	require.Equal(t, 2, fake.Pending())

	registry.Close()

	assert.Empty(t, registry.Topics())
	assert.Zero(t, fake.Pending())
	assert.Empty(t, transport.subs)
	assert.Empty(t, registry.Repliers(1))
}

func TestRegistryOnChange(t *testing.T) {
	var mu sync.Mutex
	var changed []int64
	registry, transport, _, fake := newTestRegistry(Options{OnChange: func(topicID int64) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, topicID)
	}})
	registry.Subscribe(42, KindTopic)

	transport.deliver(t, 42, replying(1))
	fake.Advance(20 * time.Second)
	transport.deliver(t, 42, replying(2))
	registry.Unsubscribe(42, KindTopic)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{42, 42, 42, 42}, changed)
}

func TestRegistryOnChangeMayReadRegistry(t *testing.T) {
	var registry *Registry
	var seen [][]Entry
	registry, transport, _, _ := newTestRegistry(Options{OnChange: func(topicID int64) {
		seen = append(seen, registry.Repliers(topicID))
	}})
	registry.Subscribe(42, KindTopic)

	transport.deliver(t, 42, replying(1))
	registry.Unsubscribe(42, KindTopic)

	require.Len(t, seen, 2)
	assert.Len(t, seen[0], 1)
	assert.Empty(t, seen[1])
}

func TestRegistryReadsDoNotWaitForTransportSubscribe(t *testing.T) {
	transport := newGatedTransport()
	registry := NewRegistry(transport, &fakePublisher{}, Options{Clock: clock.Fake(epoch)})

	subscribed := make(chan struct{})
	go func() {
		registry.Subscribe(42, KindTopic)
		close(subscribed)
	}()
	<-transport.entered

	reads := make(chan struct{})
	go func() {
		registry.Repliers(42)
		registry.Editors(42)
		registry.Topics()
		close(reads)
	}()
	select {
	case <-reads:
	case <-time.After(5 * time.Second):
		t.Fatal("registry reads blocked behind a transport subscribe")
	}
	assert.Equal(t, []int64{42}, registry.Topics())

	close(transport.release)
	<-subscribed
	assert.True(t, transport.subscribed("presence/42"))
}

func TestRegistryFailedSubscribeIsRetried(t *testing.T) {
	registry, transport, _, _ := newTestRegistry(Options{})
	transport.failSubscribes(errors.New("bus down"))
	registry.Subscribe(42, KindTopic)
	assert.False(t, transport.subscribed("presence/42"))

	transport.failSubscribes(nil)
	registry.Subscribe(42, KindComposer)
	assert.True(t, transport.subscribed("presence/42"))
	assert.Equal(t, 2, transport.subscribes)
}
