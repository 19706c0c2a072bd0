package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"topicpresence/internal/clock"
)

type subscription struct {
	lastID  int64
	handler Handler
}

type fakeTransport struct {
	mu           sync.Mutex
	subs         map[string]subscription
	subscribes   int
	unsubscribes int
	// subscribeErr fails every Subscribe while set.
	subscribeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]subscription)}
}

func (f *fakeTransport) Subscribe(channel string, lastID int64, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subs[channel] = subscription{lastID: lastID, handler: handler}
	return nil
}

func (f *fakeTransport) failSubscribes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// gatedTransport holds every Subscribe until release is closed, like a slow
// websocket write.
type gatedTransport struct {
	*fakeTransport
	entered chan struct{}
	release chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		fakeTransport: newFakeTransport(),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (g *gatedTransport) Subscribe(channel string, lastID int64, handler Handler) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeTransport.Subscribe(channel, lastID, handler)
}

func (f *fakeTransport) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	delete(f.subs, channel)
	return nil
}

func (f *fakeTransport) subscribed(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[channel]
	return ok
}

// deliver hands msg to the channel's handler, as the bus read loop would.
func (f *fakeTransport) deliver(t *testing.T, topicID int64, msg any) {
	t.Helper()
	f.mu.Lock()
	sub, ok := f.subs[ChannelName(topicID)]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for topic %d", topicID)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	sub.handler(data)
}

func (f *fakeTransport) deliverRaw(t *testing.T, topicID int64, data string) {
	t.Helper()
	f.mu.Lock()
	sub, ok := f.subs[ChannelName(topicID)]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for topic %d", topicID)
	sub.handler([]byte(data))
}

type fakePublisher struct {
	mu      sync.Mutex
	updates []Update
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, update Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return f.err
}

func (f *fakePublisher) published() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Update(nil), f.updates...)
}

func replying(userID int64) Message {
	return Message{User: User{ID: userID, Username: "user"}, State: StateReplying}
}

func editing(userID, postID int64) Message {
	return Message{User: User{ID: userID}, State: StateEditing, PostID: PostID(postID)}
}

func closed(userID int64) Message {
	return Message{User: User{ID: userID}, State: StateClosed}
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, topicID int64, opts Options) (*Tracker, *fakeTransport, *fakePublisher, *clock.FakeClock) {
	t.Helper()
	transport := newFakeTransport()
	publisher := &fakePublisher{}
	fake := clock.Fake(epoch)
	opts.Clock = fake
	tracker := NewTracker(topicID, transport, publisher, opts)
	return tracker, transport, publisher, fake
}

func userIDs(entries []Entry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.User.ID)
	}
	return ids
}
