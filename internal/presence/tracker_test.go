package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeOpensChannelOnce(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})

	tracker.Subscribe(KindTopic)
	tracker.Subscribe(KindComposer)
	tracker.Subscribe(KindTopic)

	assert.Equal(t, 1, transport.subscribes)
	assert.Equal(t, ReplayFromID, transport.subs["presence/42"].lastID)
	assert.Equal(t, 2, tracker.Kinds())
}

func TestSubscribeInvalidTopicIsNoop(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 0, Options{})
	tracker.Subscribe(KindTopic)
	assert.Zero(t, transport.subscribes)
	assert.Zero(t, tracker.Kinds())
}

func TestKindsAreASet(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})

	tracker.Subscribe(KindTopic)
	tracker.Subscribe(KindTopic)
	assert.True(t, tracker.Unsubscribe(KindTopic))
	assert.False(t, transport.subscribed("presence/42"))
}

func TestUnsubscribeKeepsChannelWhileKindsRemain(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)
	tracker.Subscribe(KindComposer)
	transport.deliver(t, 42, replying(7))

	assert.False(t, tracker.Unsubscribe(KindComposer))
	assert.True(t, transport.subscribed("presence/42"))
	assert.Len(t, tracker.Repliers(), 1)
}

func TestEditingRefreshKeepsSingleEntry(t *testing.T) {
	tracker, transport, _, fake := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	for i := 0; i < 5; i++ {
		transport.deliver(t, 42, editing(7, 100))
		fake.Advance(time.Second)
	}
	last := fake.Now()
	transport.deliver(t, 42, editing(7, 100))

	editors := tracker.Editors()
	require.Len(t, editors, 1)
	assert.Equal(t, int64(7), editors[0].User.ID)
	assert.Equal(t, int64(100), editors[0].PostID)
	assert.Equal(t, last, editors[0].LastSeen)
}

func TestEditingDistinctPostsAreDistinctEntries(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, editing(7, 100))
	transport.deliver(t, 42, editing(7, 101))

	assert.Len(t, tracker.Editors(), 2)
}

func TestRefreshReplacesUserAttributes(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, Message{User: User{ID: 7, Name: "Old"}, State: StateReplying})
	transport.deliver(t, 42, Message{User: User{ID: 7, Name: "New"}, State: StateReplying})

	repliers := tracker.Repliers()
	require.Len(t, repliers, 1)
	assert.Equal(t, "New", repliers[0].User.Name)
}

func TestDisplayLimitDropsOnlyNewEntries(t *testing.T) {
	tracker, transport, _, fake := newTestTracker(t, 42, Options{DisplayLimit: 3})
	tracker.Subscribe(KindTopic)

	for id := int64(1); id <= 4; id++ {
		transport.deliver(t, 42, replying(id))
	}
	assert.Equal(t, []int64{1, 2, 3}, userIDs(tracker.Repliers()))

	fake.Advance(time.Second)
	transport.deliver(t, 42, replying(2))
	repliers := tracker.Repliers()
	assert.Equal(t, []int64{1, 2, 3}, userIDs(repliers))
	assert.Equal(t, fake.Now(), repliers[1].LastSeen)
}

func TestEditingLimitIsScopedToPost(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{DisplayLimit: 1})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, editing(1, 100))
	transport.deliver(t, 42, editing(2, 100))
	transport.deliver(t, 42, editing(2, 200))

	editors := tracker.Editors()
	assert.Equal(t, []int64{1, 2}, userIDs(editors))
	assert.Equal(t, int64(100), editors[0].PostID)
	assert.Equal(t, int64(200), editors[1].PostID)
}

func TestClosedRemovesUserFromBothLists(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, replying(7))
	transport.deliver(t, 42, editing(7, 100))
	transport.deliver(t, 42, editing(7, 101))
	transport.deliver(t, 42, replying(8))

	transport.deliver(t, 42, closed(7))

	assert.Equal(t, []int64{8}, userIDs(tracker.Repliers()))
	assert.Empty(t, tracker.Editors())
}

func TestClosedForUnknownUserChangesNothing(t *testing.T) {
	changes := 0
	tracker, transport, _, _ := newTestTracker(t, 42, Options{OnChange: func(int64) { changes++ }})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, closed(9))
	assert.Zero(t, changes)
	assert.False(t, tracker.sweepPending())
}

func TestSelfMessagesIgnored(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{CurrentUserID: 7})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, replying(7))
	transport.deliver(t, 42, editing(7, 100))

	assert.Empty(t, tracker.Repliers())
	assert.Empty(t, tracker.Editors())
}

func TestMalformedMessagesIgnored(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	transport.deliverRaw(t, 42, `not json`)
	transport.deliverRaw(t, 42, `{"user":{"id":7},"state":"typing"}`)
	transport.deliverRaw(t, 42, `{"user":{"id":7},"state":"editing"}`)
	transport.deliverRaw(t, 42, `{"user":{"id":7},"state":"editing","post_id":"abc"}`)
	transport.deliverRaw(t, 42, `{"state":"replying"}`)

	assert.Empty(t, tracker.Repliers())
	assert.Empty(t, tracker.Editors())
	assert.False(t, tracker.sweepPending())
}

func TestPostIDAcceptsStrings(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	transport.deliverRaw(t, 42, `{"user":{"id":7},"state":"editing","post_id":"123"}`)
	transport.deliverRaw(t, 42, `{"user":{"id":7},"state":"editing","post_id":123}`)

	editors := tracker.Editors()
	require.Len(t, editors, 1)
	assert.Equal(t, int64(123), editors[0].PostID)
}

func TestSweepExpiresStaleEntries(t *testing.T) {
	tracker, transport, _, fake := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, replying(1))
	transport.deliver(t, 42, replying(2))

	// Keep user 2 alive just inside the window.
	fake.Advance(10 * time.Second)
	transport.deliver(t, 42, replying(2))

	// User 1 is now 14s old, past keep-alive plus buffer.
	fake.Advance(4 * time.Second)
	assert.Equal(t, []int64{2}, userIDs(tracker.Repliers()))
	assert.True(t, tracker.sweepPending())

	fake.Advance(10 * time.Second)
	assert.Empty(t, tracker.Repliers())
	assert.False(t, tracker.sweepPending())
	assert.Zero(t, fake.Pending())
}

func TestEntryOnTheWindowEdgeSurvives(t *testing.T) {
	tracker, transport, _, fake := newTestTracker(t, 42, Options{SweepInterval: 12 * time.Second})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, editing(1, 5))
	fake.Advance(12 * time.Second)
	assert.Len(t, tracker.Editors(), 1)

	fake.Advance(12 * time.Second)
	assert.Empty(t, tracker.Editors())
}

func TestSingleTimerPerTracker(t *testing.T) {
	tracker, transport, _, fake := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, replying(1))
	transport.deliver(t, 42, replying(2))
	transport.deliver(t, 42, editing(3, 9))

	assert.Equal(t, 1, fake.Pending())
}

func TestClosedLastEntryStopsTimer(t *testing.T) {
	tracker, transport, _, fake := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)

	transport.deliver(t, 42, replying(1))
	require.True(t, tracker.sweepPending())
	transport.deliver(t, 42, closed(1))

	assert.False(t, tracker.sweepPending())
	assert.Zero(t, fake.Pending())
}

func TestUnsubscribeLastKindClearsEverything(t *testing.T) {
	changes := 0
	tracker, transport, _, fake := newTestTracker(t, 42, Options{OnChange: func(int64) { changes++ }})
	tracker.Subscribe(KindTopic)
	transport.deliver(t, 42, replying(1))
	transport.deliver(t, 42, editing(2, 9))
	changes = 0

	assert.True(t, tracker.Unsubscribe(KindTopic))

	assert.Empty(t, tracker.Repliers())
	assert.Empty(t, tracker.Editors())
	assert.False(t, tracker.sweepPending())
	assert.Zero(t, fake.Pending())
	assert.False(t, transport.subscribed("presence/42"))
	assert.Equal(t, 1, changes)
}

func TestMessagesAfterUnsubscribeIgnored(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)
	sub := transport.subs["presence/42"]
	tracker.Unsubscribe(KindTopic)

	data, err := json.Marshal(replying(3))
	require.NoError(t, err)
	sub.handler(data)

	assert.Empty(t, tracker.Repliers())
	assert.False(t, tracker.sweepPending())
}

func TestSnapshotsAreCopies(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.Subscribe(KindTopic)
	transport.deliver(t, 42, replying(1))

	snapshot := tracker.Repliers()
	snapshot[0].User.ID = 99

	assert.Equal(t, []int64{1}, userIDs(tracker.Repliers()))
}

func TestTrackerPublishPayload(t *testing.T) {
	tracker, _, publisher, _ := newTestTracker(t, 42, Options{})
	ctx := context.Background()

	require.NoError(t, tracker.Publish(ctx, StateReplying, true, 55, false))
	require.NoError(t, tracker.Publish(ctx, StateEditing, false, 55, true))
	require.NoError(t, tracker.Publish(ctx, StateEditing, false, 0, false))

	assert.Equal(t, []Update{
		{State: StateReplying, TopicID: 42, IsWhisper: true},
		{State: StateEditing, TopicID: 42, PostID: 55, StaffOnly: true},
		{State: StateEditing, TopicID: 42},
	}, publisher.published())
}

func TestUpdateJSONOmitsUnsetFlags(t *testing.T) {
	data, err := json.Marshal(NewUpdate(42, StateReplying, false, 9, false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"replying","topic_id":42}`, string(data))
}

func TestAttachAfterLastKindLeftDoesNothing(t *testing.T) {
	tracker, transport, _, _ := newTestTracker(t, 42, Options{})
	tracker.addKind(KindTopic)
	empty, _ := tracker.unsubscribe(KindTopic)
	require.True(t, empty)

	tracker.attach()
	assert.False(t, transport.subscribed("presence/42"))
	assert.Zero(t, transport.subscribes)
	assert.Zero(t, transport.unsubscribes)
}
