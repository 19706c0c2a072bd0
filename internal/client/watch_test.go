package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/cursor"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topicpresence/internal/clock"
	"topicpresence/internal/presence"
)

type memTransport struct {
	mu       sync.Mutex
	handlers map[string]presence.Handler
}

func (m *memTransport) Subscribe(channel string, _ int64, handler presence.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = handler
	return nil
}

func (m *memTransport) Unsubscribe(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, channel)
	return nil
}

func (m *memTransport) deliver(t *testing.T, topicID int64, msg presence.Message) {
	t.Helper()
	m.mu.Lock()
	handler := m.handlers[presence.ChannelName(topicID)]
	m.mu.Unlock()
	require.NotNil(t, handler)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	handler(data)
}

type memPublisher struct {
	mu      sync.Mutex
	updates []presence.Update
	err     error
}

func (m *memPublisher) Publish(_ context.Context, update presence.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
	return m.err
}

func (m *memPublisher) published() []presence.Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]presence.Update(nil), m.updates...)
}

type watchFixture struct {
	model     *WatchModel
	registry  *presence.Registry
	transport *memTransport
	publisher *memPublisher
	clock     *clock.FakeClock
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	return newWatchFixtureAs(t, false)
}

func newWatchFixtureAs(t *testing.T, staff bool) *watchFixture {
	t.Helper()
	fake := clock.Fake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	transport := &memTransport{handlers: make(map[string]presence.Handler)}
	publisher := &memPublisher{}
	registry := presence.NewRegistry(transport, publisher, presence.Options{CurrentUserID: 1, Clock: fake})
	registry.Subscribe(42, presence.KindTopic)
	registry.Subscribe(42, presence.KindComposer)

	settings := Settings{KeepAliveSeconds: 10, Staff: staff, User: presence.User{ID: 1, Username: "me"}}
	model := NewWatchModel(registry, 42, settings, nil, nil)
	model.clock = fake
	model.input.Cursor.SetMode(cursor.CursorStatic)
	return &watchFixture{model: model, registry: registry, transport: transport, publisher: publisher, clock: fake}
}

// send feeds msg to the model and runs every command it returns, the way
// the program loop would.
func (f *watchFixture) send(msg tea.Msg) []tea.Msg {
	_, cmd := f.model.Update(msg)
	return runCmd(cmd)
}

func (f *watchFixture) typeText(text string) []tea.Msg {
	var out []tea.Msg
	for _, r := range text {
		out = append(out, f.send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})...)
	}
	return out
}

func (f *watchFixture) enter(text string) []tea.Msg {
	f.model.input.SetValue(text)
	return f.send(tea.KeyMsg{Type: tea.KeyEnter})
}

func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, runCmd(c)...)
		}
		return out
	}
	if msg == nil {
		return nil
	}
	return []tea.Msg{msg}
}

func TestTypingPublishesOncePerKeepAlive(t *testing.T) {
	f := newWatchFixture(t)

	f.typeText("hello")
	updates := f.publisher.published()
	require.Len(t, updates, 1)
	assert.Equal(t, presence.StateReplying, updates[0].State)
	assert.Equal(t, int64(42), updates[0].TopicID)

	f.clock.Advance(9 * time.Second)
	f.typeText(" there")
	assert.Len(t, f.publisher.published(), 1)

	f.clock.Advance(time.Second)
	f.typeText("!")
	assert.Len(t, f.publisher.published(), 2)
}

func TestEnterSubmitsDraftAndPublishesClosed(t *testing.T) {
	f := newWatchFixture(t)
	f.typeText("draft")

	msgs := f.enter("draft")
	assert.Empty(t, f.model.input.Value())
	updates := f.publisher.published()
	require.Len(t, updates, 2)
	assert.Equal(t, presence.StateClosed, updates[1].State)
	require.Len(t, msgs, 1)
	assert.Equal(t, publishedMsg{state: presence.StateClosed}, msgs[0])

	// Nothing was announced for an empty composer, so nothing to close.
	f.enter("again")
	assert.Len(t, f.publisher.published(), 2)
}

func TestEditCommandSwitchesComposer(t *testing.T) {
	f := newWatchFixture(t)

	f.enter("/edit 7")
	assert.Equal(t, int64(7), f.model.editingPost)
	f.typeText("fix")
	updates := f.publisher.published()
	require.Len(t, updates, 1)
	assert.Equal(t, presence.StateEditing, updates[0].State)
	assert.Equal(t, int64(7), updates[0].PostID)

	f.enter("/reply")
	assert.Zero(t, f.model.editingPost)
	updates = f.publisher.published()
	require.Len(t, updates, 2)
	assert.Equal(t, presence.StateClosed, updates[1].State)

	f.enter("/edit nope")
	assert.Equal(t, "Usage: /edit <post id>", f.model.status)
	assert.Len(t, f.publisher.published(), 2)
}

func TestWhisperToggle(t *testing.T) {
	f := newWatchFixtureAs(t, true)
	f.enter("/whisper")
	f.typeText("psst")
	updates := f.publisher.published()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].IsWhisper)
}

func TestWhisperRefusedForNonStaff(t *testing.T) {
	f := newWatchFixture(t)
	f.enter("/whisper")
	assert.Equal(t, "Only staff can whisper.", f.model.status)
	assert.False(t, f.model.whisper)

	f.typeText("hello")
	updates := f.publisher.published()
	require.Len(t, updates, 1)
	assert.False(t, updates[0].IsWhisper)
}

func TestViewRendersRemoteActivity(t *testing.T) {
	f := newWatchFixture(t)
	assert.Contains(t, f.model.View(), "Nobody is replying.")

	f.transport.deliver(t, 42, presence.Message{User: presence.User{ID: 2, Username: "alice"}, State: presence.StateReplying})
	f.transport.deliver(t, 42, presence.Message{User: presence.User{ID: 3, Name: "Carol"}, State: presence.StateEditing, PostID: 9})
	f.send(presenceChangedMsg{topicID: 42})

	view := f.model.View()
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "Editing post 9")
	assert.Contains(t, view, "Carol")
	assert.Contains(t, view, "Topic #42")
}

func TestPublishErrorsAreShown(t *testing.T) {
	f := newWatchFixture(t)
	f.publisher.err = ErrUnauthorized
	msgs := f.typeText("x")
	require.Len(t, msgs, 1)
	f.send(msgs[0])
	assert.ErrorIs(t, f.model.err, ErrUnauthorized)
	assert.Contains(t, f.model.View(), "Session expired")
}

func TestQuitAndShutdown(t *testing.T) {
	f := newWatchFixture(t)
	_, cmd := f.model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())

	f.model.shutdown(context.Background())
	updates := f.publisher.published()
	require.Len(t, updates, 1)
	assert.Equal(t, presence.StateClosed, updates[0].State)
	assert.Empty(t, f.registry.Topics())
	assert.Empty(t, f.transport.handlers)
}

func TestBusClosedShowsDisconnect(t *testing.T) {
	f := newWatchFixture(t)
	done := make(chan struct{})
	close(done)
	f.model.busDone = done
	msg := f.model.waitBusCmd()()
	f.send(msg)
	assert.Contains(t, f.model.View(), "Disconnected")
}
