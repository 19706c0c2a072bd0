// Package presence tracks which remote users are replying to or editing posts
// in a topic, from keep-alive messages on a pub/sub bus, and publishes the
// local user's own activity.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"topicpresence/internal/clock"
)

const (
	// KeepAliveInterval is how often an active client repeats its state.
	KeepAliveInterval = 10 * time.Second
	// BufferDuration absorbs delivery jitter between two keep-alives.
	BufferDuration = 2 * time.Second
	// SweepInterval is the expiry timer period.
	SweepInterval = 2 * time.Second
	// DefaultDisplayLimit caps entries per scope when none is configured.
	DefaultDisplayLimit = 5
)

// Options configure a Tracker or Registry. Zero values pick the defaults
// above.
type Options struct {
	// CurrentUserID identifies the local user; their own messages are
	// ignored.
	CurrentUserID int64
	DisplayLimit  int
	KeepAlive     time.Duration
	Buffer        time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
	// OnChange is called after the replying or editing list of a topic
	// changed. It runs without any tracker lock held.
	OnChange func(topicID int64)
}

func (o Options) withDefaults() Options {
	if o.DisplayLimit <= 0 {
		o.DisplayLimit = DefaultDisplayLimit
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = KeepAliveInterval
	}
	if o.Buffer <= 0 {
		o.Buffer = BufferDuration
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = SweepInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Tracker owns the presence lists of one topic.
type Tracker struct {
	topicID   int64
	channel   string
	transport Transport
	publisher Publisher
	opts      Options
	logger    *zap.Logger
	// mayPublish is consulted before every Publish.
	mayPublish func() bool

	// subMu serializes transport subscribe/unsubscribe calls. It is never
	// taken by the message handler, so a transport may deliver while one of
	// those calls is in flight.
	subMu sync.Mutex

	mu    sync.Mutex
	kinds map[string]struct{}
	// subscribed is set while any kind is registered; attached while the
	// transport subscription is open.
	subscribed bool
	attached   bool
	replying   []Entry
	editing    []Entry
	timer      clock.Timer
	// sweepSeq invalidates sweep callbacks that were already running when
	// their timer was stopped.
	sweepSeq uint64
}

// NewTracker returns an idle tracker for topicID. Publishing is always
// allowed; Registry-created trackers honour the hide-presence preference.
func NewTracker(topicID int64, transport Transport, publisher Publisher, opts Options) *Tracker {
	return newTracker(topicID, transport, publisher, opts.withDefaults(), func() bool { return true })
}

func newTracker(topicID int64, transport Transport, publisher Publisher, opts Options, mayPublish func() bool) *Tracker {
	return &Tracker{
		topicID:    topicID,
		channel:    ChannelName(topicID),
		transport:  transport,
		publisher:  publisher,
		opts:       opts,
		logger:     opts.Logger.With(zap.Int64("topic_id", topicID)),
		mayPublish: mayPublish,
		kinds:      make(map[string]struct{}),
	}
}

// TopicID returns the topic this tracker follows.
func (t *Tracker) TopicID() int64 {
	return t.topicID
}

// Subscribe registers interest from a consumer kind. The first kind opens
// the bus subscription.
func (t *Tracker) Subscribe(kind string) {
	if t.topicID <= 0 {
		return
	}
	t.addKind(kind)
	t.attach()
}

func (t *Tracker) addKind(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kinds[kind] = struct{}{}
	t.subscribed = true
}

// attach opens the transport subscription unless it is already open or every
// kind left in the meantime. A failed attempt is retried by the next attach.
func (t *Tracker) attach() {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.mu.Lock()
	if !t.subscribed || t.attached {
		t.mu.Unlock()
		return
	}
	t.attached = true
	t.mu.Unlock()

	if err := t.transport.Subscribe(t.channel, ReplayFromID, t.handleMessage); err != nil {
		t.mu.Lock()
		t.attached = false
		t.mu.Unlock()
		t.logger.Warn("presence subscribe failed", zap.String("channel", t.channel), zap.Error(err))
		return
	}
	t.logger.Debug("presence subscribed", zap.String("channel", t.channel))
}

// Unsubscribe drops interest from kind. It reports whether no kind is left,
// in which case the bus subscription is closed and both lists are cleared
// even if their entries are still fresh.
func (t *Tracker) Unsubscribe(kind string) bool {
	empty, cleared := t.unsubscribe(kind)
	if cleared {
		t.notify()
	}
	return empty
}

func (t *Tracker) unsubscribe(kind string) (empty, cleared bool) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.mu.Lock()
	delete(t.kinds, kind)
	if len(t.kinds) > 0 {
		t.mu.Unlock()
		return false, false
	}
	wasAttached := t.attached
	cleared = t.resetLocked()
	t.mu.Unlock()

	if wasAttached {
		if err := t.transport.Unsubscribe(t.channel); err != nil {
			t.logger.Warn("presence unsubscribe failed", zap.String("channel", t.channel), zap.Error(err))
		}
	}
	return true, cleared
}

// shutdown forgets every kind and disconnects.
func (t *Tracker) shutdown() (cleared bool) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.mu.Lock()
	t.kinds = make(map[string]struct{})
	wasAttached := t.attached
	cleared = t.resetLocked()
	t.mu.Unlock()

	if wasAttached {
		if err := t.transport.Unsubscribe(t.channel); err != nil {
			t.logger.Warn("presence unsubscribe failed", zap.String("channel", t.channel), zap.Error(err))
		}
	}
	return cleared
}

func (t *Tracker) resetLocked() (cleared bool) {
	t.subscribed = false
	t.attached = false
	t.stopSweepLocked()
	cleared = len(t.replying) > 0 || len(t.editing) > 0
	t.replying = nil
	t.editing = nil
	return cleared
}

// Kinds returns how many consumer kinds are subscribed.
func (t *Tracker) Kinds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.kinds)
}

// Repliers returns a snapshot of the users replying to the topic.
func (t *Tracker) Repliers() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(make([]Entry, 0, len(t.replying)), t.replying...)
}

// Editors returns a snapshot of the users editing posts in the topic.
func (t *Tracker) Editors() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(make([]Entry, 0, len(t.editing)), t.editing...)
}

// Publish sends the local user's state for this topic. It is skipped
// without error when the user hides their presence and the site allows
// that. Failures are returned as-is and never retried.
func (t *Tracker) Publish(ctx context.Context, state State, whisper bool, postID int64, staffOnly bool) error {
	return publishUpdate(ctx, t.publisher, t.mayPublish, NewUpdate(t.topicID, state, whisper, postID, staffOnly))
}

func publishUpdate(ctx context.Context, publisher Publisher, mayPublish func() bool, update Update) error {
	if !mayPublish() {
		return nil
	}
	return publisher.Publish(ctx, update)
}

func (t *Tracker) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Debug("ignoring malformed presence message", zap.Error(err))
		return
	}
	if msg.User.ID == 0 || msg.User.ID == t.opts.CurrentUserID {
		return
	}

	t.mu.Lock()
	if !t.subscribed {
		t.mu.Unlock()
		return
	}
	now := t.opts.Clock.Now()
	var changed bool
	switch msg.State {
	case StateReplying:
		t.replying, changed = t.upsertLocked(t.replying, msg.User, 0, now)
	case StateEditing:
		if msg.PostID <= 0 {
			break
		}
		t.editing, changed = t.upsertLocked(t.editing, msg.User, int64(msg.PostID), now)
	case StateClosed:
		var removedReplying, removedEditing bool
		t.replying, removedReplying = removeUser(t.replying, msg.User.ID)
		t.editing, removedEditing = removeUser(t.editing, msg.User.ID)
		changed = removedReplying || removedEditing
	default:
		t.logger.Debug("ignoring presence message with unknown state", zap.String("state", string(msg.State)))
	}
	if changed && msg.State != StateClosed {
		t.scheduleSweepLocked()
	}
	if len(t.replying) == 0 && len(t.editing) == 0 {
		t.stopSweepLocked()
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// upsertLocked refreshes the entry for (user, postID) or appends a new one.
// Replying entries all carry post id zero, so the scope of the display limit
// is the whole list for replying and the same post for editing. Refreshing
// an existing entry is never limited.
func (t *Tracker) upsertLocked(list []Entry, user User, postID int64, now time.Time) ([]Entry, bool) {
	inScope := 0
	for i := range list {
		if list[i].PostID != postID {
			continue
		}
		if list[i].User.ID == user.ID {
			list[i].User = user
			list[i].LastSeen = now
			return list, true
		}
		inScope++
	}
	if inScope >= t.opts.DisplayLimit {
		t.logger.Debug("presence display limit reached",
			zap.Int64("user_id", user.ID),
			zap.Int64("post_id", postID),
			zap.Int("limit", t.opts.DisplayLimit))
		return list, false
	}
	return append(list, Entry{User: user, LastSeen: now, PostID: postID}), true
}

func removeUser(list []Entry, userID int64) ([]Entry, bool) {
	kept := list[:0]
	for _, entry := range list {
		if entry.User.ID != userID {
			kept = append(kept, entry)
		}
	}
	removed := len(kept) != len(list)
	for i := len(kept); i < len(list); i++ {
		list[i] = Entry{}
	}
	if len(kept) == 0 {
		return nil, removed
	}
	return kept, removed
}

func (t *Tracker) scheduleSweepLocked() {
	if t.timer != nil {
		return
	}
	t.sweepSeq++
	seq := t.sweepSeq
	t.timer = t.opts.Clock.AfterFunc(t.opts.SweepInterval, func() { t.sweep(seq) })
}

func (t *Tracker) stopSweepLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.sweepSeq++
}

// sweep drops entries not refreshed within keep-alive plus buffer and
// reschedules itself only while entries remain.
func (t *Tracker) sweep(seq uint64) {
	t.mu.Lock()
	if seq != t.sweepSeq || t.timer == nil {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	cutoff := t.opts.Clock.Now().Add(-(t.opts.KeepAlive + t.opts.Buffer))
	var expiredReplying, expiredEditing bool
	t.replying, expiredReplying = dropStale(t.replying, cutoff)
	t.editing, expiredEditing = dropStale(t.editing, cutoff)
	if len(t.replying) > 0 || len(t.editing) > 0 {
		t.scheduleSweepLocked()
	}
	t.mu.Unlock()

	if expiredReplying || expiredEditing {
		t.notify()
	}
}

func dropStale(list []Entry, cutoff time.Time) ([]Entry, bool) {
	kept := list[:0]
	for _, entry := range list {
		if !entry.LastSeen.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	dropped := len(kept) != len(list)
	for i := len(kept); i < len(list); i++ {
		list[i] = Entry{}
	}
	if len(kept) == 0 {
		return nil, dropped
	}
	return kept, dropped
}

// sweepPending reports whether an expiry timer is scheduled.
func (t *Tracker) sweepPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *Tracker) notify() {
	if t.opts.OnChange != nil {
		t.opts.OnChange(t.topicID)
	}
}
