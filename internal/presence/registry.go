package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Subscriber kinds used by the bundled consumers.
const (
	KindTopic    = "topic"
	KindComposer = "composer"
)

// Registry multiplexes Trackers by topic and reference counts their
// consumer kinds. A topic is tracked only while some kind is subscribed.
type Registry struct {
	transport Transport
	publisher Publisher
	opts      Options
	logger    *zap.Logger

	hidePresence      atomic.Bool
	allowHidePresence atomic.Bool

	mu       sync.Mutex
	trackers map[int64]*Tracker
}

// NewRegistry returns an empty registry for one client session. Call Close
// when the session ends.
func NewRegistry(transport Transport, publisher Publisher, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		transport: transport,
		publisher: publisher,
		opts:      opts,
		logger:    opts.Logger,
		trackers:  make(map[int64]*Tracker),
	}
}

// SetPreferences records the user's hide-presence preference and whether
// the site lets users hide. Publishing is suppressed only when both are set.
func (r *Registry) SetPreferences(hidePresence, allowUsersToHidePresence bool) {
	r.hidePresence.Store(hidePresence)
	r.allowHidePresence.Store(allowUsersToHidePresence)
}

func (r *Registry) mayPublish() bool {
	return !(r.hidePresence.Load() && r.allowHidePresence.Load())
}

// Subscribe registers kind's interest in topicID, creating its tracker on
// first use. The transport call runs after the registry lock is released so
// readers are not held up by it.
func (r *Registry) Subscribe(topicID int64, kind string) {
	if topicID <= 0 {
		return
	}
	r.mu.Lock()
	tracker, ok := r.trackers[topicID]
	if !ok {
		tracker = newTracker(topicID, r.transport, r.publisher, r.opts, r.mayPublish)
		r.trackers[topicID] = tracker
	}
	tracker.addKind(kind)
	r.mu.Unlock()

	tracker.attach()
}

// Unsubscribe drops kind's interest and evicts the tracker when no kind is
// left.
func (r *Registry) Unsubscribe(topicID int64, kind string) {
	if topicID <= 0 {
		return
	}
	r.mu.Lock()
	tracker, ok := r.trackers[topicID]
	if !ok {
		r.mu.Unlock()
		return
	}
	empty, cleared := tracker.unsubscribe(kind)
	if empty {
		delete(r.trackers, topicID)
	}
	r.mu.Unlock()

	if cleared {
		tracker.notify()
	}
}

// Repliers returns the users replying in topicID, or an empty slice.
func (r *Registry) Repliers(topicID int64) []Entry {
	if tracker := r.lookup(topicID); tracker != nil {
		return tracker.Repliers()
	}
	return []Entry{}
}

// Editors returns the users editing posts in topicID, or an empty slice.
func (r *Registry) Editors(topicID int64) []Entry {
	if tracker := r.lookup(topicID); tracker != nil {
		return tracker.Editors()
	}
	return []Entry{}
}

// Publish sends the local user's state for topicID. The topic does not have
// to be subscribed.
func (r *Registry) Publish(ctx context.Context, topicID int64, state State, whisper bool, postID int64, staffOnly bool) error {
	if topicID <= 0 {
		return nil
	}
	if tracker := r.lookup(topicID); tracker != nil {
		return tracker.Publish(ctx, state, whisper, postID, staffOnly)
	}
	return publishUpdate(ctx, r.publisher, r.mayPublish, NewUpdate(topicID, state, whisper, postID, staffOnly))
}

// CleanUpAll tells every tracked topic the local user is gone and drops
// kind's interest in each. Publish errors are logged and do not stop the
// sweep.
func (r *Registry) CleanUpAll(ctx context.Context, kind string) {
	for _, topicID := range r.Topics() {
		if err := r.Publish(ctx, topicID, StateClosed, false, 0, false); err != nil {
			r.logger.Warn("publish closed failed", zap.Int64("topic_id", topicID), zap.Error(err))
		}
		r.Unsubscribe(topicID, kind)
	}
}

// Topics returns the tracked topic ids in ascending order.
func (r *Registry) Topics() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.trackers))
	for id := range r.trackers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close disconnects every tracker, stops all expiry timers and empties the
// registry.
func (r *Registry) Close() {
	r.mu.Lock()
	trackers := r.trackers
	r.trackers = make(map[int64]*Tracker)
	r.mu.Unlock()

	for _, tracker := range trackers {
		if tracker.shutdown() {
			tracker.notify()
		}
	}
}

func (r *Registry) lookup(topicID int64) *Tracker {
	if topicID <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackers[topicID]
}
