package bus

import (
	"encoding/json"
	"sync"
	"time"
)

type storedMessage struct {
	Message
	publishedAt time.Time
}

// channel holds one named backlog and its subscribers.
type channel struct {
	name        string
	mu          sync.Mutex
	nextID      int64
	backlog     []storedMessage
	subscribers map[*Subscriber]struct{}
}

// newChannel starts numbering after firstID, so a channel recreated after
// Prune keeps handing out increasing ids.
func newChannel(name string, firstID int64) *channel {
	return &channel{
		name:        name,
		nextID:      firstID,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// publish appends data to the backlog and fans it out. Subscribers that
// cannot keep up are returned so the hub can drop them outside this lock.
func (c *channel) publish(data json.RawMessage, staffOnly bool, now time.Time, limits backlogLimits) (Message, []*Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	msg := Message{ID: c.nextID, Channel: c.name, Data: data, StaffOnly: staffOnly}
	c.backlog = append(c.backlog, storedMessage{Message: msg, publishedAt: now})
	c.pruneLocked(now, limits)

	frame := encodeMessage(msg)
	var slow []*Subscriber
	for sub := range c.subscribers {
		if !sub.accepts(msg) {
			continue
		}
		if !sub.offer(frame) {
			delete(c.subscribers, sub)
			slow = append(slow, sub)
		}
	}
	return msg, slow
}

// subscribe replays the retained messages newer than lastID and then adds
// sub for live delivery. Both happen under one lock so nothing is missed or
// repeated. It reports false if the replay overflowed sub's buffer.
func (c *channel) subscribe(sub *Subscriber, lastID int64, now time.Time, limits backlogLimits) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now, limits)
	if lastID >= 0 {
		for _, stored := range c.backlog {
			if stored.ID <= lastID || !sub.accepts(stored.Message) {
				continue
			}
			if !sub.offer(encodeMessage(stored.Message)) {
				return false
			}
		}
	}
	c.subscribers[sub] = struct{}{}
	return true
}

func (c *channel) unsubscribe(sub *Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, sub)
}

// idle reports whether the channel can be forgotten: nobody listens and the
// backlog has aged out.
func (c *channel) idle(now time.Time, limits backlogLimits) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now, limits)
	return len(c.subscribers) == 0 && len(c.backlog) == 0
}

func (c *channel) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

func (c *channel) lastID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}

func (c *channel) pruneLocked(now time.Time, limits backlogLimits) {
	drop := 0
	if excess := len(c.backlog) - limits.size; excess > 0 {
		drop = excess
	}
	cutoff := now.Add(-limits.age)
	for drop < len(c.backlog) && c.backlog[drop].publishedAt.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	c.backlog = append(c.backlog[:0], c.backlog[drop:]...)
}
