package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"topicpresence/internal/clock"
)

const (
	defaultBacklogSize = 100
	defaultBacklogAge  = time.Minute
	defaultSendBuffer  = 256
)

// ErrChannelNotAllowed is returned for channels outside the configured
// prefixes.
var ErrChannelNotAllowed = errors.New("channel not allowed")

// ErrBackplaneStopped is returned by Run when the backplane ends on its own
// without an error.
var ErrBackplaneStopped = errors.New("backplane stopped")

// Options tune a Hub. Zero values pick the defaults.
type Options struct {
	BacklogSize int
	BacklogAge  time.Duration
	SendBuffer  int
	// AllowedPrefixes restricts channel names. Empty allows every name.
	AllowedPrefixes []string
	// Backplane, when set, carries every Publish so other hub instances
	// deliver it too.
	Backplane Backplane
	Clock     clock.Clock
	Logger    *zap.Logger
}

type backlogLimits struct {
	size int
	age  time.Duration
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Channels    int    `json:"channels"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped_subscribers"`
}

// Hub keeps every live channel by name.
type Hub struct {
	opts      Options
	limits    backlogLimits
	logger    *zap.Logger
	backplane Backplane

	mutex    sync.RWMutex
	channels map[string]*channel
	// idFloor is the highest id any pruned channel had reached.
	idFloor int64

	statsMu   sync.Mutex
	published uint64
	dropped   uint64
	subs      map[*Subscriber]struct{}
}

// NewHub builds an empty hub ready to accept subscribers.
func NewHub(opts Options) *Hub {
	if opts.BacklogSize <= 0 {
		opts.BacklogSize = defaultBacklogSize
	}
	if opts.BacklogAge <= 0 {
		opts.BacklogAge = defaultBacklogAge
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		opts:      opts,
		limits:    backlogLimits{size: opts.BacklogSize, age: opts.BacklogAge},
		logger:    opts.Logger,
		backplane: opts.Backplane,
		channels:  make(map[string]*channel),
		subs:      make(map[*Subscriber]struct{}),
	}
}

// NewSubscriber returns a subscriber sized with the hub's send buffer.
func (hub *Hub) NewSubscriber(staff bool) *Subscriber {
	return NewSubscriber(staff, hub.opts.SendBuffer)
}

// Allowed reports whether name is inside one of the allowed prefixes.
func (hub *Hub) Allowed(name string) bool {
	if name == "" {
		return false
	}
	if len(hub.opts.AllowedPrefixes) == 0 {
		return true
	}
	for _, prefix := range hub.opts.AllowedPrefixes {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}

// Publish sends data to every subscriber of name, through the backplane when
// one is configured.
func (hub *Hub) Publish(ctx context.Context, name string, data any, staffOnly bool) error {
	if !hub.Allowed(name) {
		return fmt.Errorf("publish %q: %w", name, ErrChannelNotAllowed)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	env := Envelope{Channel: name, Data: raw, StaffOnly: staffOnly}
	if hub.backplane != nil {
		if err := hub.backplane.Publish(ctx, env); err != nil {
			return fmt.Errorf("backplane publish: %w", err)
		}
		return nil
	}
	hub.Deliver(env)
	return nil
}

// Deliver appends env to its channel on this hub only. Backplanes call it
// for every envelope they receive.
func (hub *Hub) Deliver(env Envelope) Message {
	var msg Message
	var slow []*Subscriber
	hub.withChannel(env.Channel, func(ch *channel) {
		msg, slow = ch.publish(env.Data, env.StaffOnly, hub.opts.Clock.Now(), hub.limits)
	})

	hub.statsMu.Lock()
	hub.published++
	hub.statsMu.Unlock()

	for _, sub := range slow {
		hub.logger.Warn("dropping slow bus subscriber", zap.String("subscriber", sub.ID), zap.String("channel", env.Channel))
		hub.Drop(sub)
	}
	return msg
}

// Subscribe attaches sub to name, replaying retained messages newer than
// lastID first.
func (hub *Hub) Subscribe(sub *Subscriber, name string, lastID int64) error {
	if !hub.Allowed(name) {
		return fmt.Errorf("subscribe %q: %w", name, ErrChannelNotAllowed)
	}
	hub.statsMu.Lock()
	hub.subs[sub] = struct{}{}
	hub.statsMu.Unlock()

	sub.join(name)
	var replayed bool
	hub.withChannel(name, func(ch *channel) {
		replayed = ch.subscribe(sub, lastID, hub.opts.Clock.Now(), hub.limits)
	})
	if !replayed {
		hub.logger.Warn("bus replay overflowed subscriber buffer", zap.String("subscriber", sub.ID), zap.String("channel", name))
		hub.Drop(sub)
	}
	return nil
}

// Unsubscribe detaches sub from name.
func (hub *Hub) Unsubscribe(sub *Subscriber, name string) {
	sub.leave(name)
	if ch := hub.getChannel(name); ch != nil {
		ch.unsubscribe(sub)
	}
}

// Drop detaches sub from every channel and closes its Done channel.
func (hub *Hub) Drop(sub *Subscriber) {
	for _, name := range sub.joined() {
		hub.Unsubscribe(sub, name)
	}
	hub.statsMu.Lock()
	if _, ok := hub.subs[sub]; ok {
		delete(hub.subs, sub)
		hub.dropped++
	}
	hub.statsMu.Unlock()
	sub.close()
}

// Remove detaches a subscriber that is going away on its own.
func (hub *Hub) Remove(sub *Subscriber) {
	for _, name := range sub.joined() {
		hub.Unsubscribe(sub, name)
	}
	hub.statsMu.Lock()
	delete(hub.subs, sub)
	hub.statsMu.Unlock()
	sub.close()
}

// Exists takes a peek into the channel map without creating anything.
func (hub *Hub) Exists(name string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	_, ok := hub.channels[name]
	return ok
}

// LastID returns the id of the newest message published on name. For a
// channel that does not exist it is the id the next message will follow.
func (hub *Hub) LastID(name string) int64 {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	if ch, ok := hub.channels[name]; ok {
		return ch.lastID()
	}
	return hub.idFloor
}

// Subscribers returns how many subscribers listen on name.
func (hub *Hub) Subscribers(name string) int {
	if ch := hub.getChannel(name); ch != nil {
		return ch.size()
	}
	return 0
}

// Stats returns current counters.
func (hub *Hub) Stats() Stats {
	hub.mutex.RLock()
	channels := len(hub.channels)
	hub.mutex.RUnlock()

	hub.statsMu.Lock()
	defer hub.statsMu.Unlock()
	return Stats{
		Channels:    channels,
		Subscribers: len(hub.subs),
		Published:   hub.published,
		Dropped:     hub.dropped,
	}
}

// Prune forgets channels with no subscribers and an aged-out backlog.
func (hub *Hub) Prune() int {
	now := hub.opts.Clock.Now()
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	removed := 0
	for name, ch := range hub.channels {
		if ch.idle(now, hub.limits) {
			if id := ch.lastID(); id > hub.idFloor {
				hub.idFloor = id
			}
			delete(hub.channels, name)
			removed++
		}
	}
	return removed
}

// Run prunes idle channels periodically and, with a backplane, feeds its
// messages into the hub. When ctx is done it closes every subscriber and
// returns nil. If the backplane stops first, Run closes every subscriber and
// returns the backplane's error.
func (hub *Hub) Run(ctx context.Context) error {
	var errc chan error
	if hub.backplane != nil {
		backplaneCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		errc = make(chan error, 1)
		go func() { errc <- hub.backplane.Run(backplaneCtx, func(env Envelope) { hub.Deliver(env) }) }()
	}

	ticker := time.NewTicker(hub.limits.age / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hub.Close()
			if errc != nil {
				if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
					hub.logger.Warn("backplane stopped during shutdown", zap.Error(err))
				}
			}
			return nil
		case err := <-errc:
			hub.Close()
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = ErrBackplaneStopped
			}
			hub.logger.Error("backplane stopped", zap.Error(err))
			return fmt.Errorf("bus backplane: %w", err)
		case <-ticker.C:
			if removed := hub.Prune(); removed > 0 {
				hub.logger.Debug("pruned idle bus channels", zap.Int("count", removed))
			}
		}
	}
}

// withChannel runs fn on the channel called name, creating it if needed. fn
// runs under the map's read lock so Prune cannot forget the channel
// mid-call.
func (hub *Hub) withChannel(name string, fn func(ch *channel)) {
	for {
		hub.mutex.RLock()
		if ch, exists := hub.channels[name]; exists {
			fn(ch)
			hub.mutex.RUnlock()
			return
		}
		hub.mutex.RUnlock()

		hub.mutex.Lock()
		if _, exists := hub.channels[name]; !exists {
			hub.channels[name] = newChannel(name, hub.idFloor)
		}
		hub.mutex.Unlock()
	}
}

func (hub *Hub) getChannel(name string) *channel {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.channels[name]
}

// Close drops every subscriber, which ends their websocket connections.
func (hub *Hub) Close() {
	hub.statsMu.Lock()
	subs := make([]*Subscriber, 0, len(hub.subs))
	for sub := range hub.subs {
		subs = append(subs, sub)
	}
	hub.statsMu.Unlock()
	for _, sub := range subs {
		hub.Remove(sub)
	}
}
