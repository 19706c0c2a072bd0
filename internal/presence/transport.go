package presence

import (
	"context"
	"strconv"
)

// ChannelPrefix namespaces presence channels on the bus.
const ChannelPrefix = "presence/"

// ReplayFromID is the last-seen id presence subscriptions start from. Zero
// replays everything the channel still retains, so keep-alives sent just
// before the subscription are not missed.
const ReplayFromID int64 = 0

// ChannelName returns the bus channel for a topic.
func ChannelName(topicID int64) string {
	return ChannelPrefix + strconv.FormatInt(topicID, 10)
}

// Handler receives the raw data of one bus message.
type Handler func(data []byte)

// Transport is the pub/sub bus a Tracker listens on.
type Transport interface {
	// Subscribe delivers every message on channel with an id greater than
	// lastID to handler. A second Subscribe for the same channel replaces
	// the handler.
	Subscribe(channel string, lastID int64, handler Handler) error
	Unsubscribe(channel string) error
}

// Publisher sends the local user's state to the server, which relays it to
// the topic's channel.
type Publisher interface {
	Publish(ctx context.Context, update Update) error
}
