// Package bus is a small named-channel message bus. Channels keep a bounded
// backlog so subscribers can resume from the last message id they saw, and
// messages can be restricted to staff subscribers.
package bus

import "encoding/json"

// Message is one published payload as stored in a channel backlog.
type Message struct {
	ID        int64
	Channel   string
	Data      json.RawMessage
	StaffOnly bool
}

// Envelope is a message before a channel has assigned it an id. It is what
// travels over a Backplane.
type Envelope struct {
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	StaffOnly bool            `json:"staff_only,omitempty"`
}

// Frame types a client sends on the websocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// ClientFrame is a request from a bus client.
type ClientFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	// LastID is the newest message id the client already has. -1 asks for
	// new messages only.
	LastID int64 `json:"last_id"`
}

// ServerFrame carries either a channel message or an error.
type ServerFrame struct {
	Channel   string          `json:"channel,omitempty"`
	MessageID int64           `json:"message_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func encodeMessage(msg Message) []byte {
	encoded, _ := json.Marshal(ServerFrame{Channel: msg.Channel, MessageID: msg.ID, Data: msg.Data})
	return encoded
}

func encodeError(channel, text string) []byte {
	encoded, _ := json.Marshal(ServerFrame{Channel: channel, Error: text})
	return encoded
}
