package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is the activity a keep-alive reports.
type State string

const (
	StateReplying State = "replying"
	StateEditing  State = "editing"
	StateClosed   State = "closed"
)

// Valid reports whether s is one of the three known states.
func (s State) Valid() bool {
	switch s {
	case StateReplying, StateEditing, StateClosed:
		return true
	}
	return false
}

// User is the identity and display attributes carried by a keep-alive. The
// tracker never interprets anything but ID.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
	AvatarTemplate string `json:"avatar_template,omitempty"`
}

// DisplayName prefers the full name and falls back to the username.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return u.Username
	}
	return "#" + strconv.FormatInt(u.ID, 10)
}

// Message is the payload published on a presence channel.
type Message struct {
	User      User   `json:"user"`
	State     State  `json:"state"`
	PostID    PostID `json:"post_id,omitempty"`
	IsWhisper bool   `json:"is_whisper,omitempty"`
	StaffOnly bool   `json:"staff_only,omitempty"`
}

// PostID accepts both JSON numbers and numeric strings.
type PostID int64

func (p *PostID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			*p = 0
			return nil
		}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("post_id %s is not an integer", data)
	}
	*p = PostID(id)
	return nil
}

// Update is the local user's own state, sent through a Publisher.
type Update struct {
	State     State `json:"state"`
	TopicID   int64 `json:"topic_id"`
	IsWhisper bool  `json:"is_whisper,omitempty"`
	PostID    int64 `json:"post_id,omitempty"`
	StaffOnly bool  `json:"staff_only,omitempty"`
}

// NewUpdate builds the outbound payload. The post id is only carried for
// editing.
func NewUpdate(topicID int64, state State, whisper bool, postID int64, staffOnly bool) Update {
	update := Update{
		State:     state,
		TopicID:   topicID,
		IsWhisper: whisper,
		StaffOnly: staffOnly,
	}
	if state == StateEditing && postID != 0 {
		update.PostID = postID
	}
	return update
}

// Entry is one remote user's known activity in a topic.
type Entry struct {
	User     User
	LastSeen time.Time
	// PostID is zero for replying entries.
	PostID int64
}
