package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Subscriber is one consumer attached to any number of channels.
type Subscriber struct {
	ID    string
	Staff bool

	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
}

// NewSubscriber returns a subscriber with a send buffer of size buffer.
func NewSubscriber(staff bool, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Subscriber{
		ID:       uuid.NewString(),
		Staff:    staff,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

// Send yields encoded frames for the subscriber's writer.
func (s *Subscriber) Send() <-chan []byte {
	return s.send
}

// Done is closed once the hub has dropped the subscriber.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) accepts(msg Message) bool {
	return !msg.StaffOnly || s.Staff
}

// offer queues a frame without blocking. It reports false when the
// subscriber is gone or its buffer is full.
func (s *Subscriber) offer(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscriber) join(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel] = struct{}{}
}

func (s *Subscriber) leave(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

func (s *Subscriber) joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	return names
}
