// Package client is the terminal side of the presence service: a bus
// websocket client, an HTTP API client and the watch TUI built on them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"topicpresence/internal/bus"
	"topicpresence/internal/presence"
)

const (
	busWriteWait = 10 * time.Second
	busReadLimit = 1 << 16
)

// ErrBusClosed is returned when the bus connection is already gone.
var ErrBusClosed = errors.New("bus connection closed")

// BusClient is a presence.Transport over the bus websocket. Handlers run on
// the client's read goroutine, one message at a time.
type BusClient struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]presence.Handler
	lastIDs  map[string]int64
	closed   bool

	done chan struct{}
	err  error
}

// DialBus connects to the bus endpoint, authenticating with token.
// Reconnection is not attempted: once Done is closed the client is spent.
func DialBus(ctx context.Context, busURL, token string, logger *zap.Logger) (*BusClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, busURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial bus: %w", err)
	}
	ws.SetReadLimit(busReadLimit)
	c := &BusClient{
		ws:       ws,
		logger:   logger,
		handlers: make(map[string]presence.Handler),
		lastIDs:  make(map[string]int64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe starts delivery for channel. The bus replays its retained
// messages newer than lastID; -1 asks for new messages only.
func (c *BusClient) Subscribe(channel string, lastID int64, handler presence.Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrBusClosed
	}
	c.handlers[channel] = handler
	c.mu.Unlock()

	return c.writeFrame(bus.ClientFrame{Type: bus.FrameSubscribe, Channel: channel, LastID: lastID})
}

// Unsubscribe stops delivery for channel and forgets the last id seen on it.
// Messages already in flight are dropped.
func (c *BusClient) Unsubscribe(channel string) error {
	c.mu.Lock()
	delete(c.handlers, channel)
	delete(c.lastIDs, channel)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return c.writeFrame(bus.ClientFrame{Type: bus.FrameUnsubscribe, Channel: channel})
}

// LastID returns the newest message id seen on channel since it was
// subscribed, or -1.
func (c *BusClient) LastID(channel string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.lastIDs[channel]; ok {
		return id
	}
	return -1
}

// Done is closed when the read loop has ended.
func (c *BusClient) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is nil while the client is
// running and after a Close.
func (c *BusClient) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends a close frame, tears the connection down and waits for the
// read loop to exit.
func (c *BusClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(busWriteWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *BusClient) writeFrame(frame bus.ClientFrame) error {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(busWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

func (c *BusClient) readLoop() {
	defer close(c.done)
	defer c.ws.Close()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closedByUs := c.closed
			c.closed = true
			c.mu.Unlock()
			if !closedByUs && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.err = err
				c.logger.Warn("bus connection lost", zap.Error(err))
			}
			return
		}
		var frame bus.ServerFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Debug("ignoring malformed bus frame", zap.Error(err))
			continue
		}
		if frame.Error != "" {
			c.logger.Warn("bus error", zap.String("channel", frame.Channel), zap.String("error", frame.Error))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *BusClient) dispatch(frame bus.ServerFrame) {
	c.mu.Lock()
	handler, ok := c.handlers[frame.Channel]
	if ok && frame.MessageID > c.lastIDs[frame.Channel] {
		c.lastIDs[frame.Channel] = frame.MessageID
	}
	c.mu.Unlock()
	if ok {
		handler(frame.Data)
	}
}
