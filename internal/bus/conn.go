package bus

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxFrameSize    = 4096
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 30
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// conn pumps frames between one websocket and its hub subscriber.
type conn struct {
	hub        *Hub
	ws         *websocket.Conn
	sub        *Subscriber
	logger     *zap.Logger
	frameTimes []time.Time
}

// ServeWS upgrades the request and serves bus frames on it until either
// side closes. Authentication is the caller's job; staff selects whether
// staff-only messages are delivered.
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request, staff bool, logger *zap.Logger) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if logger == nil {
		logger = hub.logger
	}
	sub := hub.NewSubscriber(staff)
	c := &conn{
		hub:        hub,
		ws:         ws,
		sub:        sub,
		logger:     logger.With(zap.String("subscriber", sub.ID)),
		frameTimes: make([]time.Time, 0, rateLimitBurst),
	}
	hub.statsMu.Lock()
	hub.subs[sub] = struct{}{}
	hub.statsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.Remove(c.sub)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("bus connection closed", zap.Error(err))
			}
			return
		}
		if !c.allowFrame(time.Now()) {
			c.sub.offer(encodeError("", "rate limited"))
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.sub.offer(encodeError("", "malformed frame"))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *conn) handleFrame(frame ClientFrame) {
	switch frame.Type {
	case FrameSubscribe:
		if err := c.hub.Subscribe(c.sub, frame.Channel, frame.LastID); err != nil {
			c.sub.offer(encodeError(frame.Channel, err.Error()))
			return
		}
		c.logger.Debug("bus subscribe", zap.String("channel", frame.Channel), zap.Int64("last_id", frame.LastID))
	case FrameUnsubscribe:
		c.hub.Unsubscribe(c.sub, frame.Channel)
	default:
		c.sub.offer(encodeError(frame.Channel, "unknown frame type"))
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.sub.Send():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.sub.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) allowFrame(now time.Time) bool {
	cutoff := now.Add(-rateLimitWindow)
	idx := 0
	for _, ts := range c.frameTimes {
		if ts.After(cutoff) {
			c.frameTimes[idx] = ts
			idx++
		}
	}
	c.frameTimes = c.frameTimes[:idx]
	if len(c.frameTimes) >= rateLimitBurst {
		return false
	}
	c.frameTimes = append(c.frameTimes, now)
	return true
}
