package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collabtext/internal/access"
	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
)

type membership struct {
	userID   string
	userName string
	status   access.Status
}

// conn is one websocket connection. It implements room.Session.
type conn struct {
	id      string
	srv     *Server
	ws      *websocket.Conn
	log     *zap.Logger
	limiter *rate.Limiter

	// send carries outbound frames. A nil frame closes the connection once
	// everything queued before it has been written.
	send      chan []byte
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex
	channels map[string]*membership
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	id := uuid.NewString()
	return &conn{
		id:       id,
		srv:      s,
		ws:       ws,
		log:      s.log.With(zap.String("session", id)),
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst),
		send:     make(chan []byte, s.cfg.SendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]*membership),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Closed() bool { return c.closing.Load() }

// Send queues a frame without blocking. A connection that cannot keep up is
// closed rather than allowed to stall the sender.
func (c *conn) Send(frame []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		metrics.SlowSessions.Inc()
		c.log.Warn("send buffer full, closing connection")
		c.shutdown()
		return false
	}
}

// finish closes the connection after the frames already queued are written.
func (c *conn) finish() {
	select {
	case c.send <- nil:
	default:
		c.shutdown()
	}
	c.closing.Store(true)
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
	})
}

func (c *conn) emit(event, channelID string, data any) bool {
	frame, err := protocol.Marshal(event, channelID, data)
	if err != nil {
		c.log.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return false
	}
	return c.Send(frame)
}

func (c *conn) membership(channelID string) (membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.channels[channelID]
	if !ok {
		return membership{}, false
	}
	return *m, true
}

func (c *conn) setMembership(channelID, userID, userName string, status access.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channelID] = &membership{userID: userID, userName: userName, status: status}
}

func (c *conn) setStatus(channelID string, status access.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.channels[channelID]; ok {
		m.status = status
	}
}

// settle moves a waiting membership to status. It reports false when the
// membership was changed by someone else in the meantime.
func (c *conn) settle(channelID string, status access.Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.channels[channelID]
	if !ok || m.status != access.StatusWaiting {
		return false
	}
	m.status = status
	return true
}

func (c *conn) dropMembership(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

func (c *conn) channelIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	return ids
}

func (c *conn) readPump() {
	defer c.srv.disconnect(c)

	pongWait := 2 * c.srv.cfg.PingInterval
	c.ws.SetReadLimit(c.srv.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("connection lost", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.closing.Load() {
			continue
		}
		if !c.limiter.Allow() {
			c.srv.fail(c, "", ErrRateLimited)
			continue
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			c.srv.fail(c, "", fmt.Errorf("%w: %w", ErrBadRequest, err))
			continue
		}
		c.srv.dispatch(c, env)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if frame == nil {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "access denied"))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
