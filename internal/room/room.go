// Package room tracks which sessions are joined to which channel and
// delivers events to them.
package room

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
)

var (
	ErrNotMember     = errors.New("room: session is not a member of the channel")
	ErrSessionClosed = errors.New("room: session is closed")
)

// Session is a live connection. Send must not block; it reports false when
// the frame could not be queued.
type Session interface {
	ID() string
	Send(frame []byte) bool
	Closed() bool
}

type room struct {
	mu      sync.RWMutex
	members map[string]Session
}

// Manager maps sessions to rooms. Rooms are created on first join and live as
// long as the Manager.
type Manager struct {
	log *zap.Logger

	mu          sync.RWMutex // protects the fields below
	rooms       map[string]*room
	memberships map[string]map[string]struct{} // session id -> channel ids
}

type Opt func(*Manager)

func WithLogger(log *zap.Logger) Opt {
	return func(m *Manager) {
		m.log = log
	}
}

func NewManager(opts ...Opt) *Manager {
	m := &Manager{
		log:         zap.NewNop(),
		rooms:       make(map[string]*room),
		memberships: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join adds s to the channel room. Closed sessions are refused so that a
// join racing with a disconnect cannot leave a dead member behind.
func (m *Manager) Join(channelID string, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Closed() {
		return ErrSessionClosed
	}
	r, ok := m.rooms[channelID]
	if !ok {
		r = &room{members: make(map[string]Session)}
		m.rooms[channelID] = r
	}
	r.mu.Lock()
	r.members[s.ID()] = s
	r.mu.Unlock()

	joined, ok := m.memberships[s.ID()]
	if !ok {
		joined = make(map[string]struct{})
		m.memberships[s.ID()] = joined
	}
	joined[channelID] = struct{}{}
	m.log.Debug("joined room", zap.String("channel", channelID), zap.String("session", s.ID()))
	return nil
}

// Leave removes the session from the channel room. Leaving a room the
// session is not in is a no-op.
func (m *Manager) Leave(channelID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leave(channelID, sessionID)
}

func (m *Manager) leave(channelID, sessionID string) {
	if joined, ok := m.memberships[sessionID]; ok {
		delete(joined, channelID)
		if len(joined) == 0 {
			delete(m.memberships, sessionID)
		}
	}
	r, ok := m.rooms[channelID]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.members, sessionID)
	r.mu.Unlock()
}

// Disconnect removes the session from every room it belongs to and returns
// the channels it left.
func (m *Manager) Disconnect(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var left []string
	for channelID := range m.memberships[sessionID] {
		left = append(left, channelID)
	}
	for _, channelID := range left {
		m.leave(channelID, sessionID)
	}
	if len(left) > 0 {
		m.log.Debug("session left all rooms", zap.String("session", sessionID), zap.Strings("channels", left))
	}
	return left
}

func (m *Manager) IsMember(channelID, sessionID string) bool {
	r := m.room(channelID)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Members returns the session ids currently in the channel room.
func (m *Manager) Members(channelID string) []string {
	r := m.room(channelID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast sends an event to every member of the channel except exclude and
// returns the number of sessions it reached. A non-empty exclude must itself
// be a member.
func (m *Manager) Broadcast(channelID, event string, payload any, exclude string) (int, error) {
	frame, err := protocol.Marshal(event, channelID, payload)
	if err != nil {
		return 0, err
	}
	return m.BroadcastFrame(channelID, event, frame, exclude)
}

// BroadcastFrame is Broadcast for an already marshaled frame.
func (m *Manager) BroadcastFrame(channelID, event string, frame []byte, exclude string) (int, error) {
	r := m.room(channelID)
	if r == nil {
		if exclude != "" {
			return 0, ErrNotMember
		}
		return 0, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.members[exclude]; exclude != "" && !ok {
		return 0, ErrNotMember
	}
	sent := 0
	for id, s := range r.members {
		if id == exclude {
			continue
		}
		if s.Send(frame) {
			sent++
		}
	}
	metrics.Broadcasts.WithLabelValues(event).Add(float64(sent))
	return sent, nil
}

func (m *Manager) room(channelID string) *room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[channelID]
}
