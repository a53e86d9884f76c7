package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"collabtext/internal/access"
	"collabtext/internal/codec"
	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
)

var (
	ErrBadRequest   = errors.New("server: malformed request")
	ErrUnknownEvent = errors.New("server: unknown event")
	ErrRateLimited  = errors.New("server: too many messages")
)

// admissionTimeout bounds entitlement lookups, which may hit the database.
const admissionTimeout = 5 * time.Second

type handler func(c *conn, env protocol.Envelope) error

func (s *Server) routes() map[string]handler {
	return map[string]handler{
		protocol.EventOpenChannel:    s.handleOpen,
		protocol.EventConnectChannel: s.handleIntent(access.IntentConnect),
		protocol.EventRequestAccess:  s.handleIntent(access.IntentRequestAccess),
		protocol.EventGrantAccess:    s.handleDecision(true),
		protocol.EventRejectAccess:   s.handleDecision(false),
		protocol.EventUpdateCanvas:   s.handleUpdate,
		protocol.EventSyncCanvas:     s.handleSync,

		protocol.EventJoinChannel:  s.handleJoin,
		protocol.EventLeaveChannel: s.handleLeave,
		protocol.EventSendContent:  s.handleSendContent,
		protocol.EventGetContent:   s.handleGetContent,
	}
}

func (s *Server) dispatch(c *conn, env protocol.Envelope) {
	h, ok := s.handlers[env.Event]
	if !ok {
		s.fail(c, env.ChannelID, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event))
		return
	}
	if err := h(c, env); err != nil {
		s.fail(c, env.ChannelID, err)
	}
}

// fail reports a request error to the connection that caused it.
func (s *Server) fail(c *conn, channelID string, err error) {
	code := errorCode(err)
	c.log.Debug("request failed", zap.String("channel", channelID), zap.String("code", code), zap.Error(err))
	c.emit(protocol.EventError, channelID, protocol.Error{Code: code, Message: err.Error()})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, access.ErrInvalidIntent):
		return "invalid-intent"
	case errors.Is(err, access.ErrNotEntitled):
		return "not-entitled"
	case errors.Is(err, access.ErrNoPendingRequest):
		return "no-pending-request"
	case errors.Is(err, access.ErrMissingIdentity), errors.Is(err, ErrBadRequest):
		return "bad-request"
	case errors.Is(err, room.ErrNotMember):
		return "not-member"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown-event"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	}
	return "internal"
}

func decode(env protocol.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

func requireChannel(env protocol.Envelope) error {
	if env.ChannelID == "" {
		return fmt.Errorf("%w: missing channelId", ErrBadRequest)
	}
	return nil
}

func (s *Server) handleOpen(c *conn, env protocol.Envelope) error {
	if err := requireChannel(env); err != nil {
		return err
	}
	var p protocol.OpenChannel
	if err := decode(env, &p); err != nil {
		return err
	}
	return s.admit(c, env.ChannelID, p, access.Intent(p.Intent))
}

func (s *Server) handleIntent(intent access.Intent) handler {
	return func(c *conn, env protocol.Envelope) error {
		if err := requireChannel(env); err != nil {
			return err
		}
		var p protocol.OpenChannel
		if err := decode(env, &p); err != nil {
			return err
		}
		return s.admit(c, env.ChannelID, p, intent)
	}
}

func (s *Server) admit(c *conn, channelID string, p protocol.OpenChannel, intent access.Intent) error {
	if channelID == "" {
		return fmt.Errorf("%w: missing channelId", ErrBadRequest)
	}
	if !intent.Valid() {
		return fmt.Errorf("%w: got %q", access.ErrInvalidIntent, intent)
	}
	// A connection holds one identity per channel.
	if m, ok := c.membership(channelID); ok && !m.status.Terminal() && m.userID != p.UserID {
		return fmt.Errorf("%w: channel already opened as %q", ErrBadRequest, m.userID)
	}
	if _, ok := s.connected(c, channelID); ok {
		return s.docs.Resync(channelID, c)
	}

	// Recorded before the gate decides so a grant racing with this call is
	// not overwritten below.
	c.setMembership(channelID, p.UserID, p.UserName, access.StatusWaiting)
	ctx, cancel := context.WithTimeout(context.Background(), admissionTimeout)
	defer cancel()
	dec, err := s.gate.Admit(ctx, access.Admission{
		ChannelID: channelID,
		UserID:    p.UserID,
		UserName:  p.UserName,
		SessionID: c.id,
		Intent:    intent,
	})
	if !c.settle(channelID, dec.Status) {
		return nil
	}
	if err != nil {
		return err
	}

	switch dec.Status {
	case access.StatusConnected:
		return s.enter(c, channelID)
	case access.StatusWaiting:
		if dec.Created {
			_, err := s.rooms.Broadcast(channelID, protocol.EventUserAccessRequest, protocol.AccessRequest{
				UserID:   p.UserID,
				UserName: p.UserName,
			}, "")
			return err
		}
	}
	return nil
}

// enter lets a connection into a channel it has been admitted to: it is told
// so, receives the document snapshot and learns about requests it may now
// resolve.
func (s *Server) enter(c *conn, channelID string) error {
	if !c.emit(protocol.EventAccessGranted, channelID, nil) {
		return room.ErrSessionClosed
	}
	if err := s.docs.Admit(channelID, c); err != nil {
		return err
	}
	for _, req := range s.gate.Pending(channelID) {
		c.emit(protocol.EventUserAccessRequest, channelID, protocol.AccessRequest{
			UserID:   req.UserID,
			UserName: req.UserName,
		})
	}
	c.log.Info("joined channel", zap.String("channel", channelID))
	return nil
}

func (s *Server) connected(c *conn, channelID string) (membership, bool) {
	m, ok := c.membership(channelID)
	if !ok || m.status != access.StatusConnected || !s.rooms.IsMember(channelID, c.id) {
		return membership{}, false
	}
	return m, true
}

func (s *Server) handleDecision(grant bool) handler {
	return func(c *conn, env protocol.Envelope) error {
		if err := requireChannel(env); err != nil {
			return err
		}
		var p protocol.AccessDecision
		if err := decode(env, &p); err != nil {
			return err
		}
		if p.UserID == "" {
			return fmt.Errorf("%w: missing userId", ErrBadRequest)
		}
		resolver, ok := s.connected(c, env.ChannelID)
		if !ok {
			return room.ErrNotMember
		}

		ctx, cancel := context.WithTimeout(context.Background(), admissionTimeout)
		defer cancel()
		req, err := s.gate.Resolve(ctx, env.ChannelID, p.UserID, grant)
		if err != nil {
			return err
		}

		for _, id := range req.Sessions {
			target := s.conn(id)
			if target == nil {
				continue
			}
			if grant {
				target.setStatus(env.ChannelID, access.StatusConnected)
				if err := s.enter(target, env.ChannelID); err != nil {
					target.log.Warn("failed to admit granted session", zap.String("channel", env.ChannelID), zap.Error(err))
				}
				continue
			}
			target.setStatus(env.ChannelID, access.StatusDenied)
			target.emit(protocol.EventAccessDenied, env.ChannelID, nil)
			target.finish()
		}

		c.log.Info("access request resolved",
			zap.String("channel", env.ChannelID),
			zap.String("user", p.UserID),
			zap.String("by", resolver.userID),
			zap.Stringer("status", req.Status),
		)
		_, err = s.rooms.Broadcast(env.ChannelID, protocol.EventAccessRequestResolved, protocol.AccessResolved{
			UserID: p.UserID,
			Status: req.Status.String(),
		}, "")
		return err
	}
}

func (s *Server) cancelPending(channelID, sessionID string) {
	for _, req := range s.gate.CancelSession(channelID, sessionID) {
		if _, err := s.rooms.Broadcast(channelID, protocol.EventAccessRequestResolved, protocol.AccessResolved{
			UserID: req.UserID,
			Status: req.Status.String(),
		}, ""); err != nil {
			s.log.Warn("failed to announce cancelled request", zap.String("channel", channelID), zap.Error(err))
		}
	}
}

func (s *Server) handleUpdate(c *conn, env protocol.Envelope) error {
	if err := requireChannel(env); err != nil {
		return err
	}
	var encoded string
	if err := decode(env, &encoded); err != nil {
		return err
	}
	if _, ok := s.connected(c, env.ChannelID); !ok {
		return room.ErrNotMember
	}
	_, err := s.docs.ApplyUpdate(env.ChannelID, c.id, encoded)
	switch {
	case errors.Is(err, codec.ErrDecode), errors.Is(err, crdt.ErrMalformedUpdate), errors.Is(err, crdt.ErrConflict):
		// Already logged and counted by the store; the sender gets nothing.
		return nil
	}
	return err
}

func (s *Server) handleSync(c *conn, env protocol.Envelope) error {
	if err := requireChannel(env); err != nil {
		return err
	}
	if _, ok := s.connected(c, env.ChannelID); !ok {
		return room.ErrNotMember
	}
	return s.docs.Resync(env.ChannelID, c)
}

func (s *Server) handleJoin(c *conn, env protocol.Envelope) error {
	if err := requireChannel(env); err != nil {
		return err
	}
	return s.legacy.Join(env.ChannelID, c)
}

func (s *Server) handleLeave(c *conn, env protocol.Envelope) error {
	if err := requireChannel(env); err != nil {
		return err
	}
	s.legacy.Leave(env.ChannelID, c.id)
	s.rooms.Leave(env.ChannelID, c.id)
	s.cancelPending(env.ChannelID, c.id)
	c.dropMembership(env.ChannelID)
	return nil
}

func (s *Server) handleSendContent(c *conn, env protocol.Envelope) error {
	if err := requireChannel(env); err != nil {
		return err
	}
	var p protocol.Content
	if err := decode(env, &p); err != nil {
		return err
	}
	_, err := s.legacy.Broadcast(env.ChannelID, protocol.EventReceiveContent, p, c.id)
	return err
}

func (s *Server) handleGetContent(c *conn, env protocol.Envelope) error {
	c.emit(protocol.EventLoadContent, env.ChannelID, protocol.Content{})
	return nil
}
