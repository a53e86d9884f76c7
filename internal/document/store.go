// Package document keeps one replicated document per channel and fans
// accepted updates out to the channel room.
package document

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"collabtext/internal/codec"
	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
)

// Publisher forwards accepted updates to other server instances. Publish
// must not block.
type Publisher interface {
	Publish(channelID, encoded string)
}

type entry struct {
	mu  sync.Mutex
	doc *crdt.Document
}

// Store owns the documents of all channels. Each channel has its own lock;
// updates to different channels never contend.
type Store struct {
	log       *zap.Logger
	rooms     *room.Manager
	publisher Publisher

	mu   sync.RWMutex
	docs map[string]*entry
}

type Opt func(*Store)

func WithLogger(log *zap.Logger) Opt {
	return func(s *Store) {
		s.log = log
	}
}

func WithPublisher(p Publisher) Opt {
	return func(s *Store) {
		s.publisher = p
	}
}

func New(rooms *room.Manager, opts ...Opt) *Store {
	s := &Store{
		log:   zap.NewNop(),
		rooms: rooms,
		docs:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entry(channelID string) *entry {
	s.mu.RLock()
	e, ok := s.docs[channelID]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.docs[channelID]; !ok {
		e = &entry{doc: crdt.NewDocument()}
		s.docs[channelID] = e
	}
	return e
}

// ApplyUpdate merges an encoded update sent by senderID into the channel
// document. When the document changed the update is sent to every other room
// member before the channel lock is released. Undecodable, malformed and
// conflicting updates leave the document untouched.
func (s *Store) ApplyUpdate(channelID, senderID, encoded string) (bool, error) {
	u, err := s.decode(channelID, encoded)
	if err != nil {
		return false, err
	}
	if !s.rooms.IsMember(channelID, senderID) {
		metrics.UpdatesUnauthorized.Inc()
		return false, room.ErrNotMember
	}
	applied, err := s.apply(channelID, senderID, encoded, u)
	if applied && s.publisher != nil {
		s.publisher.Publish(channelID, encoded)
	}
	return applied, err
}

// ApplyRemote merges an update relayed from another instance.
func (s *Store) ApplyRemote(channelID, encoded string) (bool, error) {
	u, err := s.decode(channelID, encoded)
	if err != nil {
		return false, err
	}
	return s.apply(channelID, "", encoded, u)
}

func (s *Store) decode(channelID, encoded string) (*crdt.Update, error) {
	b, err := codec.Decode(encoded)
	if err != nil {
		metrics.UpdatesUndecodable.Inc()
		s.log.Warn("dropping undecodable update", zap.String("channel", channelID), zap.Error(err))
		return nil, err
	}
	u, err := crdt.DecodeUpdate(b)
	if err != nil {
		metrics.UpdatesMalformed.Inc()
		s.log.Warn("dropping malformed update", zap.String("channel", channelID), zap.Error(err))
		return nil, err
	}
	return u, nil
}

func (s *Store) apply(channelID, senderID, encoded string, u *crdt.Update) (bool, error) {
	e := s.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	changed, err := e.doc.Apply(u)
	if err != nil {
		metrics.UpdatesMalformed.Inc()
		s.log.Warn("dropping conflicting update", zap.String("channel", channelID), zap.Error(err))
		return false, err
	}
	if !changed {
		metrics.UpdatesDuplicate.Inc()
		return false, nil
	}
	metrics.UpdatesApplied.Inc()
	n, err := s.rooms.Broadcast(channelID, protocol.EventUpdateCanvas, encoded, senderID)
	if err != nil && !errors.Is(err, room.ErrNotMember) {
		return true, fmt.Errorf("broadcast update: %w", err)
	}
	s.log.Debug("applied update",
		zap.String("channel", channelID),
		zap.String("sender", senderID),
		zap.Int("inserts", len(u.Inserts)),
		zap.Int("deletes", len(u.Deletes)),
		zap.Int("recipients", n),
	)
	return true, nil
}

// lookup returns the channel entry without creating it.
func (s *Store) lookup(channelID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[channelID]
}

// Snapshot returns the full state of the channel document. Unknown channels
// are empty.
func (s *Store) Snapshot(channelID string) []byte {
	e := s.lookup(channelID)
	if e == nil {
		return crdt.NewDocument().Snapshot().Marshal()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Snapshot().Marshal()
}

// Text renders the channel document.
func (s *Store) Text(channelID string) string {
	e := s.lookup(channelID)
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Text()
}

// Admit joins the session to the channel room and sends it a snapshot. Both
// happen under the channel lock, so every update the snapshot misses reaches
// the session after it.
func (s *Store) Admit(channelID string, sess room.Session) error {
	e := s.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.rooms.Join(channelID, sess); err != nil {
		return err
	}
	return s.sendSnapshot(channelID, e.doc, sess)
}

// Resync sends a fresh snapshot to a current member.
func (s *Store) Resync(channelID string, sess room.Session) error {
	e := s.lookup(channelID)
	if e == nil {
		return room.ErrNotMember
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !s.rooms.IsMember(channelID, sess.ID()) {
		return room.ErrNotMember
	}
	return s.sendSnapshot(channelID, e.doc, sess)
}

func (s *Store) sendSnapshot(channelID string, doc *crdt.Document, sess room.Session) error {
	frame, err := protocol.Marshal(protocol.EventSyncCanvas, channelID, codec.Encode(doc.Snapshot().Marshal()))
	if err != nil {
		return err
	}
	if !sess.Send(frame) {
		return room.ErrSessionClosed
	}
	return nil
}
