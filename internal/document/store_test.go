package document

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabtext/internal/codec"
	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
)

type session struct {
	id     string
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (s *session) ID() string   { return s.id }
func (s *session) Closed() bool { return false }

func (s *session) Send(frame []byte) bool {
	env, err := protocol.Parse(frame)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, env)
	return true
}

func (s *session) received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.frames...)
}

type recorder struct {
	mu        sync.Mutex
	published []string
}

func (r *recorder) Publish(channelID, encoded string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, channelID+"/"+encoded)
}

func payload(t *testing.T, env protocol.Envelope) string {
	var s string
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s
}

func encode(u *crdt.Update) string { return codec.Encode(u.Marshal()) }

func setup(t *testing.T, ids ...string) (*Store, *recorder, []*session) {
	rooms := room.NewManager()
	pub := &recorder{}
	s := New(rooms, WithLogger(zaptest.NewLogger(t)), WithPublisher(pub))
	var sessions []*session
	for _, id := range ids {
		sess := &session{id: id}
		require.NoError(t, s.Admit("doc", sess))
		sessions = append(sessions, sess)
	}
	return s, pub, sessions
}

func TestApplyUpdateNoEcho(t *testing.T) {
	s, pub, sessions := setup(t, "x", "y", "z")
	x, y, z := sessions[0], sessions[1], sessions[2]

	r := crdt.NewReplica("peer-x")
	u, err := r.Insert(0, "hi")
	require.NoError(t, err)
	applied, err := s.ApplyUpdate("doc", "x", encode(u))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "hi", s.Text("doc"))

	require.Len(t, x.received(), 1, "sender only got its snapshot")
	for _, other := range []*session{y, z} {
		frames := other.received()
		require.Len(t, frames, 2)
		require.Equal(t, protocol.EventSyncCanvas, frames[0].Event)
		require.Equal(t, protocol.EventUpdateCanvas, frames[1].Event)
		require.Equal(t, "doc", frames[1].ChannelID)
		require.Equal(t, encode(u), payload(t, frames[1]))
	}
	require.Equal(t, []string{"doc/" + encode(u)}, pub.published)
}

func TestApplyUpdateDuplicate(t *testing.T) {
	s, pub, sessions := setup(t, "x", "y")
	r := crdt.NewReplica("peer-x")
	u, err := r.Insert(0, "a")
	require.NoError(t, err)

	applied, err := s.ApplyUpdate("doc", "x", encode(u))
	require.NoError(t, err)
	require.True(t, applied)
	before := s.Snapshot("doc")

	applied, err = s.ApplyUpdate("doc", "x", encode(u))
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, before, s.Snapshot("doc"))
	require.Len(t, sessions[1].received(), 2)
	require.Len(t, pub.published, 1)
}

func TestApplyUpdateRejectsBadInput(t *testing.T) {
	s, pub, sessions := setup(t, "x", "y")
	before := s.Snapshot("doc")

	_, err := s.ApplyUpdate("doc", "x", "not*base64")
	require.ErrorIs(t, err, codec.ErrDecode)

	_, err = s.ApplyUpdate("doc", "x", codec.Encode([]byte{0xff, 0xff, 0xff}))
	require.ErrorIs(t, err, crdt.ErrMalformedUpdate)

	bad := &crdt.Update{Inserts: []crdt.Char{{ID: crdt.ID{Clock: 1, PeerID: "p"}, Value: "two"}}}
	_, err = s.ApplyUpdate("doc", "x", encode(bad))
	require.ErrorIs(t, err, crdt.ErrMalformedUpdate)

	require.Equal(t, before, s.Snapshot("doc"))
	require.Len(t, sessions[1].received(), 1)
	require.Empty(t, pub.published)
}

func TestApplyUpdateRequiresMembership(t *testing.T) {
	s, _, sessions := setup(t, "y")
	r := crdt.NewReplica("peer-x")
	u, err := r.Insert(0, "a")
	require.NoError(t, err)

	_, err = s.ApplyUpdate("doc", "stranger", encode(u))
	require.ErrorIs(t, err, room.ErrNotMember)
	require.Equal(t, "", s.Text("doc"))
	require.Len(t, sessions[0].received(), 1)
}

func TestAdmitSnapshotPrecedesUpdates(t *testing.T) {
	s, _, _ := setup(t, "x")
	r := crdt.NewReplica("peer-x")
	u1, err := r.Insert(0, "abc")
	require.NoError(t, err)
	_, err = s.ApplyUpdate("doc", "x", encode(u1))
	require.NoError(t, err)

	late := &session{id: "late"}
	require.NoError(t, s.Admit("doc", late))
	u2, err := r.Delete(0, 1)
	require.NoError(t, err)
	_, err = s.ApplyUpdate("doc", "x", encode(u2))
	require.NoError(t, err)

	frames := late.received()
	require.Len(t, frames, 2)
	require.Equal(t, protocol.EventSyncCanvas, frames[0].Event)
	require.Equal(t, protocol.EventUpdateCanvas, frames[1].Event)

	replica := crdt.NewReplica("late")
	for _, env := range frames {
		b, err := codec.Decode(payload(t, env))
		require.NoError(t, err)
		u, err := crdt.DecodeUpdate(b)
		require.NoError(t, err)
		_, err = replica.Apply(u)
		require.NoError(t, err)
	}
	require.Equal(t, "bc", replica.Text())
	require.Equal(t, s.Snapshot("doc"), replica.Document().Snapshot().Marshal())
}

func TestApplyRemote(t *testing.T) {
	s, pub, sessions := setup(t, "x")
	r := crdt.NewReplica("elsewhere")
	u, err := r.Insert(0, "z")
	require.NoError(t, err)

	applied, err := s.ApplyRemote("doc", encode(u))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "z", s.Text("doc"))
	require.Len(t, sessions[0].received(), 2)
	require.Empty(t, pub.published)
}

func TestChannelsAreIndependent(t *testing.T) {
	s, _, _ := setup(t, "x")
	other := &session{id: "o"}
	require.NoError(t, s.Admit("notes", other))

	r := crdt.NewReplica("peer-x")
	u, err := r.Insert(0, "a")
	require.NoError(t, err)
	_, err = s.ApplyUpdate("doc", "x", encode(u))
	require.NoError(t, err)

	require.Equal(t, "", s.Text("notes"))
	require.Len(t, other.received(), 1)
}

func TestResyncRequiresMembership(t *testing.T) {
	s, _, sessions := setup(t, "x")
	require.NoError(t, s.Resync("doc", sessions[0]))
	require.Len(t, sessions[0].received(), 2)
	require.ErrorIs(t, s.Resync("doc", &session{id: "stranger"}), room.ErrNotMember)
}

func TestReadsDoNotCreateChannels(t *testing.T) {
	s, _, _ := setup(t)
	require.Equal(t, "", s.Text("ghost"))
	require.Equal(t, crdt.NewDocument().Snapshot().Marshal(), s.Snapshot("ghost"))
	require.ErrorIs(t, s.Resync("ghost", &session{id: "x"}), room.ErrNotMember)
	require.Nil(t, s.lookup("ghost"))
}
