package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"collabtext/internal/codec"
	"collabtext/internal/config"
	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
)

const channel = "doc-1"

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func start(t *testing.T, opts ...Opt) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(config.Default(), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(event, channelID string, data any) {
	c.t.Helper()
	frame, err := protocol.Marshal(event, channelID, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, frame))
}

func (c *client) next() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	env, err := protocol.Parse(frame)
	require.NoError(c.t, err)
	return env
}

func (c *client) expect(event string) protocol.Envelope {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, event, env.Event, "data: %s", env.Data)
	return env
}

// quiet proves nothing is queued for the client by asking for a snapshot and
// checking it is the next frame.
func (c *client) quiet(channelID string) {
	c.t.Helper()
	c.send(protocol.EventSyncCanvas, channelID, nil)
	c.expect(protocol.EventSyncCanvas)
}

func (c *client) open(channelID, userID, intent string) {
	c.t.Helper()
	c.send(protocol.EventOpenChannel, channelID, protocol.OpenChannel{
		UserID:   userID,
		UserName: strings.ToUpper(userID),
		Intent:   intent,
	})
}

// owner opens the channel first and so claims it.
func owner(t *testing.T, ts *httptest.Server) *client {
	c := dial(t, ts)
	c.open(channel, "alice", "connect")
	c.expect(protocol.EventAccessGranted)
	c.expect(protocol.EventSyncCanvas)
	return c
}

func text(t *testing.T, env protocol.Envelope) string {
	var encoded string
	require.NoError(t, json.Unmarshal(env.Data, &encoded))
	raw, err := codec.Decode(encoded)
	require.NoError(t, err)
	u, err := crdt.DecodeUpdate(raw)
	require.NoError(t, err)
	doc := crdt.NewDocument()
	_, err = doc.Apply(u)
	require.NoError(t, err)
	return doc.Text()
}

func edit(t *testing.T, r *crdt.Replica, pos int, s string) string {
	u, err := r.Insert(pos, s)
	require.NoError(t, err)
	return codec.Encode(u.Marshal())
}

func TestOwnerClaimsChannel(t *testing.T) {
	_, ts := start(t)
	a := owner(t, ts)

	// Reopening is a resync.
	a.open(channel, "alice", "connect")
	env := a.expect(protocol.EventSyncCanvas)
	require.Equal(t, "", text(t, env))
}

func TestReopenByMember(t *testing.T) {
	_, ts := start(t)
	a := owner(t, ts)
	peer := dial(t, ts)
	peer.open(channel, "alice", "connect")
	peer.expect(protocol.EventAccessGranted)
	peer.expect(protocol.EventSyncCanvas)

	var e protocol.Error
	a.open(channel, "alice", "bogus")
	env := a.expect(protocol.EventError)
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "invalid-intent", e.Code)

	a.open(channel, "zed", "connect")
	env = a.expect(protocol.EventError)
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "bad-request", e.Code)

	a.open(channel, "zed", "bogus")
	env = a.expect(protocol.EventError)
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "invalid-intent", e.Code)

	// Still connected as alice: updates are accepted and relayed.
	update := edit(t, crdt.NewReplica("alice"), 0, "ok")
	a.send(protocol.EventUpdateCanvas, channel, update)
	env = peer.expect(protocol.EventUpdateCanvas)
	var got string
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, update, got)
	a.quiet(channel)
}

func TestConnectWithoutEntitlement(t *testing.T) {
	_, ts := start(t)
	owner(t, ts)

	b := dial(t, ts)
	b.open(channel, "bob", "connect")
	env := b.expect(protocol.EventError)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "not-entitled", e.Code)
}

func TestInvalidIntent(t *testing.T) {
	_, ts := start(t)
	a := dial(t, ts)
	a.open(channel, "alice", "lurk")
	env := a.expect(protocol.EventError)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "invalid-intent", e.Code)
}

func TestRequestGranted(t *testing.T) {
	_, ts := start(t)
	a := owner(t, ts)
	alice := crdt.NewReplica("alice")
	a.send(protocol.EventUpdateCanvas, channel, edit(t, alice, 0, "hi"))

	b := dial(t, ts)
	b.open(channel, "bob", "request-access")
	env := a.expect(protocol.EventUserAccessRequest)
	var req protocol.AccessRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	require.Equal(t, protocol.AccessRequest{UserID: "bob", UserName: "BOB"}, req)

	a.send(protocol.EventGrantAccess, channel, protocol.AccessDecision{UserID: "bob"})
	b.expect(protocol.EventAccessGranted)
	require.Equal(t, "hi", text(t, b.expect(protocol.EventSyncCanvas)))

	for _, c := range []*client{a, b} {
		env := c.expect(protocol.EventAccessRequestResolved)
		var res protocol.AccessResolved
		require.NoError(t, json.Unmarshal(env.Data, &res))
		require.Equal(t, protocol.AccessResolved{UserID: "bob", Status: "granted"}, res)
	}

	// Bob is now entitled and can connect directly.
	b2 := dial(t, ts)
	b2.open(channel, "bob", "connect")
	b2.expect(protocol.EventAccessGranted)
	require.Equal(t, "hi", text(t, b2.expect(protocol.EventSyncCanvas)))
}

func TestRequestRejected(t *testing.T) {
	_, ts := start(t)
	a := owner(t, ts)

	b := dial(t, ts)
	b.open(channel, "bob", "request-access")
	a.expect(protocol.EventUserAccessRequest)

	a.send(protocol.EventRejectAccess, channel, protocol.AccessDecision{UserID: "bob"})
	b.expect(protocol.EventAccessDenied)
	require.NoError(t, b.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := b.ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.ClosePolicyViolation, ce.Code)

	env := a.expect(protocol.EventAccessRequestResolved)
	var res protocol.AccessResolved
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, "denied", res.Status)

	// Nothing is pending any more.
	a.send(protocol.EventRejectAccess, channel, protocol.AccessDecision{UserID: "bob"})
	env = a.expect(protocol.EventError)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "no-pending-request", e.Code)
}

func TestRequestsDeduplicatedPerUser(t *testing.T) {
	srv, ts := start(t)
	a := owner(t, ts)

	b1 := dial(t, ts)
	b1.open(channel, "bob", "request-access")
	a.expect(protocol.EventUserAccessRequest)

	b2 := dial(t, ts)
	b2.open(channel, "bob", "request-access")
	require.Eventually(t, func() bool {
		reqs := srv.gate.Pending(channel)
		return len(reqs) == 1 && len(reqs[0].Sessions) == 2
	}, 2*time.Second, 10*time.Millisecond)
	a.quiet(channel)

	a.send(protocol.EventGrantAccess, channel, protocol.AccessDecision{UserID: "bob"})
	for _, b := range []*client{b1, b2} {
		b.expect(protocol.EventAccessGranted)
		b.expect(protocol.EventSyncCanvas)
	}
}

func TestPendingRequestCancelledOnDisconnect(t *testing.T) {
	_, ts := start(t)
	a := owner(t, ts)

	b := dial(t, ts)
	b.open(channel, "bob", "request-access")
	a.expect(protocol.EventUserAccessRequest)
	require.NoError(t, b.ws.Close())

	env := a.expect(protocol.EventAccessRequestResolved)
	var res protocol.AccessResolved
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, protocol.AccessResolved{UserID: "bob", Status: "cancelled"}, res)
}

func TestLateMemberSeesPendingRequests(t *testing.T) {
	_, ts := start(t)
	owner(t, ts)

	b := dial(t, ts)
	b.open(channel, "bob", "request-access")

	a2 := dial(t, ts)
	a2.open(channel, "alice", "connect")
	a2.expect(protocol.EventAccessGranted)
	a2.expect(protocol.EventSyncCanvas)
	env := a2.expect(protocol.EventUserAccessRequest)
	var req protocol.AccessRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	require.Equal(t, "bob", req.UserID)
}

func TestUpdatesReachOtherMembers(t *testing.T) {
	_, ts := start(t)
	a := owner(t, ts)
	a2 := dial(t, ts)
	a2.open(channel, "alice", "connect")
	a2.expect(protocol.EventAccessGranted)
	a2.expect(protocol.EventSyncCanvas)

	alice := crdt.NewReplica("alice")
	first := edit(t, alice, 0, "hello")
	a.send(protocol.EventUpdateCanvas, channel, first)

	env := a2.expect(protocol.EventUpdateCanvas)
	var got string
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, first, got)

	// Not echoed to the sender.
	a.quiet(channel)

	// A duplicate changes nothing and is not relayed.
	a.send(protocol.EventUpdateCanvas, channel, first)
	second := edit(t, alice, 5, "!")
	a.send(protocol.EventUpdateCanvas, channel, second)
	env = a2.expect(protocol.EventUpdateCanvas)
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, second, got)

	// Garbage is dropped without a reply.
	a.send(protocol.EventUpdateCanvas, channel, "not base64!")
	a.quiet(channel)

	a2.send(protocol.EventSyncCanvas, channel, nil)
	require.Equal(t, "hello!", text(t, a2.expect(protocol.EventSyncCanvas)))
}

func TestUpdateFromNonMember(t *testing.T) {
	_, ts := start(t)
	owner(t, ts)

	b := dial(t, ts)
	b.open(channel, "bob", "request-access")
	b.send(protocol.EventUpdateCanvas, channel, edit(t, crdt.NewReplica("bob"), 0, "x"))
	env := b.expect(protocol.EventError)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "not-member", e.Code)
}

func TestGrantRequiresMembership(t *testing.T) {
	_, ts := start(t)
	owner(t, ts)

	b := dial(t, ts)
	b.open(channel, "bob", "request-access")
	c := dial(t, ts)
	c.open(channel, "carol", "request-access")

	b.send(protocol.EventGrantAccess, channel, protocol.AccessDecision{UserID: "carol"})
	env := b.expect(protocol.EventError)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "not-member", e.Code)
}

func TestDisconnectKeepsOthersConnected(t *testing.T) {
	_, ts := start(t)
	a := owner(t, ts)
	a2 := dial(t, ts)
	a2.open(channel, "alice", "connect")
	a2.expect(protocol.EventAccessGranted)
	a2.expect(protocol.EventSyncCanvas)

	require.NoError(t, a2.ws.Close())

	alice := crdt.NewReplica("alice")
	a.send(protocol.EventUpdateCanvas, channel, edit(t, alice, 0, "still here"))
	a.send(protocol.EventSyncCanvas, channel, nil)
	require.Equal(t, "still here", text(t, a.expect(protocol.EventSyncCanvas)))
}

func TestUnknownEventAndBadFrames(t *testing.T) {
	_, ts := start(t)
	a := dial(t, ts)

	a.send("teleport", channel, nil)
	env := a.expect(protocol.EventError)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "unknown-event", e.Code)

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("{")))
	env = a.expect(protocol.EventError)
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "bad-request", e.Code)
}

func TestPlainContentRelay(t *testing.T) {
	_, ts := start(t)
	a := dial(t, ts)
	b := dial(t, ts)
	a.send(protocol.EventJoinChannel, "notes", nil)
	b.send(protocol.EventJoinChannel, "notes", nil)

	// get-content doubles as a barrier: joins are processed in order.
	a.send(protocol.EventGetContent, "notes", nil)
	a.expect(protocol.EventLoadContent)
	b.send(protocol.EventGetContent, "notes", nil)
	b.expect(protocol.EventLoadContent)

	a.send(protocol.EventSendContent, "notes", protocol.Content{Content: "draft"})
	env := b.expect(protocol.EventReceiveContent)
	var got protocol.Content
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, "draft", got.Content)

	b.send(protocol.EventLeaveChannel, "notes", nil)
	b.send(protocol.EventSendContent, "notes", protocol.Content{Content: "late"})
	env = b.expect(protocol.EventError)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	require.Equal(t, "not-member", e.Code)
}

func TestHTTPEndpoints(t *testing.T) {
	_, ts := start(t)

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestChannelStateNotServedOverHTTP(t *testing.T) {
	_, ts := start(t)
	a := owner(t, ts)
	a.send(protocol.EventUpdateCanvas, channel, edit(t, crdt.NewReplica("alice"), 0, "secret"))
	a.quiet(channel)

	m := dial(t, ts)
	m.open(channel, "mallory", "request-access")
	a.expect(protocol.EventUserAccessRequest)
	a.send(protocol.EventRejectAccess, channel, protocol.AccessDecision{UserID: "mallory"})
	m.expect(protocol.EventAccessDenied)

	for _, path := range []string{
		"/api/v1/channels/" + channel + "/snapshot",
		"/api/v1/channels/" + channel + "/requests",
		"/api/v1/channels/unknown/snapshot",
	} {
		res, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, res.StatusCode, path)
		require.NotContains(t, string(body), "secret", path)
	}
}

func TestRemoteUpdatesReachMembers(t *testing.T) {
	srv, ts := start(t)
	a := owner(t, ts)

	update := edit(t, crdt.NewReplica("elsewhere"), 0, "relayed")
	srv.ApplyRemote(channel, update)
	env := a.expect(protocol.EventUpdateCanvas)
	var got string
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, update, got)
}

func TestCheckOrigin(t *testing.T) {
	cfg := config.Default()
	cfg.AllowedOrigin = "http://app.example"
	srv := New(cfg)

	for origin, ok := range map[string]bool{
		"":                   true,
		"http://app.example": true,
		"http://evil.test":   false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		require.Equal(t, ok, srv.checkOrigin(r), origin)
	}
}
