// Package agent is the client side of a channel: it keeps a local replica in
// sync with a server and reports the connection status.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/internal/access"
	"collabtext/internal/codec"
	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
)

var (
	ErrAccessDenied = errors.New("agent: access denied")
	ErrNotConnected = errors.New("agent: not connected")
)

// AdmissionError is returned by Run when the server refuses the admission
// request itself, as opposed to a member rejecting it.
type AdmissionError struct {
	Code    string
	Message string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("agent: admission refused: %s: %s", e.Code, e.Message)
}

type Config struct {
	URL       string
	ChannelID string
	UserID    string
	UserName  string
	Intent    access.Intent
	// MaxRetries bounds consecutive failed connection attempts. Zero retries
	// forever.
	MaxRetries    uint64
	RetryInterval time.Duration
}

type Opt func(*Agent)

func WithLogger(log *zap.Logger) Opt {
	return func(a *Agent) {
		a.log = log
	}
}

// WithRenderer is called with the document text after every change.
func WithRenderer(fn func(text string)) Opt {
	return func(a *Agent) {
		a.render = fn
	}
}

func WithStatusHandler(fn func(access.Status)) Opt {
	return func(a *Agent) {
		a.onStatus = fn
	}
}

// OnAccessRequest is called when another user asks to join the channel.
func OnAccessRequest(fn func(protocol.AccessRequest)) Opt {
	return func(a *Agent) {
		a.onRequest = fn
	}
}

type Agent struct {
	cfg       Config
	log       *zap.Logger
	dialer    *websocket.Dialer
	render    func(string)
	onStatus  func(access.Status)
	onRequest func(protocol.AccessRequest)
	handlers  map[string]func(protocol.Envelope) error

	mu       sync.Mutex
	replica  *crdt.Replica
	status   access.Status
	granted  bool
	synced   bool
	early    []*crdt.Update
	out      chan []byte
	kick     context.CancelFunc
	requests map[string]protocol.AccessRequest
}

func New(cfg Config, opts ...Opt) *Agent {
	a := &Agent{
		cfg:       cfg,
		log:       zap.NewNop(),
		dialer:    websocket.DefaultDialer,
		render:    func(string) {},
		onStatus:  func(access.Status) {},
		onRequest: func(protocol.AccessRequest) {},
		replica:   crdt.NewReplica(uuid.NewString()),
		requests:  make(map[string]protocol.AccessRequest),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(zap.String("channel", cfg.ChannelID), zap.String("peer", a.replica.PeerID()))
	a.handlers = map[string]func(protocol.Envelope) error{
		protocol.EventAccessGranted:         a.onGranted,
		protocol.EventAccessDenied:          a.onDenied,
		protocol.EventError:                 a.onError,
		protocol.EventSyncCanvas:            a.onSnapshot,
		protocol.EventUpdateCanvas:          a.onUpdate,
		protocol.EventUserAccessRequest:     a.onAccessRequest,
		protocol.EventAccessRequestResolved: a.onRequestResolved,
	}
	return a
}

// Run keeps the agent connected until ctx is done, the request is rejected
// or the retries are exhausted.
func (a *Agent) Run(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	if a.cfg.RetryInterval > 0 {
		eb.InitialInterval = a.cfg.RetryInterval
	}
	b := backoff.WithMaxRetries(eb, a.cfg.MaxRetries)
	b.Reset()

	for {
		admitted, err := a.session(ctx)
		var admErr *AdmissionError
		if errors.Is(err, ErrAccessDenied) || errors.As(err, &admErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if admitted {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("agent: giving up: %w", err)
		}
		a.log.Warn("connection lost, retrying", zap.Duration("backoff", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. admitted reports whether the server let the
// agent in before the connection ended.
func (a *Agent) session(ctx context.Context) (admitted bool, err error) {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("agent: dial %s: %w", a.cfg.URL, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	out := make(chan []byte, 256)
	intent := a.attach(out, cancel)
	defer a.detach()
	go a.writeLoop(ctx, ws, out)

	a.enqueue(protocol.EventOpenChannel, protocol.OpenChannel{
		UserID:   a.cfg.UserID,
		UserName: a.cfg.UserName,
		Intent:   string(intent),
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return a.Status() == access.StatusConnected, fmt.Errorf("agent: read: %w", err)
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			a.log.Warn("ignoring unreadable frame", zap.Error(err))
			continue
		}
		h, ok := a.handlers[env.Event]
		if !ok {
			a.log.Debug("ignoring event", zap.String("event", env.Event))
			continue
		}
		if err := h(env); err != nil {
			return a.Status() == access.StatusConnected, err
		}
	}
}

func (a *Agent) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-out:
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				a.log.Debug("write failed", zap.Error(err))
				ws.Close()
				return
			}
		}
	}
}

// attach resets the per-connection state and returns the intent to open the
// channel with. Once granted, the agent is a member and connects directly.
func (a *Agent) attach(out chan []byte, kick context.CancelFunc) access.Intent {
	a.mu.Lock()
	a.out = out
	a.kick = kick
	a.synced = false
	a.early = nil
	a.status = access.StatusWaiting
	clear(a.requests)
	intent := a.cfg.Intent
	if a.granted {
		intent = access.IntentConnect
	}
	a.mu.Unlock()
	a.onStatus(access.StatusWaiting)
	return intent
}

func (a *Agent) detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = nil
	a.kick = nil
	a.synced = false
}

func (a *Agent) enqueue(event string, data any) bool {
	frame, err := protocol.Marshal(event, a.cfg.ChannelID, data)
	if err != nil {
		a.log.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enqueueLocked(frame)
}

func (a *Agent) enqueueLocked(frame []byte) bool {
	if a.out == nil {
		return false
	}
	select {
	case a.out <- frame:
		return true
	default:
		// The next connection resyncs whatever is dropped here.
		a.log.Warn("outbound queue full, reconnecting")
		a.kick()
		return false
	}
}

func (a *Agent) sendUpdateLocked(u *crdt.Update) {
	if !a.synced || u.Empty() {
		return
	}
	frame, err := protocol.Marshal(protocol.EventUpdateCanvas, a.cfg.ChannelID, codec.Encode(u.Marshal()))
	if err != nil {
		a.log.Error("failed to encode update", zap.Error(err))
		return
	}
	a.enqueueLocked(frame)
}

func (a *Agent) setStatus(s access.Status) {
	a.mu.Lock()
	if s == access.StatusConnected {
		a.granted = true
	}
	a.status = s
	a.mu.Unlock()
	a.log.Info("status changed", zap.Stringer("status", s))
	a.onStatus(s)
}

func (a *Agent) onGranted(protocol.Envelope) error {
	a.setStatus(access.StatusConnected)
	return nil
}

func (a *Agent) onDenied(protocol.Envelope) error {
	a.setStatus(access.StatusDenied)
	return ErrAccessDenied
}

func (a *Agent) onError(env protocol.Envelope) error {
	var e protocol.Error
	if err := env.Decode(&e); err != nil {
		a.log.Warn("unreadable error event", zap.Error(err))
		return nil
	}
	if a.Status() != access.StatusWaiting {
		a.log.Warn("server reported an error", zap.String("code", e.Code), zap.String("message", e.Message))
		return nil
	}
	a.setStatus(access.StatusError)
	return &AdmissionError{Code: e.Code, Message: e.Message}
}

func decodeUpdate(env protocol.Envelope) (*crdt.Update, error) {
	var encoded string
	if err := env.Decode(&encoded); err != nil {
		return nil, err
	}
	raw, err := codec.Decode(encoded)
	if err != nil {
		return nil, err
	}
	return crdt.DecodeUpdate(raw)
}

// onSnapshot merges the server state, then the deltas that arrived ahead of
// it, and sends back whatever the server does not have yet.
func (a *Agent) onSnapshot(env protocol.Envelope) error {
	snap, err := decodeUpdate(env)
	if err != nil {
		a.log.Warn("dropping unreadable snapshot", zap.Error(err))
		return nil
	}
	a.mu.Lock()
	server := crdt.NewDocument()
	for _, u := range append([]*crdt.Update{snap}, a.early...) {
		if _, err := server.Apply(u); err != nil {
			a.log.Warn("dropping conflicting update", zap.Error(err))
			continue
		}
		if _, err := a.replica.Apply(u); err != nil {
			a.log.Warn("dropping conflicting update", zap.Error(err))
		}
	}
	a.early = nil
	a.synced = true
	a.sendUpdateLocked(a.replica.Document().Since(server))
	text := a.replica.Text()
	a.mu.Unlock()

	a.render(text)
	return nil
}

func (a *Agent) onUpdate(env protocol.Envelope) error {
	u, err := decodeUpdate(env)
	if err != nil {
		a.log.Warn("dropping unreadable update", zap.Error(err))
		return nil
	}
	a.mu.Lock()
	if !a.synced {
		a.early = append(a.early, u)
		a.mu.Unlock()
		return nil
	}
	changed, err := a.replica.Apply(u)
	text := a.replica.Text()
	a.mu.Unlock()

	if err != nil {
		a.log.Warn("dropping conflicting update", zap.Error(err))
		return nil
	}
	if changed {
		a.render(text)
	}
	return nil
}

func (a *Agent) onAccessRequest(env protocol.Envelope) error {
	var req protocol.AccessRequest
	if err := env.Decode(&req); err != nil {
		a.log.Warn("unreadable access request", zap.Error(err))
		return nil
	}
	a.mu.Lock()
	_, seen := a.requests[req.UserID]
	a.requests[req.UserID] = req
	a.mu.Unlock()
	if !seen {
		a.onRequest(req)
	}
	return nil
}

func (a *Agent) onRequestResolved(env protocol.Envelope) error {
	var res protocol.AccessResolved
	if err := env.Decode(&res); err != nil {
		a.log.Warn("unreadable resolution", zap.Error(err))
		return nil
	}
	a.mu.Lock()
	delete(a.requests, res.UserID)
	a.mu.Unlock()
	a.log.Info("access request resolved", zap.String("user", res.UserID), zap.String("status", res.Status))
	return nil
}

// Insert places s before the visible character at pos. The edit is applied
// locally and sent without waiting for the server.
func (a *Agent) Insert(pos int, s string) error {
	return a.edit(func(r *crdt.Replica) (*crdt.Update, error) { return r.Insert(pos, s) })
}

// Delete removes n visible characters starting at pos.
func (a *Agent) Delete(pos, n int) error {
	return a.edit(func(r *crdt.Replica) (*crdt.Update, error) { return r.Delete(pos, n) })
}

func (a *Agent) edit(fn func(*crdt.Replica) (*crdt.Update, error)) error {
	a.mu.Lock()
	u, err := fn(a.replica)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.sendUpdateLocked(u)
	text := a.replica.Text()
	a.mu.Unlock()

	a.render(text)
	return nil
}

// Grant admits a user waiting on the channel.
func (a *Agent) Grant(userID string) error { return a.decide(protocol.EventGrantAccess, userID) }

// Reject turns a waiting user away.
func (a *Agent) Reject(userID string) error { return a.decide(protocol.EventRejectAccess, userID) }

func (a *Agent) decide(event, userID string) error {
	if a.Status() != access.StatusConnected {
		return ErrNotConnected
	}
	if !a.enqueue(event, protocol.AccessDecision{UserID: userID}) {
		return ErrNotConnected
	}
	return nil
}

func (a *Agent) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.replica.Text()
}

func (a *Agent) Status() access.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Requests lists the users currently waiting for access.
func (a *Agent) Requests() []protocol.AccessRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.AccessRequest, 0, len(a.requests))
	for _, req := range a.requests {
		out = append(out, req)
	}
	slices.SortFunc(out, func(x, y protocol.AccessRequest) int { return strings.Compare(x.UserID, y.UserID) })
	return out
}
