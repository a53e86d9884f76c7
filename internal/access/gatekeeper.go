// Package access decides who may join a channel. Users either connect
// directly because they are entitled, or ask for access and wait until a
// connected member grants or rejects the request.
package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/internal/metrics"
)

var (
	ErrInvalidIntent    = errors.New("access: intent must be connect or request-access")
	ErrNotEntitled      = errors.New("access: user is not entitled to the channel")
	ErrNoPendingRequest = errors.New("access: no pending request for user")
	ErrMissingIdentity  = errors.New("access: channel and user ids are required")
)

// Request is a user's pending wish to join a channel. Sessions lists the
// connections waiting on it; a user with several tabs still has one request.
type Request struct {
	ChannelID string
	UserID    string
	UserName  string
	Status    RequestStatus
	Sessions  []string
	CreatedAt time.Time
}

func (r *Request) clone() Request {
	c := *r
	c.Sessions = slices.Clone(r.Sessions)
	return c
}

type Admission struct {
	ChannelID string
	UserID    string
	UserName  string
	SessionID string
	Intent    Intent
}

// Decision is the outcome of Admit. Created is false when the session was
// attached to an already pending request, in which case members must not be
// notified again.
type Decision struct {
	Status  Status
	Request *Request
	Created bool
}

type gate struct {
	mu      sync.Mutex
	pending []*Request
}

func (g *gate) find(userID string) int {
	return slices.IndexFunc(g.pending, func(r *Request) bool { return r.UserID == userID })
}

// Gatekeeper holds the pending queue of every channel. Operations on one
// channel are serialized; different channels do not share a lock.
type Gatekeeper struct {
	log          *zap.Logger
	entitlements Entitlements

	mu    sync.Mutex
	gates map[string]*gate
}

type Opt func(*Gatekeeper)

func WithLogger(log *zap.Logger) Opt {
	return func(g *Gatekeeper) {
		g.log = log
	}
}

func WithEntitlements(e Entitlements) Opt {
	return func(g *Gatekeeper) {
		g.entitlements = e
	}
}

func New(opts ...Opt) *Gatekeeper {
	g := &Gatekeeper{
		log:   zap.NewNop(),
		gates: make(map[string]*gate),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.entitlements == nil {
		g.entitlements = NewMemoryEntitlements()
	}
	return g
}

func (g *Gatekeeper) gate(channelID string, create bool) *gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt, ok := g.gates[channelID]
	if !ok && create {
		gt = &gate{}
		g.gates[channelID] = gt
	}
	return gt
}

// Admit resolves an intent. Entitled users, and the first user of a channel
// nobody owns yet, are connected directly. Anyone else asking for access is
// queued, at most once per user.
func (g *Gatekeeper) Admit(ctx context.Context, a Admission) (Decision, error) {
	d, err := g.admit(ctx, a)
	metrics.Admission(d.Status.String())
	return d, err
}

func (g *Gatekeeper) admit(ctx context.Context, a Admission) (Decision, error) {
	if !a.Intent.Valid() {
		return Decision{Status: StatusError}, fmt.Errorf("%w: got %q", ErrInvalidIntent, a.Intent)
	}
	if a.ChannelID == "" || a.UserID == "" {
		return Decision{Status: StatusError}, ErrMissingIdentity
	}

	gt := g.gate(a.ChannelID, true)
	gt.mu.Lock()
	defer gt.mu.Unlock()

	entitled, err := g.entitlements.IsEntitled(ctx, a.ChannelID, a.UserID)
	if err != nil {
		return Decision{Status: StatusError}, err
	}
	if !entitled {
		entitled, err = g.entitlements.Claim(ctx, a.ChannelID, a.UserID)
		if err != nil {
			return Decision{Status: StatusError}, err
		}
		if entitled {
			g.log.Info("channel claimed", zap.String("channel", a.ChannelID), zap.String("user", a.UserID))
		}
	}
	if entitled {
		return Decision{Status: StatusConnected}, nil
	}
	if a.Intent == IntentConnect {
		return Decision{Status: StatusError}, ErrNotEntitled
	}

	if i := gt.find(a.UserID); i >= 0 {
		req := gt.pending[i]
		if !slices.Contains(req.Sessions, a.SessionID) {
			req.Sessions = append(req.Sessions, a.SessionID)
		}
		c := req.clone()
		return Decision{Status: StatusWaiting, Request: &c}, nil
	}
	req := &Request{
		ChannelID: a.ChannelID,
		UserID:    a.UserID,
		UserName:  a.UserName,
		Status:    RequestPending,
		Sessions:  []string{a.SessionID},
		CreatedAt: time.Now(),
	}
	gt.pending = append(gt.pending, req)
	metrics.PendingRequests.Inc()
	g.log.Info("access requested",
		zap.String("channel", a.ChannelID),
		zap.String("user", a.UserID),
		zap.String("name", a.UserName),
	)
	c := req.clone()
	return Decision{Status: StatusWaiting, Request: &c, Created: true}, nil
}

// Resolve grants or rejects the pending request of userID. The request leaves
// the queue and changes status in one step.
func (g *Gatekeeper) Resolve(ctx context.Context, channelID, userID string, grant bool) (Request, error) {
	gt := g.gate(channelID, false)
	if gt == nil {
		return Request{}, ErrNoPendingRequest
	}
	gt.mu.Lock()
	defer gt.mu.Unlock()
	i := gt.find(userID)
	if i < 0 {
		return Request{}, ErrNoPendingRequest
	}
	req := gt.pending[i]
	if grant {
		if err := g.entitlements.Entitle(ctx, channelID, userID); err != nil {
			return Request{}, err
		}
		req.Status = RequestGranted
	} else {
		req.Status = RequestDenied
	}
	gt.pending = slices.Delete(gt.pending, i, i+1)
	metrics.PendingRequests.Dec()
	g.log.Info("access request resolved",
		zap.String("channel", channelID),
		zap.String("user", userID),
		zap.Stringer("status", req.Status),
	)
	return req.clone(), nil
}

// CancelSession detaches a closed session from the channel's requests.
// Requests with no waiting session left are dropped and returned with status
// RequestCancelled.
func (g *Gatekeeper) CancelSession(channelID, sessionID string) []Request {
	gt := g.gate(channelID, false)
	if gt == nil {
		return nil
	}
	gt.mu.Lock()
	defer gt.mu.Unlock()
	var cancelled []Request
	gt.pending = slices.DeleteFunc(gt.pending, func(req *Request) bool {
		req.Sessions = slices.DeleteFunc(req.Sessions, func(id string) bool { return id == sessionID })
		if len(req.Sessions) > 0 {
			return false
		}
		req.Status = RequestCancelled
		cancelled = append(cancelled, req.clone())
		return true
	})
	for _, req := range cancelled {
		metrics.PendingRequests.Dec()
		g.log.Info("access request cancelled", zap.String("channel", channelID), zap.String("user", req.UserID))
	}
	return cancelled
}

// Pending returns the channel's queue in arrival order.
func (g *Gatekeeper) Pending(channelID string) []Request {
	gt := g.gate(channelID, false)
	if gt == nil {
		return nil
	}
	gt.mu.Lock()
	defer gt.mu.Unlock()
	out := make([]Request, 0, len(gt.pending))
	for _, req := range gt.pending {
		out = append(out, req.clone())
	}
	return out
}
