package crdt

import (
	"errors"
	"fmt"
)

var ErrOutOfRange = errors.New("crdt: position out of range")

// Replica is a Document owned by one peer that can produce local edits.
type Replica struct {
	peer string
	doc  *Document
}

func NewReplica(peerID string) *Replica {
	return &Replica{peer: peerID, doc: NewDocument()}
}

func (r *Replica) PeerID() string { return r.peer }

func (r *Replica) Document() *Document { return r.doc }

func (r *Replica) Text() string { return r.doc.Text() }

// Apply merges a remote update.
func (r *Replica) Apply(u *Update) (bool, error) { return r.doc.Apply(u) }

// Insert places text before the visible character at pos and returns the
// delta to send to other replicas.
func (r *Replica) Insert(pos int, text string) (*Update, error) {
	vis := r.doc.visible()
	if pos < 0 || pos > len(vis) {
		return nil, fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, pos, len(vis))
	}
	var origin ID
	if pos > 0 {
		origin = vis[pos-1].ID
	}
	u := &Update{}
	clock := r.doc.clock
	for _, rn := range text {
		clock++
		c := Char{ID: ID{Clock: clock, PeerID: r.peer}, Origin: origin, Value: string(rn)}
		u.Inserts = append(u.Inserts, c)
		origin = c.ID
	}
	if _, err := r.doc.Apply(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Delete removes n visible characters starting at pos.
func (r *Replica) Delete(pos, n int) (*Update, error) {
	vis := r.doc.visible()
	if pos < 0 || n < 0 || pos+n > len(vis) {
		return nil, fmt.Errorf("%w: delete %d at %d of %d", ErrOutOfRange, n, pos, len(vis))
	}
	u := &Update{}
	for _, c := range vis[pos : pos+n] {
		u.Deletes = append(u.Deletes, c.ID)
	}
	if _, err := r.doc.Apply(u); err != nil {
		return nil, err
	}
	return u, nil
}
