// Package crdt implements the replicated sequence behind every channel
// document. A document is a set of inserted characters and a set of deleted
// character ids; merging two documents is set union, so the result depends
// only on which updates were applied, never on their order or repetition.
package crdt

import (
	"cmp"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxPeerIDLen bounds the peer component of an ID.
const MaxPeerIDLen = 128

var (
	// ErrMalformedUpdate is returned for updates that cannot be merged.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrConflict is returned when an update reuses an id for different content.
	ErrConflict = errors.New("crdt: conflicting insert")
)

// ID is a globally unique identifier for a character, combining a Lamport
// clock and the ID of the peer that created it. The zero ID is the document
// root.
type ID struct {
	Clock  uint64 `json:"clock"`
	PeerID string `json:"peerID"`
}

func (id ID) IsZero() bool { return id.Clock == 0 && id.PeerID == "" }

func (id ID) String() string { return fmt.Sprintf("%d@%s", id.Clock, id.PeerID) }

// Compare orders ids by clock, then by peer.
func (id ID) Compare(other ID) int {
	if c := cmp.Compare(id.Clock, other.Clock); c != 0 {
		return c
	}
	return cmp.Compare(id.PeerID, other.PeerID)
}

func (id ID) validate() error {
	switch {
	case id.Clock == 0:
		return fmt.Errorf("id %s has zero clock", id)
	case id.PeerID == "":
		return fmt.Errorf("id %s has no peer", id)
	case len(id.PeerID) > MaxPeerIDLen:
		return fmt.Errorf("peer id longer than %d bytes", MaxPeerIDLen)
	case !utf8.ValidString(id.PeerID):
		return errors.New("peer id is not valid utf-8")
	}
	return nil
}

// Char is a single rune placed immediately after Origin.
type Char struct {
	ID     ID     `json:"id"`
	Origin ID     `json:"origin"`
	Value  string `json:"value"`
}

func (c Char) validate() error {
	if err := c.ID.validate(); err != nil {
		return err
	}
	if !c.Origin.IsZero() {
		if err := c.Origin.validate(); err != nil {
			return fmt.Errorf("origin: %w", err)
		}
		// Origins are always older than the character, which keeps the
		// document tree acyclic.
		if c.Origin.Clock >= c.ID.Clock {
			return fmt.Errorf("origin %s is not older than %s", c.Origin, c.ID)
		}
	}
	if !utf8.ValidString(c.Value) || utf8.RuneCountInString(c.Value) != 1 {
		return fmt.Errorf("value of %s is not a single rune", c.ID)
	}
	return nil
}

// Update is a delta: characters to insert and ids to delete.
type Update struct {
	Inserts []Char
	Deletes []ID
}

func (u *Update) Empty() bool { return len(u.Inserts) == 0 && len(u.Deletes) == 0 }

// Validate reports whether every operation in u is structurally sound.
func (u *Update) Validate() error {
	for _, c := range u.Inserts {
		if err := c.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
	}
	for _, id := range u.Deletes {
		if err := id.validate(); err != nil {
			return fmt.Errorf("%w: delete: %v", ErrMalformedUpdate, err)
		}
	}
	return nil
}
