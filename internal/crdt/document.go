package crdt

import (
	"fmt"
	"slices"
	"strings"
)

// Document is a replicated text. It is not safe for concurrent use.
type Document struct {
	chars   map[ID]Char
	deleted map[ID]struct{}
	clock   uint64 // highest clock observed
}

func NewDocument() *Document {
	return &Document{
		chars:   make(map[ID]Char),
		deleted: make(map[ID]struct{}),
	}
}

// Apply merges u into the document and reports whether the state changed.
// Invalid or conflicting updates leave the document untouched.
func (d *Document) Apply(u *Update) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	batch := make(map[ID]Char, len(u.Inserts))
	for _, c := range u.Inserts {
		have, ok := d.chars[c.ID]
		if !ok {
			have, ok = batch[c.ID]
		}
		if ok && have != c {
			return false, fmt.Errorf("%w: %s", ErrConflict, c.ID)
		}
		batch[c.ID] = c
	}

	changed := false
	for _, c := range u.Inserts {
		if _, ok := d.chars[c.ID]; ok {
			continue
		}
		d.chars[c.ID] = c
		d.observe(c.ID)
		changed = true
	}
	for _, id := range u.Deletes {
		if _, ok := d.deleted[id]; ok {
			continue
		}
		d.deleted[id] = struct{}{}
		d.observe(id)
		changed = true
	}
	return changed, nil
}

func (d *Document) observe(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

// Snapshot returns the full state as a single update. Documents with equal
// state return updates that marshal to identical bytes.
func (d *Document) Snapshot() *Update {
	return d.Since(nil)
}

// Since returns the operations present in d but missing from other. A nil
// other is treated as an empty document.
func (d *Document) Since(other *Document) *Update {
	u := &Update{}
	for id, c := range d.chars {
		if other != nil {
			if _, ok := other.chars[id]; ok {
				continue
			}
		}
		u.Inserts = append(u.Inserts, c)
	}
	for id := range d.deleted {
		if other != nil {
			if _, ok := other.deleted[id]; ok {
				continue
			}
		}
		u.Deletes = append(u.Deletes, id)
	}
	slices.SortFunc(u.Inserts, func(a, b Char) int { return a.ID.Compare(b.ID) })
	slices.SortFunc(u.Deletes, ID.Compare)
	return u
}

// Text renders the visible characters.
func (d *Document) Text() string {
	var sb strings.Builder
	for _, c := range d.visible() {
		sb.WriteString(c.Value)
	}
	return sb.String()
}

// Len returns the number of visible characters.
func (d *Document) Len() int { return len(d.visible()) }

// visible walks the insertion tree depth first from the root. Children of a
// character are visited newest first, so a later insert at the same place
// lands closer to its origin. Characters whose origin has not arrived yet are
// unreachable and stay hidden.
func (d *Document) visible() []Char {
	children := make(map[ID][]Char, len(d.chars))
	for _, c := range d.chars {
		children[c.Origin] = append(children[c.Origin], c)
	}
	for _, cs := range children {
		slices.SortFunc(cs, func(a, b Char) int { return a.ID.Compare(b.ID) })
	}

	out := make([]Char, 0, len(d.chars))
	stack := append([]Char(nil), children[ID{}]...)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, gone := d.deleted[c.ID]; !gone {
			out = append(out, c)
		}
		stack = append(stack, children[c.ID]...)
	}
	return out
}
