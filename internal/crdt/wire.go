package crdt

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Updates travel in protobuf wire format:
//
//	message Update { repeated Char inserts = 1; repeated ID deletes = 2; }
//	message Char   { ID id = 1; ID origin = 2; string value = 3; }
//	message ID     { uint64 clock = 1; string peer = 2; }
const (
	fieldUpdateInsert protowire.Number = 1
	fieldUpdateDelete protowire.Number = 2

	fieldCharID     protowire.Number = 1
	fieldCharOrigin protowire.Number = 2
	fieldCharValue  protowire.Number = 3

	fieldIDClock protowire.Number = 1
	fieldIDPeer  protowire.Number = 2
)

var errWireType = errors.New("unexpected wire type")

// Marshal encodes u. Equal updates always produce equal bytes.
func (u *Update) Marshal() []byte {
	var b []byte
	for _, c := range u.Inserts {
		b = protowire.AppendTag(b, fieldUpdateInsert, protowire.BytesType)
		b = protowire.AppendBytes(b, c.marshal(nil))
	}
	for _, id := range u.Deletes {
		b = protowire.AppendTag(b, fieldUpdateDelete, protowire.BytesType)
		b = protowire.AppendBytes(b, id.marshal(nil))
	}
	return b
}

func (c Char) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, fieldCharID, protowire.BytesType)
	b = protowire.AppendBytes(b, c.ID.marshal(nil))
	if !c.Origin.IsZero() {
		b = protowire.AppendTag(b, fieldCharOrigin, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Origin.marshal(nil))
	}
	b = protowire.AppendTag(b, fieldCharValue, protowire.BytesType)
	return protowire.AppendString(b, c.Value)
}

func (id ID) marshal(b []byte) []byte {
	if id.Clock != 0 {
		b = protowire.AppendTag(b, fieldIDClock, protowire.VarintType)
		b = protowire.AppendVarint(b, id.Clock)
	}
	if id.PeerID != "" {
		b = protowire.AppendTag(b, fieldIDPeer, protowire.BytesType)
		b = protowire.AppendString(b, id.PeerID)
	}
	return b
}

// DecodeUpdate parses and validates an update produced by Marshal. Unknown
// fields are skipped.
func DecodeUpdate(b []byte) (*Update, error) {
	u := &Update{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldUpdateInsert:
			return message(typ, b, func(v []byte) error {
				c, err := decodeChar(v)
				u.Inserts = append(u.Inserts, c)
				return err
			})
		case fieldUpdateDelete:
			return message(typ, b, func(v []byte) error {
				id, err := decodeID(v)
				u.Deletes = append(u.Deletes, id)
				return err
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

func decodeChar(b []byte) (Char, error) {
	var c Char
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldCharID:
			return message(typ, b, func(v []byte) (err error) {
				c.ID, err = decodeID(v)
				return err
			})
		case fieldCharOrigin:
			return message(typ, b, func(v []byte) (err error) {
				c.Origin, err = decodeID(v)
				return err
			})
		case fieldCharValue:
			return message(typ, b, func(v []byte) error {
				c.Value = string(v)
				return nil
			})
		}
		return 0, nil
	})
	return c, err
}

func decodeID(b []byte) (ID, error) {
	var id ID
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldIDClock:
			if typ != protowire.VarintType {
				return 0, errWireType
			}
			v, n := protowire.ConsumeVarint(b)
			id.Clock = v
			return n, nil
		case fieldIDPeer:
			return message(typ, b, func(v []byte) error {
				id.PeerID = string(v)
				return nil
			})
		}
		return 0, nil
	})
	return id, err
}

// walk calls field for every tag in b. field returns the number of bytes it
// consumed, zero to skip an unknown field, or a negative protowire error code.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func message(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, fn(v)
}
