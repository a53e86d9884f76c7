// Package codec converts binary document updates to and from the text form
// carried inside websocket frames.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecode matches every error returned by Decode.
var ErrDecode = errors.New("codec: malformed update encoding")

var errNotCanonical = errors.New("not in canonical form")

var encoding = base64.StdEncoding.Strict()

// DecodeError reports text that was not produced by Encode.
type DecodeError struct {
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: cannot decode %d byte update: %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// Encode returns the transport form of an update.
func Encode(update []byte) string {
	return encoding.EncodeToString(update)
}

// Decode is the inverse of Encode. Callers must discard the input on error.
func Decode(text string) ([]byte, error) {
	b, err := encoding.DecodeString(text)
	if err != nil {
		return nil, &DecodeError{Len: len(text), Err: err}
	}
	// The decoder skips line breaks; Encode never emits them.
	if encoding.EncodeToString(b) != text {
		return nil, &DecodeError{Len: len(text), Err: errNotCanonical}
	}
	return b, nil
}
