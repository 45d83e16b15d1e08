package store

import (
	"errors"
	"fmt"

	"github.com/jacentio/twinstore/repository"
)

// Codec converts between a domain entity and its stored item.
//
// Decode(Encode(v)) must equal v for every v the system produces, apart from
// fields the store assigns on write. Decode reports malformed items with an
// error matching repository.ErrCorruptData; it is never called for a missing
// item, so "not found" and "corrupt" stay distinct.
type Codec[T any] interface {
	Encode(entity T) (Item, error)
	Decode(item Item) (T, error)
}

// CorruptError describes an item that could not be decoded.
type CorruptError struct {
	Key    string
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	msg := fmt.Sprintf("corrupt item %s: %s", e.Key, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool {
	return target == repository.ErrCorruptData
}

// DecodeAll decodes every item, failing on the first corrupt one.
func DecodeAll[T any](c Codec[T], items []Item) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		v, err := c.Decode(it)
		if err != nil {
			if !errors.Is(err, repository.ErrCorruptData) {
				err = &CorruptError{Reason: "decode", Err: err}
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
