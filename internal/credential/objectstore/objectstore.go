// Package objectstore keeps full signed credential documents in an immutable,
// content-addressed store. Pointers are CIDv1 strings (raw codec, sha2-256), so
// a pointer alone is enough to detect a swapped or corrupted document.
package objectstore

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	ErrNotFound    = errors.New("objectstore: not found")
	ErrInvalidCID  = errors.New("objectstore: invalid pointer")
	ErrCIDMismatch = errors.New("objectstore: content does not match pointer")
	ErrImmutable   = errors.New("objectstore: immutable object mismatch")
)

// PointerFor derives the CID of data.
func PointerFor(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// ParsePointer decodes a pointer produced by Put.
func ParsePointer(pointer string) (cid.Cid, error) {
	id, err := cid.Decode(pointer)
	if err != nil || !id.Defined() {
		return cid.Undef, ErrInvalidCID
	}
	return id, nil
}

// check re-derives the CID of data and compares it with id.
func check(id cid.Cid, data []byte) error {
	got, err := PointerFor(data)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return ErrCIDMismatch
	}
	return nil
}
