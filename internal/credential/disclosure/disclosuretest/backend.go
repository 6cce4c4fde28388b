// Package disclosuretest provides a fast stand-in for the Groth16 backend.
package disclosuretest

import (
	"crypto/sha256"
	"errors"

	"certify/internal/credential/disclosure"
)

// ErrFailing is returned by a Backend with Fail set.
var ErrFailing = errors.New("disclosuretest: backend failure")

// Backend "proves" by digesting the public inputs the witness implies, so a
// proof verifies exactly when the verifier reconstructs the same inputs. It
// checks consistency, not knowledge, and must never be used outside tests.
type Backend struct {
	Fail bool
}

func (b *Backend) Prove(w disclosure.Witness) ([]byte, error) {
	if b.Fail {
		return nil, ErrFailing
	}
	pub := disclosure.PublicInputs{Root: w.Root, Names: w.Names, Flags: w.Flags}
	for i := range w.Flags {
		if w.Flags[i] {
			pub.Disclosed[i] = w.Values[i]
		}
	}
	return digest(pub), nil
}

func (b *Backend) Verify(proof []byte, pub disclosure.PublicInputs) bool {
	want := digest(pub)
	if len(proof) != len(want) {
		return false
	}
	for i := range want {
		if proof[i] != want[i] {
			return false
		}
	}
	return true
}

func digest(pub disclosure.PublicInputs) []byte {
	h := sha256.New()
	write := func(b [32]byte) { h.Write(b[:]) }
	write(pub.Root.Bytes())
	for i := range pub.Names {
		write(pub.Names[i].Bytes())
		write(pub.Disclosed[i].Bytes())
		if pub.Flags[i] {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return h.Sum(nil)
}

var _ disclosure.Backend = (*Backend)(nil)
