// Package commitment builds hiding field commitments and aggregates them into a
// single commitment root.
//
// A field commitment is MiMC(F(name), F(value), blinding) over the BN254 scalar
// field, where F hashes the canonical encoding of its input into the field. The
// root is a fixed-width binary Merkle reduction with MiMC as the pair function.
// Leaves are ordered by field name and padded to MaxFields with the commitment of
// (0, 0, 0), so the root never depends on map iteration order and the same
// reduction can be replayed inside the disclosure circuit.
package commitment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"certify/internal/credential/canonical"
)

// MaxFields is the number of leaves in every commitment tree.
const MaxFields = 16

const (
	nameTag  = "certify/field-name/v1:"
	valueTag = "certify/field-value/v1:"
)

var (
	ErrNoFields        = errors.New("commitment: no fields to commit")
	ErrTooManyFields   = fmt.Errorf("commitment: more than %d fields", MaxFields)
	ErrDuplicateField  = errors.New("commitment: duplicate field name")
	ErrEmptyFieldName  = errors.New("commitment: empty field name")
	ErrMissingBlinding = errors.New("commitment: missing blinding factor")
	ErrInvalidEncoding = errors.New("commitment: invalid field element encoding")
)

// Element is a BN254 scalar field element.
type Element = fr.Element

// Commitment binds one field to its committed value.
type Commitment struct {
	Field string
	Value Element
}

// Leaf carries everything needed to open a commitment. It never leaves the
// issuance process except inside the custody vault.
type Leaf struct {
	Field    string
	Name     Element
	Value    Element
	Blinding Element
}

// Commitment returns the public half of the leaf.
func (l Leaf) Commitment() Commitment {
	return Commitment{Field: l.Field, Value: Hash(l.Name, l.Value, l.Blinding)}
}

// Commit computes the commitment of a single field.
func Commit(field string, value any, blinding Element) (Commitment, error) {
	if strings.TrimSpace(field) == "" {
		return Commitment{}, ErrEmptyFieldName
	}
	v, err := ValueElement(value)
	if err != nil {
		return Commitment{}, err
	}
	return Leaf{Field: field, Name: NameElement(field), Value: v, Blinding: blinding}.Commitment(), nil
}

// Leaves turns a field map into sorted leaves. Every field needs a blinding.
func Leaves(values map[string]any, blindings Blindings) ([]Leaf, error) {
	if len(values) == 0 {
		return nil, ErrNoFields
	}
	if len(values) > MaxFields {
		return nil, ErrTooManyFields
	}

	names := make([]string, 0, len(values))
	for name := range values {
		if strings.TrimSpace(name) == "" {
			return nil, ErrEmptyFieldName
		}
		names = append(names, name)
	}
	sort.Strings(names)

	leaves := make([]Leaf, 0, len(names))
	for _, name := range names {
		blinding, ok := blindings[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingBlinding, name)
		}
		v, err := ValueElement(values[name])
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, Leaf{Field: name, Name: NameElement(name), Value: v, Blinding: blinding})
	}
	return leaves, nil
}

// Aggregate reduces commitments into the root. The input order is irrelevant;
// commitments are sorted by field name first.
func Aggregate(commitments []Commitment) (Element, error) {
	if len(commitments) == 0 {
		return Element{}, ErrNoFields
	}
	if len(commitments) > MaxFields {
		return Element{}, ErrTooManyFields
	}

	sorted := make([]Commitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })

	level := make([]Element, MaxFields)
	for i := range level {
		if i < len(sorted) {
			if sorted[i].Field == "" {
				return Element{}, ErrEmptyFieldName
			}
			if i > 0 && sorted[i].Field == sorted[i-1].Field {
				return Element{}, fmt.Errorf("%w: %s", ErrDuplicateField, sorted[i].Field)
			}
			level[i] = sorted[i].Value
			continue
		}
		level[i] = PaddingLeaf()
	}

	for len(level) > 1 {
		next := make([]Element, len(level)/2)
		for i := range next {
			next[i] = Hash(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0], nil
}

// Set is the result of committing every sensitive field of one credential.
type Set struct {
	Leaves      []Leaf
	Commitments []Commitment
	Root        Element
}

// Fields returns the committed field names in tree order.
func (s *Set) Fields() []string {
	out := make([]string, len(s.Leaves))
	for i, l := range s.Leaves {
		out[i] = l.Field
	}
	return out
}

// Build commits every field and aggregates the root.
func Build(values map[string]any, blindings Blindings) (*Set, error) {
	leaves, err := Leaves(values, blindings)
	if err != nil {
		return nil, err
	}
	commitments := make([]Commitment, len(leaves))
	for i, l := range leaves {
		commitments[i] = l.Commitment()
	}
	root, err := Aggregate(commitments)
	if err != nil {
		return nil, err
	}
	return &Set{Leaves: leaves, Commitments: commitments, Root: root}, nil
}

// PaddingLeaf is the commitment of an unused slot.
func PaddingLeaf() Element {
	var zero Element
	return Hash(zero, zero, zero)
}

// Hash is MiMC over BN254 with each element absorbed as one 32-byte block.
func Hash(inputs ...Element) Element {
	h := mimc.NewMiMC()
	for i := range inputs {
		b := inputs[i].Bytes()
		_, _ = h.Write(b[:])
	}
	var out Element
	out.SetBytes(h.Sum(nil))
	return out
}

// NameElement maps a field name into the scalar field.
func NameElement(name string) Element {
	return hashToField(nameTag, []byte(name))
}

// ValueElement maps the canonical encoding of a value into the scalar field.
func ValueElement(value any) (Element, error) {
	b, err := canonical.Marshal(value)
	if err != nil {
		return Element{}, err
	}
	return hashToField(valueTag, b), nil
}

func hashToField(tag string, b []byte) Element {
	h := sha256.New()
	h.Write([]byte(tag))
	h.Write(b)
	var e Element
	e.SetBytes(h.Sum(nil))
	return e
}

// Encode renders an element as 0x-prefixed big-endian hex.
func Encode(e Element) string {
	b := e.Bytes()
	return "0x" + hex.EncodeToString(b[:])
}

// Decode parses the output of Encode. Non-canonical encodings are rejected.
func Decode(s string) (Element, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != fr.Bytes {
		return Element{}, ErrInvalidEncoding
	}
	var e Element
	if err := e.SetBytesCanonical(raw); err != nil {
		return Element{}, ErrInvalidEncoding
	}
	return e, nil
}
