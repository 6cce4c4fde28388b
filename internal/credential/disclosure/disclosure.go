// Package disclosure produces and checks selective-disclosure proofs: a holder
// shows a chosen subset of committed fields in the clear and proves that they,
// together with the hidden ones, aggregate to a published commitment root.
//
// The proving system itself sits behind Backend; this package owns the mapping
// between credential fields and circuit slots, which both sides must agree on.
package disclosure

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"certify/internal/credential/commitment"
)

var (
	ErrRootMismatch = errors.New("recomputed root does not match expected root")
	ErrUnknownField = errors.New("disclosure flag names an uncommitted field")
)

// Error is a proof generation failure. Verification never returns it.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "proof generation failed: " + e.Reason
	}
	return fmt.Sprintf("proof generation failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Flags selects the fields shown in the clear. Absent fields are hidden.
type Flags map[string]bool

// FlagsFor discloses exactly the named fields.
func FlagsFor(fields ...string) Flags {
	out := make(Flags, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// PublicField is one committed slot as seen by a verifier.
type PublicField struct {
	Name      string `json:"name"`
	Disclosed bool   `json:"disclosed"`
	Value     any    `json:"value,omitempty"`
}

// PublicSignals are the inputs a verifier checks the proof against.
type PublicSignals struct {
	Root   string        `json:"root"`
	Fields []PublicField `json:"fields"`
}

// Disclosed returns the clear values keyed by field name.
func (s PublicSignals) Disclosed() map[string]any {
	out := make(map[string]any)
	for _, f := range s.Fields {
		if f.Disclosed {
			out[f.Name] = f.Value
		}
	}
	return out
}

// Proof is an opaque succinct proof plus its public signals.
type Proof struct {
	Proof   string        `json:"proof"`
	Signals PublicSignals `json:"public_signals"`
}

const width = commitment.MaxFields

// Witness is the full assignment handed to the backend. Unused slots are zero.
type Witness struct {
	Root      commitment.Element
	Names     [width]commitment.Element
	Values    [width]commitment.Element
	Blindings [width]commitment.Element
	Flags     [width]bool
}

// PublicInputs is the public part of Witness plus the disclosed values.
type PublicInputs struct {
	Root      commitment.Element
	Names     [width]commitment.Element
	Flags     [width]bool
	Disclosed [width]commitment.Element
}

// Backend is the proving system.
type Backend interface {
	Prove(w Witness) ([]byte, error)
	Verify(proof []byte, pub PublicInputs) bool
}

// Prover builds disclosure proofs.
type Prover struct {
	backend Backend
}

// NewProver wraps a proving backend.
func NewProver(backend Backend) *Prover {
	return &Prover{backend: backend}
}

// Prove proves knowledge of values and blindings aggregating to expectedRoot,
// revealing only the flagged fields.
func (p *Prover) Prove(values map[string]any, blindings commitment.Blindings, flags Flags, expectedRoot commitment.Element) (*Proof, error) {
	set, err := commitment.Build(values, blindings)
	if err != nil {
		return nil, &Error{Reason: "invalid witness shape", Err: err}
	}
	for name := range flags {
		if _, ok := values[name]; !ok {
			return nil, &Error{Reason: name, Err: ErrUnknownField}
		}
	}
	if !set.Root.Equal(&expectedRoot) {
		return nil, &Error{Reason: "aggregation check", Err: ErrRootMismatch}
	}

	w := Witness{Root: set.Root}
	signals := PublicSignals{Root: commitment.Encode(set.Root), Fields: make([]PublicField, len(set.Leaves))}
	for i, leaf := range set.Leaves {
		w.Names[i] = leaf.Name
		w.Values[i] = leaf.Value
		w.Blindings[i] = leaf.Blinding
		w.Flags[i] = flags[leaf.Field]

		signals.Fields[i] = PublicField{Name: leaf.Field, Disclosed: w.Flags[i]}
		if w.Flags[i] {
			signals.Fields[i].Value = values[leaf.Field]
		}
	}

	raw, err := p.backend.Prove(w)
	if err != nil {
		return nil, &Error{Reason: "backend", Err: err}
	}
	return &Proof{Proof: base64.StdEncoding.EncodeToString(raw), Signals: signals}, nil
}

// Verifier checks disclosure proofs.
type Verifier struct {
	backend Backend
}

// NewVerifier wraps a proving backend.
func NewVerifier(backend Backend) *Verifier {
	return &Verifier{backend: backend}
}

// Verify reports whether proof is valid for signals. Any malformed input is
// simply an invalid proof.
func (v *Verifier) Verify(proof string, signals PublicSignals) bool {
	raw, err := base64.StdEncoding.DecodeString(proof)
	if err != nil || len(raw) == 0 {
		return false
	}
	pub, ok := publicInputs(signals)
	if !ok {
		return false
	}
	return v.backend.Verify(raw, pub)
}

// VerifyAgainstRoot additionally requires the proof to be about root.
func (v *Verifier) VerifyAgainstRoot(p *Proof, root commitment.Element) bool {
	if p == nil {
		return false
	}
	claimed, err := commitment.Decode(p.Signals.Root)
	if err != nil || !claimed.Equal(&root) {
		return false
	}
	return v.Verify(p.Proof, p.Signals)
}

func publicInputs(s PublicSignals) (PublicInputs, bool) {
	var pub PublicInputs
	root, err := commitment.Decode(s.Root)
	if err != nil {
		return pub, false
	}
	if len(s.Fields) == 0 || len(s.Fields) > width {
		return pub, false
	}
	if !sort.SliceIsSorted(s.Fields, func(i, j int) bool { return s.Fields[i].Name < s.Fields[j].Name }) {
		return pub, false
	}

	pub.Root = root
	for i, f := range s.Fields {
		if f.Name == "" || (i > 0 && f.Name == s.Fields[i-1].Name) {
			return pub, false
		}
		pub.Names[i] = commitment.NameElement(f.Name)
		if !f.Disclosed {
			continue
		}
		value, err := commitment.ValueElement(f.Value)
		if err != nil {
			return pub, false
		}
		pub.Flags[i] = true
		pub.Disclosed[i] = value
	}
	return pub, true
}
