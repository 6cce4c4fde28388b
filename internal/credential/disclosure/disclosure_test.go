package disclosure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certify/internal/credential/commitment"
)

// recordingBackend accepts a proof only when the verifier's public inputs equal
// the ones derived from the proving witness.
type recordingBackend struct {
	proved  *PublicInputs
	failing bool
}

func (b *recordingBackend) Prove(w Witness) ([]byte, error) {
	if b.failing {
		return nil, errors.New("no witness")
	}
	pub := PublicInputs{Root: w.Root, Names: w.Names, Flags: w.Flags}
	for i := range w.Flags {
		if w.Flags[i] {
			pub.Disclosed[i] = w.Values[i]
		}
	}
	b.proved = &pub
	return []byte("proof"), nil
}

func (b *recordingBackend) Verify(proof []byte, pub PublicInputs) bool {
	return string(proof) == "proof" && b.proved != nil && *b.proved == pub
}

func fixture(t *testing.T) (map[string]any, commitment.Blindings, commitment.Element) {
	t.Helper()
	values := map[string]any{"childName": "Aarav", "dob": "2023-05-15"}
	blindings, err := commitment.NewBlindings([]string{"childName", "dob"})
	require.NoError(t, err)
	set, err := commitment.Build(values, blindings)
	require.NoError(t, err)
	return values, blindings, set.Root
}

func TestProve_SignalsRevealOnlyFlaggedFields(t *testing.T) {
	values, blindings, root := fixture(t)
	backend := &recordingBackend{}

	proof, err := NewProver(backend).Prove(values, blindings, FlagsFor("childName"), root)
	require.NoError(t, err)

	assert.Equal(t, commitment.Encode(root), proof.Signals.Root)
	assert.Equal(t, []PublicField{
		{Name: "childName", Disclosed: true, Value: "Aarav"},
		{Name: "dob", Disclosed: false},
	}, proof.Signals.Fields)
	assert.Equal(t, map[string]any{"childName": "Aarav"}, proof.Signals.Disclosed())

	assert.True(t, NewVerifier(backend).VerifyAgainstRoot(proof, root))
}

func TestProve_RootMismatch(t *testing.T) {
	values, blindings, _ := fixture(t)
	var wrong commitment.Element
	wrong.SetUint64(7)

	_, err := NewProver(&recordingBackend{}).Prove(values, blindings, nil, wrong)
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.ErrorIs(t, err, ErrRootMismatch)
}

func TestProve_Errors(t *testing.T) {
	values, blindings, root := fixture(t)

	t.Run("unknown flag", func(t *testing.T) {
		_, err := NewProver(&recordingBackend{}).Prove(values, blindings, FlagsFor("fatherName"), root)
		assert.ErrorIs(t, err, ErrUnknownField)
	})
	t.Run("missing blinding", func(t *testing.T) {
		_, err := NewProver(&recordingBackend{}).Prove(values, commitment.Blindings{}, nil, root)
		assert.ErrorIs(t, err, commitment.ErrMissingBlinding)
	})
	t.Run("backend failure", func(t *testing.T) {
		_, err := NewProver(&recordingBackend{failing: true}).Prove(values, blindings, nil, root)
		var pErr *Error
		assert.ErrorAs(t, err, &pErr)
	})
}

func TestVerify_MalformedInputIsFalse(t *testing.T) {
	values, blindings, root := fixture(t)
	backend := &recordingBackend{}
	proof, err := NewProver(backend).Prove(values, blindings, FlagsFor("childName"), root)
	require.NoError(t, err)
	v := NewVerifier(backend)

	tests := []struct {
		name   string
		mutate func(p *Proof)
	}{
		{"bad base64", func(p *Proof) { p.Proof = "%%%" }},
		{"empty proof", func(p *Proof) { p.Proof = "" }},
		{"bad root", func(p *Proof) { p.Signals.Root = "zz" }},
		{"no fields", func(p *Proof) { p.Signals.Fields = nil }},
		{"unsorted", func(p *Proof) {
			p.Signals.Fields = []PublicField{p.Signals.Fields[1], p.Signals.Fields[0]}
		}},
		{"duplicate", func(p *Proof) {
			p.Signals.Fields = []PublicField{p.Signals.Fields[0], p.Signals.Fields[0]}
		}},
		{"uncanonical value", func(p *Proof) { p.Signals.Fields[0].Value = struct{}{} }},
		{"altered value", func(p *Proof) { p.Signals.Fields[0].Value = "Aarav2" }},
		{"hidden field revealed", func(p *Proof) {
			p.Signals.Fields[1].Disclosed = true
			p.Signals.Fields[1].Value = "2023-05-15"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := *proof
			cp.Signals.Fields = append([]PublicField(nil), proof.Signals.Fields...)
			tt.mutate(&cp)
			assert.False(t, v.Verify(cp.Proof, cp.Signals))
		})
	}

	assert.False(t, v.VerifyAgainstRoot(nil, root))
	var other commitment.Element
	other.SetUint64(1)
	assert.False(t, v.VerifyAgainstRoot(proof, other))
}
