package zkbackend

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certify/internal/credential/commitment"
	"certify/internal/credential/disclosure"
)

func backend(t *testing.T) *Backend {
	t.Helper()
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	b, err := Ephemeral()
	require.NoError(t, err)
	return b
}

func birthFields(t *testing.T) (map[string]any, commitment.Blindings, commitment.Element) {
	t.Helper()
	values := map[string]any{"childName": "Aarav", "dob": "2023-05-15"}
	blindings, err := commitment.NewBlindings([]string{"childName", "dob"})
	require.NoError(t, err)
	set, err := commitment.Build(values, blindings)
	require.NoError(t, err)
	return values, blindings, set.Root
}

func TestSelectiveDisclosure_AcceptsDisclosedSubset(t *testing.T) {
	b := backend(t)
	values, blindings, root := birthFields(t)

	proof, err := disclosure.NewProver(b).Prove(values, blindings, disclosure.Flags{"childName": true, "dob": false}, root)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"childName": "Aarav"}, proof.Signals.Disclosed())
	assert.True(t, disclosure.NewVerifier(b).VerifyAgainstRoot(proof, root))
}

func TestSelectiveDisclosure_RejectsAlteredValue(t *testing.T) {
	b := backend(t)
	values, blindings, root := birthFields(t)

	proof, err := disclosure.NewProver(b).Prove(values, blindings, disclosure.FlagsFor("childName"), root)
	require.NoError(t, err)

	proof.Signals.Fields[0].Value = "Aarav2"
	assert.False(t, disclosure.NewVerifier(b).Verify(proof.Proof, proof.Signals))
}

func TestSelectiveDisclosure_RejectsFlagFlip(t *testing.T) {
	b := backend(t)
	values, blindings, root := birthFields(t)

	proof, err := disclosure.NewProver(b).Prove(values, blindings, disclosure.FlagsFor("childName"), root)
	require.NoError(t, err)

	proof.Signals.Fields[0].Disclosed = false
	proof.Signals.Fields[0].Value = nil
	assert.False(t, disclosure.NewVerifier(b).Verify(proof.Proof, proof.Signals))
}

func TestSelectiveDisclosure_HidingAcrossBlindings(t *testing.T) {
	b := backend(t)
	values, blindings1, root1 := birthFields(t)
	blindings2, err := commitment.NewBlindings([]string{"childName", "dob"})
	require.NoError(t, err)
	set2, err := commitment.Build(values, blindings2)
	require.NoError(t, err)
	root2 := set2.Root

	flags := disclosure.FlagsFor("childName")
	p1, err := disclosure.NewProver(b).Prove(values, blindings1, flags, root1)
	require.NoError(t, err)
	p2, err := disclosure.NewProver(b).Prove(values, blindings2, flags, root2)
	require.NoError(t, err)

	assert.NotEqual(t, p1.Signals.Root, p2.Signals.Root)
	v := disclosure.NewVerifier(b)
	assert.True(t, v.VerifyAgainstRoot(p1, root1))
	assert.True(t, v.VerifyAgainstRoot(p2, root2))
	assert.False(t, v.VerifyAgainstRoot(p1, root2))
}

func TestVerify_GarbageProofIsFalse(t *testing.T) {
	b := backend(t)
	values, blindings, root := birthFields(t)
	proof, err := disclosure.NewProver(b).Prove(values, blindings, nil, root)
	require.NoError(t, err)

	proof.Proof = base64.StdEncoding.EncodeToString([]byte("not a groth16 proof"))
	assert.False(t, disclosure.NewVerifier(b).Verify(proof.Proof, proof.Signals))
}

func TestWriteKeysRoundTrip(t *testing.T) {
	b := backend(t)
	var pk, vk bytes.Buffer
	require.NoError(t, b.WriteKeys(&pk, &vk))

	loaded, err := Load(&pk, &vk)
	require.NoError(t, err)

	values, blindings, root := birthFields(t)
	proof, err := disclosure.NewProver(b).Prove(values, blindings, disclosure.FlagsFor("dob"), root)
	require.NoError(t, err)
	assert.True(t, disclosure.NewVerifier(loaded).VerifyAgainstRoot(proof, root))
}
