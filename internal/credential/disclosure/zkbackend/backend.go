// Package zkbackend implements disclosure.Backend with a Groth16 circuit over
// BN254 compiled by gnark.
//
// Proving and verifying keys come from a trusted setup. Production deployments
// load them with Load; Ephemeral runs a throwaway setup once per process for
// development and tests, and its proofs are meaningless to any other process.
package zkbackend

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"certify/internal/credential/commitment"
	"certify/internal/credential/disclosure"
)

// Backend proves and verifies disclosure witnesses.
type Backend struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

func compile() (constraint.ConstraintSystem, error) {
	var c circuit
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &c)
	if err != nil {
		return nil, fmt.Errorf("compile disclosure circuit: %w", err)
	}
	return ccs, nil
}

// Setup compiles the circuit and runs a fresh Groth16 setup.
func Setup() (*Backend, error) {
	ccs, err := compile()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup: %w", err)
	}
	return &Backend{ccs: ccs, pk: pk, vk: vk}, nil
}

// Load compiles the circuit and reads previously exported keys.
func Load(provingKey, verifyingKey io.Reader) (*Backend, error) {
	ccs, err := compile()
	if err != nil {
		return nil, err
	}
	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(provingKey); err != nil {
		return nil, fmt.Errorf("read proving key: %w", err)
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(verifyingKey); err != nil {
		return nil, fmt.Errorf("read verifying key: %w", err)
	}
	return &Backend{ccs: ccs, pk: pk, vk: vk}, nil
}

// WriteKeys exports the keys in the format Load expects.
func (b *Backend) WriteKeys(provingKey, verifyingKey io.Writer) error {
	if _, err := b.pk.WriteTo(provingKey); err != nil {
		return fmt.Errorf("write proving key: %w", err)
	}
	if _, err := b.vk.WriteTo(verifyingKey); err != nil {
		return fmt.Errorf("write verifying key: %w", err)
	}
	return nil
}

var (
	ephemeralOnce sync.Once
	ephemeral     *Backend
	ephemeralErr  error
)

// Ephemeral returns a process-wide backend from a one-off setup.
func Ephemeral() (*Backend, error) {
	ephemeralOnce.Do(func() {
		ephemeral, ephemeralErr = Setup()
	})
	return ephemeral, ephemeralErr
}

// Prove implements disclosure.Backend.
func (b *Backend) Prove(w disclosure.Witness) ([]byte, error) {
	assignment := &circuit{Root: bigInt(w.Root)}
	for i := 0; i < commitment.MaxFields; i++ {
		assignment.Names[i] = bigInt(w.Names[i])
		assignment.Flags[i] = flag(w.Flags[i])
		assignment.Values[i] = bigInt(w.Values[i])
		assignment.Blindings[i] = bigInt(w.Blindings[i])
		if w.Flags[i] {
			assignment.Disclosed[i] = bigInt(w.Values[i])
		} else {
			assignment.Disclosed[i] = 0
		}
	}

	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}
	proof, err := groth16.Prove(b.ccs, b.pk, full)
	if err != nil {
		return nil, fmt.Errorf("groth16 prove: %w", err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode proof: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify implements disclosure.Backend. It never panics.
func (b *Backend) Verify(raw []byte, pub disclosure.PublicInputs) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(raw)); err != nil {
		return false
	}

	assignment := &circuit{Root: bigInt(pub.Root)}
	for i := 0; i < commitment.MaxFields; i++ {
		assignment.Names[i] = bigInt(pub.Names[i])
		assignment.Flags[i] = flag(pub.Flags[i])
		assignment.Disclosed[i] = bigInt(pub.Disclosed[i])
	}
	public, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false
	}
	return groth16.Verify(proof, b.vk, public) == nil
}

func bigInt(e commitment.Element) *big.Int {
	return e.BigInt(new(big.Int))
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ disclosure.Backend = (*Backend)(nil)
