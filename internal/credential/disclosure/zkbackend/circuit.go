package zkbackend

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"certify/internal/credential/commitment"
)

// circuit proves that the private (name, value, blinding) triples hash to the
// public root through the same MiMC tree as commitment.Aggregate, and that every
// flagged slot's private value equals its public disclosed value. Unflagged
// slots must publish zero.
type circuit struct {
	Root      frontend.Variable                       `gnark:",public"`
	Names     [commitment.MaxFields]frontend.Variable `gnark:",public"`
	Flags     [commitment.MaxFields]frontend.Variable `gnark:",public"`
	Disclosed [commitment.MaxFields]frontend.Variable `gnark:",public"`

	Values    [commitment.MaxFields]frontend.Variable
	Blindings [commitment.MaxFields]frontend.Variable
}

func (c *circuit) Define(api frontend.API) error {
	level := make([]frontend.Variable, commitment.MaxFields)
	for i := range level {
		api.AssertIsBoolean(c.Flags[i])
		api.AssertIsEqual(api.Mul(c.Flags[i], api.Sub(c.Values[i], c.Disclosed[i])), 0)
		api.AssertIsEqual(api.Mul(api.Sub(1, c.Flags[i]), c.Disclosed[i]), 0)

		leaf, err := hash(api, c.Names[i], c.Values[i], c.Blindings[i])
		if err != nil {
			return err
		}
		level[i] = leaf
	}

	for len(level) > 1 {
		next := make([]frontend.Variable, len(level)/2)
		for i := range next {
			parent, err := hash(api, level[2*i], level[2*i+1])
			if err != nil {
				return err
			}
			next[i] = parent
		}
		level = next
	}

	api.AssertIsEqual(level[0], c.Root)
	return nil
}

func hash(api frontend.API, in ...frontend.Variable) (frontend.Variable, error) {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	h.Write(in...)
	return h.Sum(), nil
}
