package commitment

import (
	"fmt"
	"sort"
)

// Blindings maps field names to their blinding factors.
type Blindings map[string]Element

// NewBlindings draws a fresh uniformly random blinding for every field. Callers
// must never reuse the result for another credential.
func NewBlindings(fields []string) (Blindings, error) {
	out := make(Blindings, len(fields))
	for _, f := range fields {
		if _, dup := out[f]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, f)
		}
		var e Element
		if _, err := e.SetRandom(); err != nil {
			return nil, fmt.Errorf("draw blinding for %s: %w", f, err)
		}
		out[f] = e
	}
	return out, nil
}

// Encode renders the blindings as hex strings for transport to the vault.
func (b Blindings) Encode() map[string]string {
	out := make(map[string]string, len(b))
	for k, v := range b {
		out[k] = Encode(v)
	}
	return out
}

// Fields returns the sorted field names.
func (b Blindings) Fields() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecodeBlindings parses the output of Blindings.Encode.
func DecodeBlindings(in map[string]string) (Blindings, error) {
	out := make(Blindings, len(in))
	for k, v := range in {
		e, err := Decode(v)
		if err != nil {
			return nil, fmt.Errorf("blinding %s: %w", k, err)
		}
		out[k] = e
	}
	return out, nil
}
