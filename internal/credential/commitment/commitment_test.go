package commitment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certify/internal/credential/canonical"
)

func testBlindings(t *testing.T, fields ...string) Blindings {
	t.Helper()
	b, err := NewBlindings(fields)
	require.NoError(t, err)
	return b
}

func TestAggregate_OrderIndependent(t *testing.T) {
	b := testBlindings(t, "childName", "dob", "motherName")

	c1, err := Commit("childName", "Aarav", b["childName"])
	require.NoError(t, err)
	c2, err := Commit("dob", "2023-05-15", b["dob"])
	require.NoError(t, err)
	c3, err := Commit("motherName", "Meera", b["motherName"])
	require.NoError(t, err)

	r1, err := Aggregate([]Commitment{c1, c2, c3})
	require.NoError(t, err)
	r2, err := Aggregate([]Commitment{c3, c1, c2})
	require.NoError(t, err)
	assert.True(t, r1.Equal(&r2))
}

func TestBuild_MatchesAggregate(t *testing.T) {
	values := map[string]any{"childName": "Aarav", "dob": "2023-05-15"}
	b := testBlindings(t, "childName", "dob")

	set, err := Build(values, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"childName", "dob"}, set.Fields())

	c1, err := Commit("dob", "2023-05-15", b["dob"])
	require.NoError(t, err)
	c2, err := Commit("childName", "Aarav", b["childName"])
	require.NoError(t, err)
	root, err := Aggregate([]Commitment{c1, c2})
	require.NoError(t, err)
	assert.True(t, root.Equal(&set.Root))
}

func TestBuild_BindingOnValueAndBlinding(t *testing.T) {
	values := map[string]any{"childName": "Aarav", "dob": "2023-05-15"}
	b := testBlindings(t, "childName", "dob")
	base, err := Build(values, b)
	require.NoError(t, err)

	t.Run("value change", func(t *testing.T) {
		changed, err := Build(map[string]any{"childName": "Aarav2", "dob": "2023-05-15"}, b)
		require.NoError(t, err)
		assert.False(t, base.Root.Equal(&changed.Root))
	})

	t.Run("blinding change", func(t *testing.T) {
		other := Blindings{"childName": b["childName"], "dob": b["dob"]}
		e := other["dob"]
		var one Element
		one.SetOne()
		e.Add(&e, &one)
		other["dob"] = e
		changed, err := Build(values, other)
		require.NoError(t, err)
		assert.False(t, base.Root.Equal(&changed.Root))
	})
}

func TestCommit_RejectsValuesWithoutExactEncoding(t *testing.T) {
	b := testBlindings(t, "name")["name"]
	tests := []struct {
		name  string
		field string
		value any
	}{
		{"invalid utf-8", "name", "\xff"},
		{"other invalid utf-8", "name", "\xfe"},
		{"integer beyond 2^53", "licenseNo", int64(9007199254740993)},
		{"integer at 2^53", "licenseNo", int64(9007199254740992)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Commit(tt.field, tt.value, b)
			var cErr *canonical.Error
			require.ErrorAs(t, err, &cErr)
		})
	}

	_, err := Build(map[string]any{"name": "\xff"}, testBlindings(t, "name"))
	assert.Error(t, err)
}

func TestBuild_HidingAcrossBlindings(t *testing.T) {
	values := map[string]any{"childName": "Aarav"}
	s1, err := Build(values, testBlindings(t, "childName"))
	require.NoError(t, err)
	s2, err := Build(values, testBlindings(t, "childName"))
	require.NoError(t, err)

	assert.False(t, s1.Commitments[0].Value.Equal(&s2.Commitments[0].Value))
	assert.False(t, s1.Root.Equal(&s2.Root))
}

func TestLeaves_Errors(t *testing.T) {
	_, err := Leaves(nil, nil)
	assert.ErrorIs(t, err, ErrNoFields)

	_, err = Leaves(map[string]any{"a": 1}, Blindings{})
	assert.ErrorIs(t, err, ErrMissingBlinding)

	_, err = Leaves(map[string]any{" ": 1}, Blindings{" ": Element{}})
	assert.ErrorIs(t, err, ErrEmptyFieldName)

	many := map[string]any{}
	for i := 0; i <= MaxFields; i++ {
		many[string(rune('a'+i))] = i
	}
	_, err = Leaves(many, nil)
	assert.ErrorIs(t, err, ErrTooManyFields)

	_, err = Leaves(map[string]any{"a": struct{}{}}, Blindings{"a": Element{}})
	assert.Error(t, err)
}

func TestAggregate_RejectsDuplicates(t *testing.T) {
	b := testBlindings(t, "a")
	c, err := Commit("a", 1, b["a"])
	require.NoError(t, err)
	_, err = Aggregate([]Commitment{c, c})
	assert.ErrorIs(t, err, ErrDuplicateField)
}

func TestEncodeDecode(t *testing.T) {
	b := testBlindings(t, "x", "y")
	decoded, err := DecodeBlindings(b.Encode())
	require.NoError(t, err)
	for _, f := range b.Fields() {
		want := b[f]
		got := decoded[f]
		assert.True(t, want.Equal(&got))
	}

	_, err = Decode("0x1234")
	assert.ErrorIs(t, err, ErrInvalidEncoding)
	_, err = Decode("0x" + strings.Repeat("ff", 32))
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestNewBlindings_RejectsDuplicates(t *testing.T) {
	_, err := NewBlindings([]string{"a", "a"})
	assert.ErrorIs(t, err, ErrDuplicateField)
}
