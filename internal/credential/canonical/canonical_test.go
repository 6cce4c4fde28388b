package canonical

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{
		"type":   "BIRTH",
		"issuer": "dept-health",
		"fields": map[string]any{"ward": 12, "district": "Pune"},
	}
	b := map[string]any{
		"fields": map[string]any{"district": "Pune", "ward": 12},
		"issuer": "dept-health",
		"type":   "BIRTH",
	}

	ca, err := Marshal(a)
	require.NoError(t, err)
	cb, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb)
	assert.Equal(t, `{"fields":{"district":"Pune","ward":12},"issuer":"dept-health","type":"BIRTH"}`, string(ca))

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 66)
}

func TestMarshal_SequencesKeepOrder(t *testing.T) {
	a, err := Marshal([]any{"b", "a"})
	require.NoError(t, err)
	b, err := Marshal([]any{"a", "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMarshal_NumberForms(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 42, "42"},
		{"uint8", uint8(7), "7"},
		{"integral float", 3.0, "3"},
		{"fraction", 0.5, "0.5"},
		{"json number", json.Number("1e3"), "1000"},
		{"negative", int64(-15), "-15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshal_TypedContainers(t *testing.T) {
	got, err := Marshal(map[string][]string{"z": {"1"}, "a": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"a":null,"z":["1"]}`, string(got))
}

func TestMarshal_StringsAreNotHTMLEscaped(t *testing.T) {
	got, err := Marshal(map[string]any{"name": "A&B <Traders>"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"A&B <Traders>"}`, string(got))
}

func TestMarshal_RejectsUnsupportedValues(t *testing.T) {
	type record struct{ Name string }
	tests := []struct {
		name string
		in   any
		path string
	}{
		{"struct", record{Name: "x"}, "$"},
		{"nested struct", map[string]any{"a": []any{record{}}}, "$.a[0]"},
		{"int keys", map[int]string{1: "a"}, "$"},
		{"nan", math.NaN(), "$"},
		{"inf", map[string]any{"x": math.Inf(1)}, "$.x"},
		{"func", func() {}, "$"},
		{"invalid utf-8", map[string]any{"name": "\xff"}, "$.name"},
		{"invalid utf-8 key", map[string]any{"\xfe": "x"}, "$"},
		{"int above safe range", map[string]any{"licenseNo": int64(MaxSafeInteger + 1)}, "$.licenseNo"},
		{"int below safe range", int64(-MaxSafeInteger - 2), "$"},
		{"uint above safe range", []any{uint64(math.MaxUint64)}, "$[0]"},
		{"json number above safe range", json.Number("9007199254740993"), "$"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(tt.in)
			require.Error(t, err)
			var cErr *Error
			require.ErrorAs(t, err, &cErr)
			assert.Equal(t, tt.path, cErr.Path)
		})
	}
}

func TestMarshal_NilAndBool(t *testing.T) {
	got, err := Marshal(map[string]any{"deceased": true, "remarks": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"deceased":true,"remarks":null}`, string(got))
}

func TestMarshal_DistinctValuesNeverCollide(t *testing.T) {
	for _, pair := range [][2]any{
		{"\xff", "\xfe"},
		{int64(9007199254740993), int64(9007199254740992)},
	} {
		_, errA := Marshal(map[string]any{"v": pair[0]})
		_, errB := Marshal(map[string]any{"v": pair[1]})
		assert.Error(t, errA)
		assert.Error(t, errB)
	}
}

func TestMarshal_SafeIntegerBounds(t *testing.T) {
	got, err := Marshal([]any{int64(MaxSafeInteger), int64(-MaxSafeInteger), json.Number("9007199254740991")})
	require.NoError(t, err)
	assert.Equal(t, "[9007199254740991,-9007199254740991,9007199254740991]", string(got))

	got, err = Marshal(map[string]any{"name": "Zoë 🙂"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Zoë 🙂"}`, string(got))
}
