// Package canonical turns credential payload trees into byte-stable JSON so
// logically identical payloads always hash identically.
//
// The accepted value space is deliberately narrow: nil, booleans, numbers,
// strings, ordered sequences, and string-keyed mappings. Mapping keys are sorted
// lexicographically at every level; sequences keep their order. Numbers and
// strings are emitted in the RFC 8785 form so the encoding never depends on
// locale or platform formatting. Strings must be valid UTF-8 and integers must
// fit the IEEE 754 safe range; anything the JSON form cannot carry exactly is
// rejected rather than rounded or replaced.
//
// Issuance and verification both call Marshal on the same logical payload; any
// divergence between them is a tamper signal, so this package must stay pure.
package canonical

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
)

// MaxSafeInteger is the largest integer every JSON number reader holds exactly.
const MaxSafeInteger = 1<<53 - 1

// Error reports a value that has no canonical encoding.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "canonicalization error: " + e.Reason
	}
	return fmt.Sprintf("canonicalization error at %s: %s", e.Path, e.Reason)
}

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(reflect.ValueOf(v), "$")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, &Error{Path: "$", Reason: err.Error()}
	}

	out, err := jcs.Transform(bytes.TrimRight(buf.Bytes(), "\n"))
	if err != nil {
		return nil, &Error{Path: "$", Reason: err.Error()}
	}
	return out, nil
}

// Hash returns the 0x-prefixed Keccak-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the 0x-prefixed Keccak-256 of already canonical bytes.
func HashBytes(b []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// normalize walks v and rebuilds it from the JSON value space only, so the
// encoder never sees a type whose encoding we did not choose.
func normalize(v reflect.Value, path string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	if num, ok := v.Interface().(json.Number); ok && v.Kind() == reflect.String {
		f, err := num.Float64()
		if err != nil {
			return nil, &Error{Path: path, Reason: "invalid number " + num.String()}
		}
		if !strings.ContainsAny(num.String(), ".eE") && math.Abs(f) > MaxSafeInteger {
			return nil, &Error{Path: path, Reason: "integer out of safe range: " + num.String()}
		}
		return checkFloat(f, path)
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		return normalize(v.Elem(), path)
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return checkString(v.String(), path)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := v.Int()
		if i > MaxSafeInteger || i < -MaxSafeInteger {
			return nil, &Error{Path: path, Reason: fmt.Sprintf("integer out of safe range: %d", i)}
		}
		return i, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > MaxSafeInteger {
			return nil, &Error{Path: path, Reason: fmt.Sprintf("integer out of safe range: %d", u)}
		}
		return u, nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(v.Float(), path)
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		return normalizeSeq(v, path)
	case reflect.Array:
		return normalizeSeq(v, path)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, &Error{Path: path, Reason: "mapping keys must be strings, got " + v.Type().Key().String()}
		}
		if v.IsNil() {
			return nil, nil
		}
		return normalizeMap(v, path)
	default:
		return nil, &Error{Path: path, Reason: "unsupported type " + v.Type().String()}
	}
}

func normalizeSeq(v reflect.Value, path string) (any, error) {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		item, err := normalize(v.Index(i), fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

func normalizeMap(v reflect.Value, path string) (any, error) {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if !utf8.ValidString(k) {
			return nil, &Error{Path: path, Reason: fmt.Sprintf("key %q is not valid UTF-8", k)}
		}
		item, err := normalize(v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key())), path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = item
	}
	return out, nil
}

func checkFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &Error{Path: path, Reason: "non-finite number"}
	}
	return f, nil
}

func checkString(str, path string) (any, error) {
	if !utf8.ValidString(str) {
		return nil, &Error{Path: path, Reason: "string is not valid UTF-8"}
	}
	return str, nil
}
