// Package canon implements the Canonicalizer (spec §4.1, component C1): a
// deterministic mapping from heterogeneous build-input structures to a single
// byte sequence and a SHA-256 content hash, used as the cache key for the
// Build Engine.
//
// The encoding follows spec §4.1's canonical form rules:
//   - maps are emitted with byte-lexicographically sorted keys;
//   - ordered lists are emitted in source order;
//   - sets are sorted before emission to erase ordering noise;
//   - strings are normalized to UTF-8 NFC; integers are decimal; booleans are
//     the tokens true/false; nil-valued map fields are omitted, and a nil
//     anywhere else (a list element, the top-level value) is rejected.
//
// The shape is grounded on the sorted-key ATerm marshalling in
// zb.256lights.llc/pkg's Derivation.marshalText (sortedKeys over maps) and
// generalized from the teacher's single ad-hoc fmt.Sprintf hash
// (models.BuildRequest.ComputeHash) into a structural encoder.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// SchemaVersion is wrapped around every snapshot. Bumping it invalidates all
// prior cache keys by construction (spec §4.1).
const SchemaVersion = 1

// Map is an unordered key/value structure; keys are sorted before emission.
type Map map[string]any

// List is an ordered sequence; elements are emitted in the given order.
type List []any

// Set is an unordered collection of strings; sorted lexicographically before
// emission to erase ordering noise (e.g. tags, disabled services).
type Set []string

// ValidationError reports an input that cannot be represented canonically.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// Canonicalize serializes v into its canonical byte form.
func Canonicalize(v any) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf, err := encode(buf, v, "$")
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Hash returns the canonical bytes and their hex-encoded SHA-256 digest —
// the cache key of spec §4.1.
func Hash(v any) (canonical []byte, hexDigest string, err error) {
	canonical, err = Canonicalize(v)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

func encode(buf []byte, v any, path string) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		// Absent fields are omitted by the caller; an explicit nil reaching
		// here is a construction bug, not a representable value.
		return nil, &ValidationError{Path: path, Msg: "null value is not representable; omit the field instead"}
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return encodeString(buf, t, path)
	case int:
		return strconv.AppendInt(buf, int64(t), 10), nil
	case int64:
		return strconv.AppendInt(buf, t, 10), nil
	case uint64:
		return strconv.AppendUint(buf, t, 10), nil
	case Map:
		return encodeMap(buf, t, path)
	case map[string]any:
		return encodeMap(buf, Map(t), path)
	case List:
		return encodeList(buf, t, path)
	case []any:
		return encodeList(buf, List(t), path)
	case Set:
		return encodeSet(buf, t, path)
	case []string:
		return encodeSet(buf, Set(t), path)
	default:
		return nil, &ValidationError{Path: path, Msg: fmt.Sprintf("unsupported type %T", v)}
	}
}

func encodeString(buf []byte, s string, path string) ([]byte, error) {
	if !utf8Valid(s) {
		return nil, &ValidationError{Path: path, Msg: "field declared as string contains non-UTF-8 bytes"}
	}
	normalized := norm.NFC.String(s)
	buf = append(buf, '"')
	for _, r := range normalized {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		default:
			buf = appendRune(buf, r)
		}
	}
	buf = append(buf, '"')
	return buf, nil
}

func appendRune(buf []byte, r rune) []byte {
	var tmp [4]byte
	n := encodeRuneUTF8(tmp[:], r)
	return append(buf, tmp[:n]...)
}

func encodeRuneUTF8(p []byte, r rune) int {
	s := string(r)
	copy(p, s)
	return len(s)
}

func utf8Valid(s string) bool {
	for i := 0; i < len(s); {
		r, size := decodeRune(s[i:])
		if r == 0xFFFD && size == 1 {
			return false
		}
		i += size
	}
	return true
}

func decodeRune(s string) (rune, int) {
	var first rune
	for i, r := range s {
		// range over a string advances by the encoded width of each rune,
		// and by a single byte (yielding U+FFFD) for an invalid sequence.
		if i > 0 {
			return first, i
		}
		first = r
	}
	return first, len(s)
}

func encodeMap(buf []byte, m Map, path string) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	emitted := 0
	for _, k := range keys {
		v := m[k]
		if v == nil {
			// Null/absent fields are omitted entirely (spec §4.1).
			continue
		}
		if emitted > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = encodeString(buf, k, path+"."+k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, ':')
		buf, err = encode(buf, v, path+"."+k)
		if err != nil {
			return nil, err
		}
		emitted++
	}
	buf = append(buf, '}')
	return buf, nil
}

func encodeList(buf []byte, l List, path string) ([]byte, error) {
	buf = append(buf, '[')
	for i, v := range l {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = encode(buf, v, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

func encodeSet(buf []byte, s Set, path string) ([]byte, error) {
	sorted := slices.Clone(s)
	slices.Sort(sorted)
	buf = append(buf, '<')
	for i, v := range sorted {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = encodeString(buf, v, fmt.Sprintf("%s{%d}", path, i))
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '>')
	return buf, nil
}
