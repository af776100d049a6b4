package canon

import (
	"testing"
)

func TestHashDeterministicAcrossMapOrder(t *testing.T) {
	a := Map{
		"profile":  "gl-mt3000",
		"packages": Set{"luci", "curl", "htop"},
		"files":    List{"etc/config/network", "etc/dropbear/authorized_keys"},
	}
	b := Map{
		"files":    List{"etc/config/network", "etc/dropbear/authorized_keys"},
		"packages": Set{"htop", "luci", "curl"},
		"profile":  "gl-mt3000",
	}

	_, h1, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash(a): %v", err)
	}
	_, h2, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash(b): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hashes for map-key and set-element reordering, got %s != %s", h1, h2)
	}
}

func TestHashDeterministicRepeat(t *testing.T) {
	v := Map{"a": 1, "b": List{"x", "y", "z"}}
	_, h1, err := Hash(v)
	if err != nil {
		t.Fatal(err)
	}
	_, h2, err := Hash(v)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash is not stable across repeated calls: %s != %s", h1, h2)
	}
}

func TestHashSensitiveToOrderedListOrder(t *testing.T) {
	a := Map{"files": List{"a.conf", "b.conf"}}
	b := Map{"files": List{"b.conf", "a.conf"}}

	_, h1, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	_, h2, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatalf("expected ordered-list reordering to change the hash, got identical %s", h1)
	}
}

func TestHashSensitiveToValueChange(t *testing.T) {
	a := Map{"profile": "gl-mt3000", "packages": Set{"luci"}}
	b := Map{"profile": "gl-mt3000", "packages": Set{"luci-ssl"}}

	_, h1, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	_, h2, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected package-set content change to change the hash")
	}
}

func TestHashNFCNormalizesEquivalentStrings(t *testing.T) {
	// "é" as a single code point (U+00E9) vs. combining form (e + U+0301)
	// must canonicalize identically.
	precomposed := Map{"label": "café"}
	decomposed := Map{"label": "café"}

	_, h1, err := Hash(precomposed)
	if err != nil {
		t.Fatal(err)
	}
	_, h2, err := Hash(decomposed)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected NFC-equivalent strings to hash identically, got %s != %s", h1, h2)
	}
}

func TestCanonicalizeRejectsNullField(t *testing.T) {
	_, err := Canonicalize(List{nil})
	if err == nil {
		t.Fatal("expected error for a null element in an ordered list")
	}
}

func TestCanonicalizeOmitsNullMapField(t *testing.T) {
	withNull := Map{"a": "x", "b": nil}
	without := Map{"a": "x"}

	c1, err := Canonicalize(withNull)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Canonicalize(without)
	if err != nil {
		t.Fatal(err)
	}
	if string(c1) != string(c2) {
		t.Fatalf("expected a nil-valued map field to be omitted, got %q != %q", c1, c2)
	}
}

func TestCanonicalizeOmitsNullMapFieldSortingBeforeNonNull(t *testing.T) {
	// "a" sorts before "b"; a naive loop-index comma check would emit a
	// spurious leading comma once the nil-valued "a" is skipped.
	withLeadingNull := Map{"a": nil, "b": "x"}
	without := Map{"b": "x"}

	c1, err := Canonicalize(withLeadingNull)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Canonicalize(without)
	if err != nil {
		t.Fatal(err)
	}
	if string(c1) != string(c2) {
		t.Fatalf("expected a nil-valued map field sorting first to be omitted cleanly, got %q != %q", c1, c2)
	}
	if string(c1) != `{"b":"x"}` {
		t.Fatalf("expected no spurious leading comma, got %q", c1)
	}
}

func TestCanonicalizeRejectsUnsupportedType(t *testing.T) {
	type unknown struct{}
	_, err := Canonicalize(unknown{})
	if err == nil {
		t.Fatal("expected error for an unsupported type")
	}
}
