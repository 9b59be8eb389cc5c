package digest

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSumDeterministic(t *testing.T) {
	a := Sum([]byte("module payload"))
	b := Sum([]byte("module payload"))
	if a != b {
		t.Fatal("same payload produced different hashes")
	}
	if a == Sum([]byte("other payload")) {
		t.Fatal("different payloads produced the same hash")
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	content := Sum([]byte("payload"))
	var s1, s2 Salt
	s2[0] = 1

	a := DeriveAddress(s1, content)
	if a != DeriveAddress(s1, content) {
		t.Fatal("derivation is not deterministic")
	}
	if a == DeriveAddress(s2, content) {
		t.Fatal("different salts derived the same address")
	}
	if a == DeriveAddress(s1, Sum([]byte("other"))) {
		t.Fatal("different content derived the same address")
	}
}

func TestDeriveAddressDomainSeparated(t *testing.T) {
	// An address must never collide with a truncation of a plain content
	// hash of the same inputs.
	content := Sum([]byte("payload"))
	var salt Salt
	addr := DeriveAddress(salt, content)

	plain := Sum(append(salt[:], content[:]...))
	if strings.HasSuffix(plain.Hex(), addr.Hex()) {
		t.Fatal("address derivation not domain-separated from Sum")
	}
}

func TestCombineOrderIndependent(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))
	if Combine(a, b) != Combine(b, a) {
		t.Fatal("Combine depends on argument order")
	}
	if Combine(a, a) == Combine(a, b) {
		t.Fatal("distinct pairs combined to the same hash")
	}
}

func TestHexRoundTrip(t *testing.T) {
	h := Sum([]byte("x"))
	got, err := ParseHash(h.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatal("hash hex round-trip mismatch")
	}

	var salt Salt
	salt[31] = 0xAB
	addr := DeriveAddress(salt, h)
	gotAddr, err := ParseAddress(addr.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if gotAddr != addr {
		t.Fatal("address hex round-trip mismatch")
	}

	gotSalt, err := ParseSalt(salt.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if gotSalt != salt {
		t.Fatal("salt hex round-trip mismatch")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wire struct {
		Hash    Hash    `json:"hash"`
		Address Address `json:"address"`
	}
	h := Sum([]byte("payload"))
	var salt Salt
	in := wire{Hash: h, Address: DeriveAddress(salt, h)}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), h.Hex()) {
		t.Fatalf("hash not serialized as hex: %s", data)
	}

	var out wire
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatal("JSON round-trip mismatch")
	}

	if err := json.Unmarshal([]byte(`{"hash":"zz"}`), &out); err == nil {
		t.Fatal("bad hex accepted")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"zz",
		"abcd",                   // too short
		strings.Repeat("ab", 33), // too long for a hash
	}
	for _, c := range cases {
		if _, err := ParseHash(c); err == nil {
			t.Fatalf("ParseHash(%q): expected error", c)
		}
	}
	if _, err := ParseAddress(strings.Repeat("ab", 32)); err == nil {
		t.Fatal("ParseAddress accepted 32 bytes")
	}
}
