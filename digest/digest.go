// Package digest provides the hash, address and salt primitives shared by
// the content store and the route table.
//
// All hashing is SHA3-256. Addresses are derived purely from (salt, content
// hash), so any party can recompute a module's placement address before the
// module is placed.
package digest

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Hash is a SHA3-256 digest.
type Hash [32]byte

// Address is a 20-byte placement address derived from (salt, content hash).
type Address [20]byte

// Salt is a caller-chosen 32-byte value that namespaces address derivation.
type Salt [32]byte

// addressTag domain-separates address derivation from plain content hashing.
const addressTag = 0xff

// Sum computes the SHA3-256 content hash of payload.
func Sum(payload []byte) Hash {
	return sha3.Sum256(payload)
}

// DeriveAddress computes the placement address for a content hash under a
// salt: the last 20 bytes of SHA3-256(tag || salt || content). Pure; agrees
// byte-for-byte with what placement produces.
func DeriveAddress(salt Salt, content Hash) Address {
	h := sha3.New256()
	h.Write([]byte{addressTag})
	h.Write(salt[:])
	h.Write(content[:])
	sum := h.Sum(nil)

	var a Address
	copy(a[:], sum[len(sum)-20:])
	return a
}

// Combine hashes an ordered pair of node hashes. The pair is ordered
// canonically (byte comparison) before hashing, so proof verification needs
// only sibling values, never left/right position.
func Combine(a, b Hash) Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	h := sha3.New256()
	h.Write(a[:])
	h.Write(b[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash is all zero bytes.
func (h Hash) IsZero() bool { return h == Hash{} }

// Hex returns the lowercase hex encoding of the address.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// Hex returns the lowercase hex encoding of the salt.
func (s Salt) Hex() string { return hex.EncodeToString(s[:]) }

// MarshalText implements encoding.TextMarshaler (hex), so hashes embed in
// JSON and YAML as strings.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler (hex).
func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler (hex).
func (s Salt) MarshalText() ([]byte, error) { return []byte(s.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Salt) UnmarshalText(text []byte) error {
	parsed, err := ParseSalt(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := parseHex(s, h[:]); err != nil {
		return Hash{}, fmt.Errorf("digest: parse hash: %w", err)
	}
	return h, nil
}

// ParseAddress decodes a 40-character hex string into an Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if err := parseHex(s, a[:]); err != nil {
		return Address{}, fmt.Errorf("digest: parse address: %w", err)
	}
	return a, nil
}

// ParseSalt decodes a 64-character hex string into a Salt.
func ParseSalt(s string) (Salt, error) {
	var sl Salt
	if err := parseHex(s, sl[:]); err != nil {
		return Salt{}, fmt.Errorf("digest: parse salt: %w", err)
	}
	return sl, nil
}

func parseHex(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
