// Package uuidz implements the reversible UUID shortening used in bundle
// manifests and compressed import records.
//
// A canonical UUID is 32 hex digits. The first Reserved digits are kept
// verbatim and every following group of three hex digits (12 bits) is
// written as two base64 characters, so a 36-character UUID becomes 22 or
// 23 characters. Sub-asset suffixes ("@key") are kept as-is.
//
// Only lowercase dashed UUIDs are shortened. Encode and Decode add an
// escape so that any other id survives the round trip unchanged.
package uuidz

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// Reserved digit counts: the minimal form keeps 2 leading hex digits, the
// default form keeps 5.
const (
	ReservedMin     = 2
	ReservedDefault = 5
)

// Escape prefixes ids that Decompress would otherwise misread. It is not in
// the base64 alphabet and never starts a compressed value.
const Escape = "~"

var decodeTable = func() [128]int8 {
	var t [128]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		t[alphabet[i]] = int8(i)
	}
	return t
}()

// Compress shortens id. minimal selects the 22-character form. Values that
// are not lowercase dashed UUIDs are returned unchanged.
func Compress(id string, minimal bool) string {
	base, sub, hasSub := strings.Cut(id, "@")
	if !IsUUID(base) {
		return id
	}
	u := uuid.MustParse(base)
	hexDigits := hex.EncodeToString(u[:])
	reserved := ReservedDefault
	if minimal {
		reserved = ReservedMin
	}

	var b strings.Builder
	b.Grow(23)
	b.WriteString(hexDigits[:reserved])
	for i := reserved; i < len(hexDigits); i += 3 {
		v := hexVal(hexDigits[i])<<8 | hexVal(hexDigits[i+1])<<4 | hexVal(hexDigits[i+2])
		b.WriteByte(alphabet[v>>6])
		b.WriteByte(alphabet[v&0x3f])
	}
	if hasSub {
		b.WriteString("@")
		b.WriteString(sub)
	}
	return b.String()
}

// Decompress restores the canonical dashed UUID from a compressed value.
// Values that Compress could not have produced are returned unchanged.
func Decompress(s string) string {
	base, sub, hasSub := strings.Cut(s, "@")
	var reserved int
	switch len(base) {
	case 22:
		reserved = ReservedMin
	case 23:
		reserved = ReservedDefault
	default:
		return s
	}
	var b strings.Builder
	b.Grow(32)
	b.WriteString(base[:reserved])
	for i := reserved; i < len(base); i += 2 {
		hi, lo := decode(base[i]), decode(base[i+1])
		if hi < 0 || lo < 0 {
			return s
		}
		v := int(hi)<<6 | int(lo)
		fmt.Fprintf(&b, "%03x", v)
	}
	raw := b.String()
	u, err := uuid.Parse(raw)
	if err != nil {
		return s
	}
	out := u.String()
	if hasSub {
		out += "@" + sub
	}
	if Compress(out, reserved == ReservedMin) != s {
		return s
	}
	return out
}

// Encode compresses id and escapes any uncompressed value that Decode
// would not return unchanged.
func Encode(id string, minimal bool) string {
	if c := Compress(id, minimal); c != id {
		return c
	}
	if strings.HasPrefix(id, Escape) || Decompress(id) != id {
		return Escape + id
	}
	return id
}

// Decode inverts Encode.
func Decode(s string) string {
	if rest, ok := strings.CutPrefix(s, Escape); ok {
		return rest
	}
	return Decompress(s)
}

// IsUUID reports whether s (without any sub-asset suffix) is a lowercase
// dashed UUID.
func IsUUID(s string) bool {
	base, _, _ := strings.Cut(s, "@")
	if len(base) != 36 {
		return false
	}
	u, err := uuid.Parse(base)
	return err == nil && u.String() == base
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}

func decode(c byte) int8 {
	if c >= 128 {
		return -1
	}
	return decodeTable[c]
}
