// Package normalize canonicalizes structured sprite requests into a
// stable byte form for cache keying.
//
// Two semantically identical requests always canonicalize to the same
// bytes: object keys are emitted in ascending order, text fields are
// trimmed and ASCII case-folded, and the serialization is compact with
// no insignificant whitespace. Opaque payloads (palette images) are
// copied bytewise and never folded.
package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/justapithecus/spriteforge/types"
)

// KeyPrefix prefixes every cache key derived from a canonical request.
const KeyPrefix = "cache:"

// asciiSpace is the ASCII whitespace cutset for trimming.
const asciiSpace = " \t\n\v\f\r"

// Canonical returns the canonical byte serialization of req.
// It is deterministic, total, and idempotent: canonicalizing a request
// parsed back from its own canonical form yields identical bytes.
func Canonical(req types.StructuredRequest) []byte {
	var b bytes.Buffer
	b.WriteByte('{')

	writeString(&b, "action", Fold(req.Action))
	b.WriteByte(',')
	writeString(&b, "description", Fold(req.Description))
	b.WriteByte(',')

	// An absent options object and an empty one are indistinguishable.
	if !req.Options.IsZero() {
		writeOptions(&b, req.Options)
		b.WriteByte(',')
	}

	writeString(&b, "raw", Fold(req.Raw))
	b.WriteByte(',')

	writeKey(&b, "size")
	b.WriteString(`{"height":`)
	b.WriteString(strconv.Itoa(req.Size.Height))
	b.WriteString(`,"width":`)
	b.WriteString(strconv.Itoa(req.Size.Width))
	b.WriteString("},")

	writeString(&b, "style", Fold(req.Style))
	b.WriteByte(',')
	writeString(&b, "type", Fold(req.Type))

	b.WriteByte('}')
	return b.Bytes()
}

// CacheKey derives the opaque cache key for req:
// "cache:" + hex(sha256(canonical)).
func CacheKey(req types.StructuredRequest) string {
	sum := sha256.Sum256(Canonical(req))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// Fold strips leading and trailing ASCII whitespace, then lowercases
// ASCII letters. Internal whitespace and non-ASCII bytes are preserved.
func Fold(s string) string {
	start, end := 0, len(s)
	for start < end && isASCIISpace(s[start]) {
		start++
	}
	for end > start && isASCIISpace(s[end-1]) {
		end--
	}
	s = s[start:end]

	folded := []byte(s)
	changed := false
	for i, c := range folded {
		if c >= 'A' && c <= 'Z' {
			folded[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(folded)
}

func isASCIISpace(c byte) bool {
	for i := 0; i < len(asciiSpace); i++ {
		if asciiSpace[i] == c {
			return true
		}
	}
	return false
}

// writeOptions emits the options object with keys in ascending order.
// Only present knobs are emitted; paletteImage is copied bytewise.
func writeOptions(b *bytes.Buffer, o *types.GenerationOptions) {
	writeKey(b, "options")
	b.WriteByte('{')
	first := true
	if o.NoBackground != nil {
		writeKey(b, "noBackground")
		b.WriteString(strconv.FormatBool(*o.NoBackground))
		first = false
	}
	if o.PaletteImage != "" {
		if !first {
			b.WriteByte(',')
		}
		// Opaque payload: quoted verbatim, no trimming or folding.
		writeString(b, "paletteImage", o.PaletteImage)
		first = false
	}
	if o.TextGuidanceScale != nil {
		if !first {
			b.WriteByte(',')
		}
		writeKey(b, "textGuidanceScale")
		b.WriteString(strconv.FormatFloat(*o.TextGuidanceScale, 'g', -1, 64))
	}
	b.WriteByte('}')
}

// writeString emits `"key":"escaped value"`.
func writeString(b *bytes.Buffer, key, value string) {
	writeKey(b, key)
	// json.Marshal of a string cannot fail and handles escaping.
	quoted, _ := json.Marshal(value)
	b.Write(quoted)
}

// writeKey emits `"key":`.
func writeKey(b *bytes.Buffer, key string) {
	b.WriteByte('"')
	b.WriteString(key)
	b.WriteString(`":`)
}
