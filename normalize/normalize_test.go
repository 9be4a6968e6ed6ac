package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/justapithecus/spriteforge/types"
)

func baseRequest() types.StructuredRequest {
	return types.StructuredRequest{
		Type:        "creature",
		Style:       "pixel-art",
		Action:      "idle",
		Description: "a small red dragon",
		Raw:         "draw me a tiny dragon",
		Size:        types.Size{Width: 64, Height: 64},
	}
}

func TestCanonical_Deterministic(t *testing.T) {
	req := baseRequest()
	a := Canonical(req)
	b := Canonical(req)
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical form not stable:\n%s\n%s", a, b)
	}
}

func TestCanonical_SemanticEquivalence(t *testing.T) {
	a := baseRequest()

	b := baseRequest()
	b.Type = "  CREATURE\t"
	b.Style = "Pixel-Art"
	b.Description = "A Small RED dragon  "
	b.Raw = "\nDraw me a tiny DRAGON"

	if !bytes.Equal(Canonical(a), Canonical(b)) {
		t.Fatalf("trim/case variants should canonicalize identically:\n%s\n%s",
			Canonical(a), Canonical(b))
	}
	if CacheKey(a) != CacheKey(b) {
		t.Fatalf("cache keys differ: %s vs %s", CacheKey(a), CacheKey(b))
	}
}

func TestCanonical_InternalWhitespacePreserved(t *testing.T) {
	a := baseRequest()
	a.Description = "two  spaces"
	b := baseRequest()
	b.Description = "two spaces"
	if bytes.Equal(Canonical(a), Canonical(b)) {
		t.Fatal("internal whitespace must be significant")
	}
}

func TestCanonical_EmptyOptionsIndistinguishableFromAbsent(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Options = &types.GenerationOptions{}
	if !bytes.Equal(Canonical(a), Canonical(b)) {
		t.Fatalf("empty options must serialize like absent options:\n%s\n%s",
			Canonical(a), Canonical(b))
	}
}

func TestCanonical_PaletteImageBytewise(t *testing.T) {
	palette := "  AbC123==  " // opaque: leading/trailing bytes and case must survive
	req := baseRequest()
	req.Options = &types.GenerationOptions{PaletteImage: palette}

	canonical := string(Canonical(req))
	if !strings.Contains(canonical, `"paletteImage":"  AbC123==  "`) {
		t.Fatalf("palette image was altered: %s", canonical)
	}
}

func TestCanonical_KeyOrderAscending(t *testing.T) {
	scale := 7.5
	noBg := true
	req := baseRequest()
	req.Options = &types.GenerationOptions{
		TextGuidanceScale: &scale,
		NoBackground:      &noBg,
		PaletteImage:      "cGFsZXR0ZQ==",
	}

	canonical := string(Canonical(req))
	keys := []string{`"action"`, `"description"`, `"options"`, `"noBackground"`,
		`"paletteImage"`, `"textGuidanceScale"`, `"raw"`, `"size"`, `"height"`,
		`"width"`, `"style"`, `"type"`}
	last := -1
	for _, k := range keys {
		idx := strings.Index(canonical, k)
		if idx < 0 {
			t.Fatalf("missing key %s in %s", k, canonical)
		}
		if idx < last {
			t.Fatalf("key %s out of order in %s", k, canonical)
		}
		last = idx
	}
	if strings.Contains(canonical, `": `) || strings.Contains(canonical, `, "`) {
		t.Fatalf("insignificant whitespace in canonical form: %s", canonical)
	}
}

func TestCanonical_Idempotent(t *testing.T) {
	scale := 3.25
	req := baseRequest()
	req.Type = "  Creature "
	req.Options = &types.GenerationOptions{TextGuidanceScale: &scale}

	canonical := Canonical(req)

	var reparsed types.StructuredRequest
	if err := json.Unmarshal(canonical, &reparsed); err != nil {
		t.Fatalf("canonical form is not valid JSON: %v", err)
	}

	if !bytes.Equal(Canonical(reparsed), canonical) {
		t.Fatalf("normalize not idempotent:\n%s\n%s", canonical, Canonical(reparsed))
	}
}

func TestCacheKey_Prefix(t *testing.T) {
	key := CacheKey(baseRequest())
	if !strings.HasPrefix(key, KeyPrefix) {
		t.Fatalf("expected %q prefix, got %s", KeyPrefix, key)
	}
	if len(key) != len(KeyPrefix)+64 {
		t.Fatalf("expected sha256 hex digest, got %s", key)
	}
}

func TestFold(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  Hello World  ", "hello world"},
		{"\t\nMIXED case\r", "mixed case"},
		{"already lower", "already lower"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := Fold(tc.in); got != tc.want {
			t.Errorf("Fold(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
