// Package types defines core domain types for the spriteforge pipeline.
//
//nolint:revive // types is a common Go package naming convention
package types

// Size is a sprite canvas size in pixels.
type Size struct {
	// Width is the canvas width in pixels.
	Width int `json:"width" msgpack:"width"`
	// Height is the canvas height in pixels.
	Height int `json:"height" msgpack:"height"`
}

// GenerationOptions carries the optional generation knobs of a request.
// A nil Options and an all-zero Options are equivalent for keying purposes.
type GenerationOptions struct {
	// TextGuidanceScale tunes how strongly the provider follows the prompt.
	TextGuidanceScale *float64 `json:"textGuidanceScale,omitempty" msgpack:"text_guidance_scale,omitempty"`
	// NoBackground requests a transparent background.
	NoBackground *bool `json:"noBackground,omitempty" msgpack:"no_background,omitempty"`
	// PaletteImage is an opaque base64 palette reference. It is copied
	// bytewise everywhere; never trimmed or case-folded.
	PaletteImage string `json:"paletteImage,omitempty" msgpack:"palette_image,omitempty"`
}

// IsZero reports whether no option is set.
func (o *GenerationOptions) IsZero() bool {
	return o == nil || (o.TextGuidanceScale == nil && o.NoBackground == nil && o.PaletteImage == "")
}

// StructuredRequest is a classified sprite-generation prompt.
// Trimming and casing are a normalizer concern; the request is stored
// exactly as submitted for auditing.
type StructuredRequest struct {
	// Type is the creature or object class (e.g. "creature", "item").
	Type string `json:"type" msgpack:"type"`
	// Style is the requested art style.
	Style string `json:"style" msgpack:"style"`
	// Action is the depicted action or pose.
	Action string `json:"action" msgpack:"action"`
	// Description is the classifier's structured description.
	Description string `json:"description" msgpack:"description"`
	// Raw is the user's free-text prompt.
	Raw string `json:"raw" msgpack:"raw"`
	// Size is the requested canvas size.
	Size Size `json:"size" msgpack:"size"`
	// Options are the optional generation knobs.
	Options *GenerationOptions `json:"options,omitempty" msgpack:"options,omitempty"`
}
