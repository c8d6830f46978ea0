package proxy

// Turn roles. The native API has no system role; translation flattens system
// prompts into the first user turn.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Blob is inline binary content, carried base64-encoded with its mime type.
// Stores and translators pass blobs through verbatim; the mime type is never
// dropped or re-derived.
type Blob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64, no data-URL framing
}

// Part is one piece of a turn: either text or an inline blob, never both.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inline_data,omitempty"`
}

// TextPart returns a text-only part.
func TextPart(s string) Part { return Part{Text: s} }

// BlobPart returns an inline-data part.
func BlobPart(mime, data string) Part {
	return Part{InlineData: &Blob{MimeType: mime, Data: data}}
}

// Turn is a single conversation turn in the internal message model. Wire
// shapes on both sides map onto this; the context store persists it.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// AllowedImageMime reports whether the mime type is accepted for inline
// image data. The provider rejects everything else.
func AllowedImageMime(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/webp", "image/heic", "image/heif":
		return true
	}
	return false
}
