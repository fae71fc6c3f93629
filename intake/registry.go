package intake

import (
	"bytes"
	"strconv"
	"strings"
)

// minSignatureLength is the shortest payload worth inspecting for a signature.
const minSignatureLength = 8

// ContentTypeSpec describes one accepted attachment kind.
type ContentTypeSpec struct {
	// ContentType is the normalized MIME type, e.g. "application/pdf".
	ContentType string
	// Extension is the canonical extension including the dot, e.g. ".pdf".
	Extension string
	// Aliases are additional extensions recognized as belonging to this kind.
	Aliases []string
	// Magic holds the accepted leading byte sequences; one must match.
	Magic [][]byte
}

// Registry is an immutable lookup table of accepted content types.
type Registry struct {
	specs      map[string]ContentTypeSpec
	order      []string
	extensions []string
}

// NewRegistry builds a registry from specs. Later entries with a duplicate
// content type replace earlier ones.
func NewRegistry(specs ...ContentTypeSpec) *Registry {
	r := &Registry{specs: make(map[string]ContentTypeSpec, len(specs))}
	for _, s := range specs {
		if _, ok := r.specs[s.ContentType]; !ok {
			r.order = append(r.order, s.ContentType)
		}
		r.specs[s.ContentType] = s
	}

	seen := make(map[string]struct{})
	for _, ct := range r.order {
		s := r.specs[ct]
		for _, ext := range append([]string{s.Extension}, s.Aliases...) {
			ext = strings.ToLower(ext)
			if _, ok := seen[ext]; ok {
				continue
			}
			seen[ext] = struct{}{}
			r.extensions = append(r.extensions, ext)
		}
	}
	return r
}

// DefaultRegistry accepts the formats produced by network scanners.
var DefaultRegistry = NewRegistry(
	ContentTypeSpec{
		ContentType: "application/pdf",
		Extension:   ".pdf",
		Magic:       [][]byte{[]byte("%PDF-")},
	},
	ContentTypeSpec{
		ContentType: "image/tiff",
		Extension:   ".tif",
		Aliases:     []string{".tiff"},
		Magic:       [][]byte{[]byte("II*\x00"), []byte("MM\x00*")},
	},
	ContentTypeSpec{
		ContentType: "image/jpeg",
		Extension:   ".jpg",
		Aliases:     []string{".jpeg"},
		Magic:       [][]byte{{0xFF, 0xD8, 0xFF}},
	},
	ContentTypeSpec{
		ContentType: "image/png",
		Extension:   ".png",
		Magic:       [][]byte{[]byte("\x89PNG\r\n\x1a\n")},
	},
)

// Lookup returns the ContentTypeSpec registered for contentType. Matching is exact.
func (r *Registry) Lookup(contentType string) (ContentTypeSpec, bool) {
	s, ok := r.specs[contentType]
	return s, ok
}

// ContentTypes lists registered types in registration order.
func (r *Registry) ContentTypes() []string {
	return append([]string(nil), r.order...)
}

// HasKnownExtension reports whether name ends with any registered extension,
// ignoring case.
func (r *Registry) HasKnownExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range r.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Validate checks that payload is an acceptable instance of contentType.
// A maxSize of zero or less disables the size ceiling.
func (r *Registry) Validate(contentType string, payload []byte, maxSize int64) error {
	spec, ok := r.Lookup(contentType)
	if !ok {
		return reject(ReasonUnsupportedType, contentType)
	}

	if len(payload) < minSignatureLength {
		return reject(ReasonEmptyPayload, strconv.Itoa(len(payload))+" bytes")
	}

	if maxSize > 0 && int64(len(payload)) > maxSize {
		return reject(ReasonTooLarge, strconv.Itoa(len(payload))+" bytes exceeds "+strconv.FormatInt(maxSize, 10))
	}

	for _, magic := range spec.Magic {
		if bytes.HasPrefix(payload, magic) {
			return nil
		}
	}
	return reject(ReasonSignatureMismatch, contentType)
}
