package intake

import (
	"path/filepath"
	"strings"
)

const (
	// maxFilenameLength is the common filesystem limit for one path segment.
	maxFilenameLength = 255

	defaultBaseName   = "scan"
	fallbackExtension = ".bin"
)

// Sanitize turns an untrusted proposed filename into a single safe path segment
// ending with a registered extension. It never fails.
func (r *Registry) Sanitize(proposed, contentType string) string {
	ext := r.canonicalExtension(contentType)
	fallback := defaultBaseName + ext

	if proposed == "" {
		return fallback
	}

	// Scanners running on Windows send backslash-separated names.
	name := proposed
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	name = strings.Map(safeRune, name)
	name = strings.Trim(name, ". ")

	if name == "" || name == "." || name == ".." {
		return fallback
	}

	if !r.HasKnownExtension(name) {
		name += ext
	}

	return truncateName(name, maxFilenameLength)
}

// canonicalExtension falls back to the first registered kind for unknown
// types, so Sanitize output always ends with a registered extension. Only an
// empty registry yields fallbackExtension.
func (r *Registry) canonicalExtension(contentType string) string {
	if spec, ok := r.Lookup(contentType); ok {
		return spec.Extension
	}
	if len(r.order) > 0 {
		return r.specs[r.order[0]].Extension
	}
	return fallbackExtension
}

// safeRune keeps ASCII letters, digits, dot, underscore, hyphen and space.
// Tabs and line breaks are replaced too: SMB clients refuse control characters.
func safeRune(c rune) rune {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return c
	case c == '.', c == '_', c == '-', c == ' ':
		return c
	default:
		return '_'
	}
}

// truncateName shortens the base part of name so the whole name fits in limit
// bytes, keeping the extension intact.
func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	keep := limit - len(ext)
	if keep < 1 {
		return name[:limit]
	}
	return base[:keep] + ext
}
