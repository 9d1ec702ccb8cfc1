// Package filetype classifies artwork and production files by extension, MIME
// type or leading bytes. Everything here is deterministic, only Detect and
// Validate touch the filesystem.
package filetype

import (
	"net/url"
	"path"
	"strings"
)

type Type string

const (
	Artwork    Type = "artwork"
	Vector     Type = "vector"
	Document   Type = "document"
	Embroidery Type = "embroidery"
	Source     Type = "source"
	Unknown    Type = "unknown"
)

var extensions = map[string]Type{
	// raster
	".png":  Artwork,
	".jpg":  Artwork,
	".jpeg": Artwork,
	".gif":  Artwork,
	".bmp":  Artwork,
	".tiff": Artwork,
	".tif":  Artwork,
	".webp": Artwork,

	".ai":  Vector,
	".eps": Vector,
	".svg": Vector,
	".cdr": Vector,

	".pdf": Document,

	// embroidery machine formats
	".dst": Embroidery, // tajima
	".pes": Embroidery, // brother
	".exp": Embroidery, // melco
	".jef": Embroidery, // janome
	".vp3": Embroidery,
	".hus": Embroidery,
	".xxx": Embroidery, // singer
	".sew": Embroidery,
	".shv": Embroidery,
	".pcs": Embroidery, // pfaff

	".psd":      Source,
	".indd":     Source,
	".idml":     Source,
	".afdesign": Source,
	".afphoto":  Source,
	".zip":      Source,
}

var mimeTypes = map[string]string{
	"image/png":                 ".png",
	"image/jpeg":                ".jpg",
	"image/gif":                 ".gif",
	"image/webp":                ".webp",
	"image/tiff":                ".tiff",
	"image/bmp":                 ".bmp",
	"image/svg+xml":             ".svg",
	"application/pdf":           ".pdf",
	"application/postscript":    ".eps",
	"application/illustrator":   ".ai",
	"image/vnd.adobe.photoshop": ".psd",
	"application/zip":           ".zip",
}

var priorities = map[Type]int{
	Embroidery: 5,
	Vector:     4,
	Source:     4,
	Document:   3,
	Artwork:    2,
	Unknown:    0,
}

// Extensions returns every known extension, with a leading dot.
func Extensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	return out
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// FromExtension maps an extension to a Type, the leading dot is optional.
func FromExtension(ext string) Type {
	t, ok := extensions[normalizeExt(ext)]
	if !ok {
		return Unknown
	}
	return t
}

// ExtensionOf returns the lowercase extension of a URL or path, ignoring query
// strings. Filestack style URLs without an extension in the path fall back to
// the `filename` query parameter.
func ExtensionOf(raw string) string {
	if raw == "" {
		return ""
	}
	p := raw
	var query url.Values
	parsed, err := url.Parse(raw)
	if err == nil {
		p = parsed.Path
		query = parsed.Query()
	}
	ext := strings.ToLower(path.Ext(p))
	if _, known := extensions[ext]; known {
		return ext
	}
	if name := query.Get("filename"); name != "" {
		if fromName := strings.ToLower(path.Ext(name)); fromName != "" {
			return fromName
		}
	}
	return ext
}

func FromURL(raw string) Type {
	return FromExtension(ExtensionOf(raw))
}

func FromMIME(mime string) Type {
	mime = strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0]))
	ext, ok := mimeTypes[mime]
	if !ok {
		return Unknown
	}
	return FromExtension(ext)
}

// Priority ranks how urgently a type should be fetched and stored, embroidery
// files can not be regenerated from anything else so they come first.
func Priority(t Type) int {
	return priorities[t]
}

// IsProduction reports types that are needed to physically produce an order.
func IsProduction(t Type) bool {
	return t == Embroidery || t == Vector || t == Source
}
