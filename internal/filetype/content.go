package filetype

import (
	"bytes"
)

// HeaderSize is how many leading bytes FromContent wants to see, a DST header
// is 512 bytes long.
const HeaderSize = 512

type signature struct {
	magic []byte
	kind  Type
}

var signatures = []signature{
	{magic: []byte("\x89PNG\r\n\x1a\n"), kind: Artwork},
	{magic: []byte{0xff, 0xd8, 0xff}, kind: Artwork},
	{magic: []byte("GIF87a"), kind: Artwork},
	{magic: []byte("GIF89a"), kind: Artwork},
	{magic: []byte("BM"), kind: Artwork},
	{magic: []byte("II*\x00"), kind: Artwork},
	{magic: []byte("MM\x00*"), kind: Artwork},
	{magic: []byte("%PDF"), kind: Document},
	{magic: []byte("%!PS"), kind: Vector},
	{magic: []byte("PK\x03\x04"), kind: Source},
	{magic: []byte("8BPS"), kind: Source},
	{magic: []byte("#PES"), kind: Embroidery},
}

// FromContent classifies a file from its leading bytes, anything shorter
// than 4 bytes is unknown.
func FromContent(prefix []byte) Type {
	if len(prefix) < 4 {
		return Unknown
	}

	for _, sig := range signatures {
		if bytes.HasPrefix(prefix, sig.magic) {
			return sig.kind
		}
	}

	// RIFF is a generic container, only webp is an image we care about
	if bytes.HasPrefix(prefix, []byte("RIFF")) {
		if len(prefix) >= 12 && string(prefix[8:12]) == "WEBP" {
			return Artwork
		}
		return Unknown
	}

	// tajima DST header: a 512 byte block that opens with the label field
	if len(prefix) >= HeaderSize && bytes.HasPrefix(prefix, []byte("LA:")) {
		return Embroidery
	}

	// melco EXP stitch data opens with a 0x80 control byte
	if len(prefix) > 2 && prefix[0] == 0x80 {
		return Embroidery
	}

	return Unknown
}

var htmlMarkers = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<head"),
}

// looksLikeHTML catches error and login pages saved in place of a file.
func looksLikeHTML(prefix []byte) bool {
	trimmed := bytes.ToLower(bytes.TrimLeft(prefix, " \t\r\n\xef\xbb\xbf"))
	for _, m := range htmlMarkers {
		if bytes.HasPrefix(trimmed, m) {
			return true
		}
	}
	return false
}
