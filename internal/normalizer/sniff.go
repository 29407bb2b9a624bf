package normalizer

import (
	"bytes"

	"marketpipe/internal/domain"
)

var (
	zipMagic = []byte{0x50, 0x4B, 0x03, 0x04}
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Sniff classifies a raw file by content. XLSX is a ZIP container, legacy
// XLS is an OLE2 compound document, and anything that looks like text is
// treated as delimiter-separated values. Extension is never consulted.
func Sniff(data []byte) domain.FileKind {
	switch {
	case bytes.HasPrefix(data, zipMagic):
		return domain.KindXLSX
	case bytes.HasPrefix(data, oleMagic):
		return domain.KindXLS
	case looksLikeText(data):
		return domain.KindCSV
	default:
		return domain.KindUnknown
	}
}

// looksLikeText reports whether the leading bytes are plausibly character
// data in any of the supported encodings. NUL bytes rule text out.
func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	for _, b := range sample {
		if b == 0x00 {
			return false
		}
	}
	return true
}
