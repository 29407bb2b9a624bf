package normalizer

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// encodingCandidate pairs a decoder with the name reported in logs.
type encodingCandidate struct {
	name    string
	decoder encoding.Encoding
}

// fallbackEncodings is the decode order tried after UTF-8: the GB family
// first (the screener exports this pipeline ingests are predominantly
// Simplified Chinese), then Latin-1 which accepts any byte sequence.
var fallbackEncodings = []encodingCandidate{
	{name: "gb18030", decoder: simplifiedchinese.GB18030},
	{name: "gbk", decoder: simplifiedchinese.GBK},
	{name: "latin-1", decoder: charmap.ISO8859_1},
}

// DecodeText converts raw file bytes to a UTF-8 string, trying UTF-8
// (with or without BOM) first and then the fallback chain. It returns the
// decoded text and the name of the encoding that succeeded.
func DecodeText(data []byte) (string, string) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}
	for _, candidate := range fallbackEncodings {
		decoded, err := candidate.decoder.NewDecoder().Bytes(data)
		if err == nil && utf8.Valid(decoded) {
			return string(decoded), candidate.name
		}
	}
	// Unreachable: Latin-1 decodes any byte sequence.
	return string(data), "raw"
}
