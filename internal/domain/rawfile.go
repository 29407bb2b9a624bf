package domain

import (
	"fmt"
	"time"
)

// FileKind is the detected format of a raw input file. Detection is done
// by content sniffing, never by extension alone.
type FileKind string

const (
	KindCSV     FileKind = "csv"
	KindXLS     FileKind = "xls"
	KindXLSX    FileKind = "xlsx"
	KindUnknown FileKind = "unknown"
)

// RawFile is an immutable snapshot of one input file at the moment it was
// observed as settled. Identity is (path, content hash): the same path with
// different bytes is a different RawFile.
type RawFile struct {
	Path    string
	Kind    FileKind
	Size    int64
	ModTime time.Time
	Hash    string // blake2b-256 of the file contents, hex encoded
}

// Identity returns the dedup key for this snapshot.
func (f RawFile) Identity() string {
	return fmt.Sprintf("%s@%s", f.Path, f.Hash)
}
