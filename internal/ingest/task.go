// Package ingest discovers settled input files and feeds them, exactly
// once per content identity, to the processing workers.
package ingest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"

	"marketpipe/internal/domain"
	apperrors "marketpipe/internal/errors"
	"marketpipe/internal/normalizer"
)

// Task is one unit of work: a snapshot of an input file at enqueue time.
type Task struct {
	Seq        uint64
	File       domain.RawFile
	EnqueuedAt time.Time
}

// sniffLen is how many leading bytes SnapshotFile reads for format
// detection.
const sniffLen = 4096

// SnapshotFile captures a file's identity: size, mtime, content hash, and
// detected format. The hash is streamed, so large workbooks are not held
// in memory here.
func SnapshotFile(path string) (domain.RawFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.RawFile{}, apperrors.NewTransientIOError(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.RawFile{}, apperrors.NewTransientIOError(fmt.Sprintf("stat %s", path), err)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return domain.RawFile{}, apperrors.NewTransientIOError(fmt.Sprintf("read %s", path), err)
	}
	head = head[:n]

	hasher, _ := blake2b.New256(nil)
	hasher.Write(head)
	if _, err := io.Copy(hasher, f); err != nil {
		return domain.RawFile{}, apperrors.NewTransientIOError(fmt.Sprintf("hash %s", path), err)
	}

	return domain.RawFile{
		Path:    path,
		Kind:    normalizer.Sniff(head),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Hash:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
