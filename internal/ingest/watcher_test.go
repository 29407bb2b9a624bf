package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestWatcher(dir string, debounce time.Duration, q *Queue) *Watcher {
	return NewWatcher(dir, 10*time.Millisecond, debounce, 1000, q, nil)
}

func TestSweepEnqueuesAllFiles(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, dir, "a.csv", "symbol,close\nAAPL,1\n")
	writeInput(t, dir, "b.csv", "symbol,close\nMSFT,2\n")
	writeInput(t, dir, ".hidden.csv", "x")
	writeInput(t, dir, "~$lock.xlsx", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	q := NewQueue(8, nil)
	w := newTestWatcher(dir, 0, q)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q.Len())
}

func TestPollRequiresTwoStableObservations(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, dir, "a.csv", "symbol,close\nAAPL,1\n")

	q := NewQueue(8, nil)
	w := newTestWatcher(dir, 0, q)
	ctx := context.Background()

	w.poll(ctx)
	assert.Equal(t, 0, q.Len(), "first observation must not enqueue")

	w.poll(ctx)
	assert.Equal(t, 1, q.Len(), "unchanged file should settle on second observation")
}

func TestPollDoesNotReEnqueueUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, dir, "a.csv", "symbol,close\nAAPL,1\n")

	q := NewQueue(8, nil)
	w := newTestWatcher(dir, 0, q)
	ctx := context.Background()

	w.poll(ctx)
	w.poll(ctx)
	require.Equal(t, 1, q.Len())

	task, ok := q.Dequeue()
	require.True(t, ok)
	q.Done(task, true)

	w.poll(ctx)
	assert.Equal(t, 0, q.Len())
}

func TestPollEnqueuesModifiedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeInput(t, dir, "a.csv", "symbol,close\nAAPL,1\n")

	q := NewQueue(8, nil)
	w := newTestWatcher(dir, 0, q)
	ctx := context.Background()

	w.poll(ctx)
	w.poll(ctx)
	task, ok := q.Dequeue()
	require.True(t, ok)
	q.Done(task, true)

	require.NoError(t, os.WriteFile(path, []byte("symbol,close\nAAPL,2\n"), 0644))
	// Force a different mtime on filesystems with coarse timestamps.
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	w.poll(ctx)
	assert.Equal(t, 0, q.Len(), "changed file must settle again first")
	w.poll(ctx)
	require.Equal(t, 1, q.Len())

	next, ok := q.Dequeue()
	require.True(t, ok)
	assert.NotEqual(t, task.File.Hash, next.File.Hash)
}

func TestPollHonorsDebounce(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, dir, "a.csv", "symbol,close\nAAPL,1\n")

	q := NewQueue(8, nil)
	w := newTestWatcher(dir, 150*time.Millisecond, q)
	ctx := context.Background()

	w.poll(ctx)
	w.poll(ctx)
	assert.Equal(t, 0, q.Len(), "debounce window still open")

	time.Sleep(200 * time.Millisecond)
	w.poll(ctx)
	assert.Equal(t, 1, q.Len())
}

func TestStillChanging(t *testing.T) {
	dir := t.TempDir()
	path := writeInput(t, dir, "a.csv", "symbol,close\nAAPL,1\n")
	w := newTestWatcher(dir, 0, NewQueue(8, nil))

	file, err := SnapshotFile(path)
	require.NoError(t, err)
	assert.False(t, w.stillChanging(file))

	// Grown since the snapshot: a writer is still appending.
	require.NoError(t, os.WriteFile(path, []byte("symbol,close\nAAPL,1\nMSFT,2\n"), 0644))
	assert.True(t, w.stillChanging(file))

	// Same bytes but a fresh mtime also counts as unsettled.
	file, err = SnapshotFile(path)
	require.NoError(t, err)
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	assert.True(t, w.stillChanging(file))

	// A file that vanished after snapshotting must not be enqueued.
	require.NoError(t, os.Remove(path))
	assert.True(t, w.stillChanging(file))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue(8, nil)
	w := newTestWatcher(dir, 0, q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestSkipName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"prices.csv", false},
		{"prices.XLSX", false},
		{".hidden", true},
		{"~$prices.xlsx", true},
		{"download.tmp", true},
		{"export.part", true},
		{"data.crdownload", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, skipName(tt.name), tt.name)
	}
}

func TestSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	path := writeInput(t, dir, "a.csv", "symbol,close\nAAPL,1\n")

	file, err := SnapshotFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, file.Path)
	assert.NotEmpty(t, file.Hash)
	assert.Equal(t, int64(len("symbol,close\nAAPL,1\n")), file.Size)

	same, err := SnapshotFile(path)
	require.NoError(t, err)
	assert.Equal(t, file.Hash, same.Hash)
	assert.Equal(t, file.Identity(), same.Identity())

	require.NoError(t, os.WriteFile(path, []byte("symbol,close\nAAPL,2\n"), 0644))
	changed, err := SnapshotFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, file.Hash, changed.Hash)
}

func TestSnapshotFileMissing(t *testing.T) {
	_, err := SnapshotFile(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}
