package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/domain"
	"marketpipe/internal/metrics"
	"marketpipe/internal/store"
)

func record(symbol, date string, close float64) domain.CanonicalRecord {
	d, _ := time.Parse(domain.DateFormat, date)
	return domain.CanonicalRecord{Symbol: symbol, Date: d, Close: close}
}

func tableOf(records ...domain.CanonicalRecord) *domain.CanonicalTable {
	t := domain.NewCanonicalTable()
	for _, r := range records {
		t.Upsert(r)
	}
	return t
}

func TestMergeLastWriteWins(t *testing.T) {
	existing := tableOf(
		record("AAPL", "2024-01-02", 185.5),
		record("MSFT", "2024-01-02", 374.1),
	)
	incoming := tableOf(
		record("AAPL", "2024-01-02", 186.0),
		record("GOOG", "2024-01-02", 140.9),
	)

	merged, collisions := Merge(existing, incoming, LastWriteWins)
	assert.Equal(t, 1, collisions)
	assert.Equal(t, 3, merged.Len())

	rec, _ := merged.Get(domain.RecordKey{Symbol: "AAPL", Date: "2024-01-02"})
	assert.Equal(t, 186.0, rec.Close)
}

func TestMergeKeepExisting(t *testing.T) {
	existing := tableOf(record("AAPL", "2024-01-02", 185.5))
	incoming := tableOf(
		record("AAPL", "2024-01-02", 186.0),
		record("GOOG", "2024-01-02", 140.9),
	)

	merged, collisions := Merge(existing, incoming, KeepExisting)
	assert.Equal(t, 1, collisions)
	assert.Equal(t, 2, merged.Len())

	rec, _ := merged.Get(domain.RecordKey{Symbol: "AAPL", Date: "2024-01-02"})
	assert.Equal(t, 185.5, rec.Close)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	existing := tableOf(record("AAPL", "2024-01-02", 185.5))
	incoming := tableOf(record("AAPL", "2024-01-02", 186.0))

	Merge(existing, incoming, LastWriteWins)

	rec, _ := existing.Get(domain.RecordKey{Symbol: "AAPL", Date: "2024-01-02"})
	assert.Equal(t, 185.5, rec.Close)
	assert.Equal(t, 1, incoming.Len())
}

func TestMergeIdempotent(t *testing.T) {
	existing := tableOf(
		record("AAPL", "2024-01-02", 185.5),
		record("MSFT", "2024-01-02", 374.1),
	)
	incoming := tableOf(record("AAPL", "2024-01-03", 187.2))

	once, _ := Merge(existing, incoming, LastWriteWins)
	twice, _ := Merge(once, incoming, LastWriteWins)
	assert.True(t, once.Equal(twice))
}

func TestPipelineRunPublishesMergedVersion(t *testing.T) {
	dir := t.TempDir()
	versioner := store.NewVersioner(dir, 10, nil)
	pipe := New(versioner, metrics.NewEngine(5), nil, LastWriteWins, nil)

	file := domain.RawFile{Path: "input/a.csv", Hash: "aa"}
	id1, err := pipe.Run(context.Background(), file, tableOf(record("AAPL", "2024-01-02", 185.5)))
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	file2 := domain.RawFile{Path: "input/b.csv", Hash: "bb"}
	id2, err := pipe.Run(context.Background(), file2, tableOf(record("MSFT", "2024-01-02", 374.1)))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	// The second version accumulates both files.
	table, err := versioner.LoadLatestTable()
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
}

func TestPipelineRunCancelledContext(t *testing.T) {
	dir := t.TempDir()
	versioner := store.NewVersioner(dir, 10, nil)
	pipe := New(versioner, metrics.NewEngine(5), nil, LastWriteWins, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipe.Run(ctx, domain.RawFile{Path: "input/a.csv"}, tableOf(record("AAPL", "2024-01-02", 1)))
	assert.ErrorIs(t, err, context.Canceled)
}
