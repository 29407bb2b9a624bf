package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/domain"
)

func record(symbol, date string, close float64) domain.CanonicalRecord {
	d, _ := time.Parse(domain.DateFormat, date)
	return domain.CanonicalRecord{Symbol: symbol, Name: symbol + " Inc", Date: d, Close: close, Volume: 1000, ChangePercent: 1.5}
}

func tableOf(records ...domain.CanonicalRecord) *domain.CanonicalTable {
	t := domain.NewCanonicalTable()
	for _, r := range records {
		t.Upsert(r)
	}
	return t
}

func publishOne(t *testing.T, v *Versioner, symbol string) string {
	t.Helper()
	id, err := v.Publish(tableOf(record(symbol, "2024-01-02", 185.5)), nil, Manifest{SourcePath: "input/a.csv"})
	require.NoError(t, err)
	return id
}

func TestPublishAndLatest(t *testing.T) {
	dir := t.TempDir()
	v := NewVersioner(dir, 10, nil)

	id := publishOne(t, v, "AAPL")

	latest, err := v.Latest()
	require.NoError(t, err)
	assert.Equal(t, id, latest)

	for _, name := range []string{canonicalName, metricsName, manifestName} {
		_, err := os.Stat(filepath.Join(dir, versionsDir, id, name))
		assert.NoError(t, err, name)
	}

	// Staging area is cleaned up after promotion.
	entries, err := os.ReadDir(filepath.Join(dir, stagingDir))
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestLatestEmptyBeforeFirstPublish(t *testing.T) {
	v := NewVersioner(t.TempDir(), 10, nil)

	latest, err := v.Latest()
	require.NoError(t, err)
	assert.Empty(t, latest)

	table, err := v.LoadLatestTable()
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len())
}

func TestLoadLatestTableRoundtrip(t *testing.T) {
	v := NewVersioner(t.TempDir(), 10, nil)

	want := tableOf(
		record("AAPL", "2024-01-02", 185.5),
		record("MSFT", "2024-01-03", 374.1),
	)
	_, err := v.Publish(want, nil, Manifest{})
	require.NoError(t, err)

	got, err := v.LoadLatestTable()
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestMetricsCSVEncodesUndefinedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	v := NewVersioner(dir, 10, nil)

	delta := 3
	momentum := 1.25
	snaps := []domain.MetricSnapshot{
		{Symbol: "AAPL", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Rank: 1},
		{Symbol: "MSFT", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Rank: 2,
			RankDelta: &delta, Momentum: &momentum, Labels: []string{"hot", "climber"}},
	}
	id, err := v.Publish(tableOf(record("AAPL", "2024-01-02", 1)), snaps, Manifest{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, versionsDir, id, metricsName))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "AAPL,2024-01-02,1,,,0,")
	assert.Contains(t, content, "MSFT,2024-01-02,2,3,1.250000,0,hot|climber")
}

func TestVersionsSortedOldestFirst(t *testing.T) {
	v := NewVersioner(t.TempDir(), 10, nil)

	first := publishOne(t, v, "AAPL")
	second := publishOne(t, v, "MSFT")

	ids, err := v.Versions()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, []string{first, second}, ids)
}

func TestPruneKeepsNewestAndLatest(t *testing.T) {
	v := NewVersioner(t.TempDir(), 2, nil)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, publishOne(t, v, "AAPL"))
	}

	removed, err := v.Prune()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	remaining, err := v.Versions()
	require.NoError(t, err)
	assert.Equal(t, ids[3:], remaining)

	latest, err := v.Latest()
	require.NoError(t, err)
	assert.Equal(t, ids[4], latest)
}

func TestPruneNoopUnderLimit(t *testing.T) {
	v := NewVersioner(t.TempDir(), 10, nil)
	publishOne(t, v, "AAPL")

	removed, err := v.Prune()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestFailedPublishLeavesLatestIntact(t *testing.T) {
	dir := t.TempDir()
	v := NewVersioner(dir, 10, nil)
	id := publishOne(t, v, "AAPL")

	// Replace the versions directory with a file so promotion fails.
	versions := filepath.Join(dir, versionsDir)
	require.NoError(t, os.RemoveAll(versions))
	require.NoError(t, os.WriteFile(versions, []byte("x"), 0644))

	_, err := v.Publish(tableOf(record("MSFT", "2024-01-02", 1)), nil, Manifest{})
	require.Error(t, err)

	latest, err := v.Latest()
	require.NoError(t, err)
	assert.Equal(t, id, latest)
}

func TestVersionIDsSortChronologically(t *testing.T) {
	a := newVersionID(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))
	b := newVersionID(time.Date(2024, 1, 2, 10, 0, 1, 0, time.UTC))
	assert.Less(t, a, b)
}
