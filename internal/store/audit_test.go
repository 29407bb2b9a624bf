package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/domain"
)

func TestSQLiteAuditRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	audit, err := NewSQLiteAudit(path, nil)
	require.NoError(t, err)
	defer audit.Close()

	ctx := context.Background()
	runs := []domain.ProcessingRun{
		{ID: "run-1", FilePath: "input/a.csv", FileHash: "aa", Outcome: domain.RunSucceeded,
			VersionID: "v1", Attempts: 1, StartedAt: time.Now(), FinishedAt: time.Now()},
		{ID: "run-2", FilePath: "input/b.csv", FileHash: "bb", Outcome: domain.RunFailed,
			ErrorKind: "VALIDATION", ErrorDetail: "bad row", Attempts: 1,
			StartedAt: time.Now(), FinishedAt: time.Now()},
		{ID: "run-3", FilePath: "input/c.csv", FileHash: "cc", Outcome: domain.RunFailed,
			ErrorKind: "TRANSIENT_IO", ErrorDetail: "locked", Attempts: 4,
			StartedAt: time.Now(), FinishedAt: time.Now()},
	}
	for _, run := range runs {
		require.NoError(t, audit.Record(ctx, run))
	}

	succeeded, err := audit.RunsByOutcome(ctx, domain.RunSucceeded)
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)

	failed, err := audit.RunsByOutcome(ctx, domain.RunFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)
}

func TestSQLiteAuditDuplicateRunID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	audit, err := NewSQLiteAudit(path, nil)
	require.NoError(t, err)
	defer audit.Close()

	run := domain.ProcessingRun{ID: "run-1", FilePath: "input/a.csv", FileHash: "aa",
		Outcome: domain.RunSucceeded, Attempts: 1, StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, audit.Record(context.Background(), run))
	assert.Error(t, audit.Record(context.Background(), run))
}

func TestSQLiteAuditReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	audit, err := NewSQLiteAudit(path, nil)
	require.NoError(t, err)
	run := domain.ProcessingRun{ID: "run-1", FilePath: "input/a.csv", FileHash: "aa",
		Outcome: domain.RunSucceeded, Attempts: 1, StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, audit.Record(context.Background(), run))
	require.NoError(t, audit.Close())

	reopened, err := NewSQLiteAudit(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.RunsByOutcome(context.Background(), domain.RunSucceeded)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
