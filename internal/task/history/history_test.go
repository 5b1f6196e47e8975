package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestRecordAndList(t *testing.T) {
	repo, err := Open(MemoryPath)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	base := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Record(ctx, &RunRecord{
		TaskID: "t1", TaskName: "check inbox", Source: "manual", Status: "success",
		ExitCode: intPtr(0), StartedAt: base, FinishedAt: base.Add(time.Minute),
	}))
	require.NoError(t, repo.Record(ctx, &RunRecord{
		TaskID: "t1", Source: "schedule", Status: "blocked", BlockReason: "auth: sign-in required",
		StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Second),
	}))
	require.NoError(t, repo.Record(ctx, &RunRecord{
		TaskID: "t2", Status: "failed", ExitCode: intPtr(1), StderrTail: "boom",
		StartedAt: base, FinishedAt: base,
	}))

	runs, err := repo.ListForTask(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "blocked", runs[0].Status)
	assert.Nil(t, runs[0].ExitCode)
	assert.Equal(t, "auth: sign-in required", runs[0].BlockReason)
	assert.Equal(t, "success", runs[1].Status)
	require.NotNil(t, runs[1].ExitCode)
	assert.Equal(t, 0, *runs[1].ExitCode)
	assert.Equal(t, time.Minute, runs[1].Duration())
	assert.NotEmpty(t, runs[1].ID)

	limited, err := repo.ListForTask(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := repo.DeleteForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	runs, err = repo.ListForTask(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOpenFileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	repo, err := Open(path)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, repo.Record(context.Background(), &RunRecord{
		TaskID: "t1", Status: "failed", ExitCode: intPtr(2), StartedAt: now, FinishedAt: now,
	}))
	require.NoError(t, repo.Close())

	repo, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	runs, err := repo.ListForTask(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, *runs[0].ExitCode)
}
