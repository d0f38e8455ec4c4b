package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func terminalJob(id string, status job.Status) *job.Job {
	now := time.Now().UTC()
	j := &job.Job{
		ID:            id,
		Status:        status,
		CurrentModule: "analysis",
		State:         job.State{"question": "q", "answer": "a"},
		ExecutionChain: []job.HopEntry{
			{Module: "intent_validator", EnteredAt: now, ExitedAt: now, Outcome: "ok"},
		},
		SubmittedAt: now.Add(-time.Minute),
		UpdatedAt:   now,
		Version:     9,
	}
	if status == job.StatusFailed {
		j.Error = &job.JobError{Module: "analysis", Kind: job.KindTimeout, Message: "too slow"}
	}
	return j
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, terminalJob("j1", job.StatusCompleted)))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "q", got.State.String("question"))
	assert.Equal(t, 9, got.Version)
	assert.Len(t, got.ExecutionChain, 1)
}

func TestInsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := terminalJob("j1", job.StatusFailed)
	require.NoError(t, s.Insert(ctx, j))
	require.NoError(t, s.Insert(ctx, j))

	rows, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(job.KindTimeout), rows[0].ErrorKind)
}

func TestInsertRefusesLiveRecords(t *testing.T) {
	s := newTestStore(t)
	j := terminalJob("j1", job.StatusCompleted)
	j.Status = job.StatusRunning
	assert.Error(t, s.Insert(context.Background(), j))
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := terminalJob("old", job.StatusCompleted)
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Insert(ctx, older))
	require.NoError(t, s.Insert(ctx, terminalJob("new", job.StatusCompleted)))

	rows, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "new", rows[0].ID)
	assert.Equal(t, "old", rows[1].ID)

	rows, err = s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
