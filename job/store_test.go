package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/errors"
)

func newTestStore(t *testing.T, retention time.Duration) (*Store, *broker.MemoryGateway) {
	t.Helper()
	gw := broker.NewMemoryGateway()
	t.Cleanup(func() { gw.Close() })
	return NewStore(gw, retention, zap.NewNop().Sugar()), gw
}

func TestCreateAndLoad(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	j, err := store.Create(ctx, "intent_validator", State{"question": "q"})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, "intent_validator", j.CurrentModule)
	assert.Equal(t, 0, j.Version)

	loaded, err := store.Load(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, loaded.ID)
	assert.Equal(t, "q", loaded.State.String("question"))
}

func TestLoadMissingJob(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	_, err := store.Load(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestUpdateBumpsVersion(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	j, err := store.Create(ctx, "intent_validator", State{})
	require.NoError(t, err)

	updated, err := store.Update(ctx, j.ID, func(rec *Job) error {
		rec.MarkRunning("intent_validator")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)
	assert.Equal(t, StatusRunning, updated.Status)
}

func TestUpdateRetriesLostRace(t *testing.T) {
	store, gw := newTestStore(t, time.Hour)
	ctx := context.Background()

	j, err := store.Create(ctx, "intent_validator", State{})
	require.NoError(t, err)

	// The mutator runs between the load and the compare-and-set; sneaking a
	// concurrent write in on the first pass forces exactly one retry.
	calls := 0
	updated, err := store.Update(ctx, j.ID, func(rec *Job) error {
		calls++
		if calls == 1 {
			other, loadErr := store.Load(ctx, j.ID)
			require.NoError(t, loadErr)
			other.Version++
			raw, _ := json.Marshal(other)
			require.NoError(t, gw.Set(ctx, broker.JobKey(j.ID), raw, 0))
		}
		rec.MarkRunning("intent_validator")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StatusRunning, updated.Status)
}

func TestUpdateConflictAfterRetries(t *testing.T) {
	store, gw := newTestStore(t, time.Hour)
	ctx := context.Background()

	j, err := store.Create(ctx, "intent_validator", State{})
	require.NoError(t, err)

	// Every attempt loses the race
	_, err = store.Update(ctx, j.ID, func(rec *Job) error {
		other, loadErr := store.Load(ctx, j.ID)
		require.NoError(t, loadErr)
		other.Version++
		raw, _ := json.Marshal(other)
		require.NoError(t, gw.Set(ctx, broker.JobKey(j.ID), raw, 0))
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestTerminalRecordGetsRetentionTTL(t *testing.T) {
	store, _ := newTestStore(t, 30*time.Millisecond)
	ctx := context.Background()

	j, err := store.Create(ctx, "intent_validator", State{})
	require.NoError(t, err)

	_, err = store.MarkFailed(ctx, j.ID, "intent_validator", KindPermanent, "boom")
	require.NoError(t, err)

	_, err = store.Load(ctx, j.ID)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = store.Load(ctx, j.ID)
	assert.True(t, errors.IsNotFound(err), "terminal record should expire after retention")
}

func TestMarkFailedIsTerminalNoOp(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	j, err := store.Create(ctx, "intent_validator", State{})
	require.NoError(t, err)

	_, err = store.Update(ctx, j.ID, func(rec *Job) error {
		rec.MarkCompleted()
		return nil
	})
	require.NoError(t, err)

	got, err := store.MarkFailed(ctx, j.ID, "analysis", KindTimeout, "late failure")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.Error)
}

func TestMarkResumedRequiresWaiting(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	j, err := store.Create(ctx, "plan_confirm", State{})
	require.NoError(t, err)

	_, err = store.MarkResumed(ctx, j.ID, "plan_confirmation", true, time.Now().UTC())
	assert.Error(t, err)

	_, err = store.MarkWaiting(ctx, j.ID, "plan_confirmation")
	require.NoError(t, err)

	resumed, err := store.MarkResumed(ctx, j.ID, "plan_confirmation", true, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resumed.Status)
	require.Len(t, resumed.ExecutionChain, 1)
	assert.Equal(t, "plan_confirm:resume", resumed.ExecutionChain[0].Module)
}

func TestRequestCancel(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	j, err := store.Create(ctx, "intent_validator", State{})
	require.NoError(t, err)

	got, err := store.RequestCancel(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
}
