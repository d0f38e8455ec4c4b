package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/internal/testutil"
	"github.com/askdata/conductor/job"
	"github.com/askdata/conductor/pipeline"
	"github.com/askdata/conductor/worker"
)

// writeRecord plants a job record with full control over its timestamps,
// bypassing the store's own clock
func writeRecord(t *testing.T, h *testutil.Harness, j *job.Job) {
	t.Helper()
	raw, err := json.Marshal(j)
	require.NoError(t, err)
	require.NoError(t, h.Gateway.Set(context.Background(), broker.JobKey(j.ID), raw, 0))
}

func newJanitor(h *testutil.Harness, sink worker.ArchiveSink) *worker.Janitor {
	return worker.NewJanitor(h.Gateway, h.Store, h.Graph, h.Emitter, sink, worker.JanitorOptions{
		Interval:       time.Hour, // tests call Sweep directly
		ModuleDeadline: 50 * time.Millisecond,
		WaitingTTL:     100 * time.Millisecond,
	}, testutil.Logger(h.T))
}

func TestJanitorRecoversStaleRunningJob(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Minute)
	writeRecord(t, h, &job.Job{
		ID:            "stale-1",
		Status:        job.StatusRunning,
		CurrentModule: graph.ModulePlanBuilder,
		State:         job.State{pipeline.KeyQuestion: "q"},
		SubmittedAt:   stale,
		UpdatedAt:     stale,
	})

	newJanitor(h, nil).Sweep(ctx)

	recovered, err := h.Store.Load(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, recovered.Status)

	// Re-enqueued on the module it was running at
	n, err := h.Gateway.ListLen(ctx, broker.QueueName(graph.ModulePlanBuilder))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCrashRecoveryRunsModuleOnce(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	// Shape left by a worker that died mid sql_executor hop: ownership is on
	// sql_executor, the hop is not in the chain, and the record is stale
	stale := time.Now().UTC().Add(-time.Minute)
	entered := stale.Add(-time.Second)
	chain := make([]job.HopEntry, 0, 4)
	for _, m := range []string{
		graph.ModuleIntentValidator,
		graph.ModulePlanBuilder,
		graph.ModulePlanConfirm,
		graph.ModuleSQLGenerator,
	} {
		chain = append(chain, job.HopEntry{Module: m, EnteredAt: entered, ExitedAt: stale, Outcome: "ok"})
	}
	writeRecord(t, h, &job.Job{
		ID:            "crash-1",
		Status:        job.StatusRunning,
		CurrentModule: graph.ModuleSQLExecutor,
		State: job.State{
			pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
			graph.KeyPlan:        "count today's orders",
			graph.KeyConfirmed:   true,
			graph.KeyAutoConfirm: true,
			pipeline.KeySQL:      "SELECT COUNT(*) AS total FROM orders",
		},
		ExecutionChain: chain,
		SubmittedAt:    stale,
		UpdatedAt:      stale,
	})

	h.StartModules("all")
	newJanitor(h, nil).Sweep(ctx)

	final := h.WaitTerminal("crash-1", 5*time.Second)
	assert.Equal(t, job.StatusCompleted, final.Status)
	require.Len(t, final.ExecutionChain, 6)

	var executorHops int
	for _, hop := range final.ExecutionChain {
		if hop.Module == graph.ModuleSQLExecutor {
			executorHops++
		}
	}
	assert.Equal(t, 1, executorHops, "recovery must not duplicate the interrupted hop")
}

func TestJanitorLeavesFreshRunningJobAlone(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	writeRecord(t, h, &job.Job{
		ID:            "fresh-1",
		Status:        job.StatusRunning,
		CurrentModule: graph.ModuleAnalysis,
		SubmittedAt:   now,
		UpdatedAt:     now,
	})

	newJanitor(h, nil).Sweep(ctx)

	j, err := h.Store.Load(ctx, "fresh-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)

	n, err := h.Gateway.ListLen(ctx, broker.QueueName(graph.ModuleAnalysis))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJanitorExpiresZombieWaitingJob(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Minute)
	writeRecord(t, h, &job.Job{
		ID:            "zombie-1",
		Status:        job.StatusWaiting,
		CurrentModule: graph.ModulePlanConfirm,
		WaitingFor:    &job.WaitingFor{InputType: graph.InputPlanConfirmation, Since: old},
		SubmittedAt:   old,
		UpdatedAt:     old,
	})

	newJanitor(h, nil).Sweep(ctx)

	j, err := h.Store.Load(ctx, "zombie-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindInputTimeout, j.Error.Kind)
}

func TestJanitorResumesOrphanedWaitingJob(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	// Parked at plan_confirm with a reply already sitting in the resume key:
	// the waiting worker died before consuming it
	since := time.Now().UTC()
	writeRecord(t, h, &job.Job{
		ID:            "orphan-1",
		Status:        job.StatusWaiting,
		CurrentModule: graph.ModulePlanConfirm,
		State:         job.State{pipeline.KeyQuestion: "q", graph.KeyPlan: "p"},
		WaitingFor:    &job.WaitingFor{InputType: graph.InputPlanConfirmation, Since: since},
		SubmittedAt:   since,
		UpdatedAt:     since,
	})
	require.NoError(t, h.Gateway.Set(ctx,
		broker.ResumeKey("orphan-1", graph.InputPlanConfirmation),
		job.EncodeInputReply(graph.InputPlanConfirmation, true), 0))

	newJanitor(h, nil).Sweep(ctx)

	j, err := h.Store.Load(ctx, "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.Equal(t, graph.ModuleSQLGenerator, j.CurrentModule)

	n, err := h.Gateway.ListLen(ctx, broker.QueueName(graph.ModuleSQLGenerator))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The reply was consumed
	_, err = h.Gateway.Get(ctx, broker.ResumeKey("orphan-1", graph.InputPlanConfirmation))
	assert.Error(t, err)
}

// memorySink collects archived records for assertions
type memorySink struct {
	mu   sync.Mutex
	jobs map[string]int
}

func (s *memorySink) Insert(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs = make(map[string]int)
	}
	s.jobs[j.ID]++
	return nil
}

func TestJanitorArchivesTerminalRecords(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	writeRecord(t, h, &job.Job{
		ID:            "done-1",
		Status:        job.StatusCompleted,
		CurrentModule: graph.ModuleAnalysis,
		SubmittedAt:   now,
		UpdatedAt:     now,
	})

	sink := &memorySink{}
	jn := newJanitor(h, sink)
	jn.Sweep(ctx)
	jn.Sweep(ctx) // idempotent on repeat sweeps

	assert.Equal(t, 2, sink.jobs["done-1"], "insert is called per sweep; the sink deduplicates")

	// The record itself stays in the broker until its TTL expires
	j, err := h.Store.Load(ctx, "done-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
}

func TestQueueStats(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	require.NoError(t, h.Gateway.Push(ctx, broker.QueueName(graph.ModuleAnalysis), []byte("a")))
	require.NoError(t, h.Gateway.Push(ctx, broker.QueueName(graph.ModuleAnalysis), []byte("b")))

	stats, err := worker.QueueStats(ctx, h.Gateway, h.Graph)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Queues[graph.ModuleAnalysis])
	assert.Equal(t, int64(0), stats.Queues[graph.ModuleIntentValidator])
	assert.Len(t, stats.Queues, 8)
}
