package worker_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/internal/testutil"
	"github.com/askdata/conductor/job"
	"github.com/askdata/conductor/pipeline"
)

func TestHappyPathAutoConfirm(t *testing.T) {
	h := testutil.NewHarness(t)
	h.StartModules("all")

	j := h.Submit(job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
		graph.KeyAutoConfirm: true,
	})
	final := h.WaitTerminal(j.ID, 5*time.Second)

	assert.Equal(t, job.StatusCompleted, final.Status)
	require.Len(t, final.ExecutionChain, 6)

	var modules []string
	for _, hop := range final.ExecutionChain {
		modules = append(modules, hop.Module)
		assert.Equal(t, "ok", hop.Outcome)
	}
	assert.Equal(t, []string{
		graph.ModuleIntentValidator,
		graph.ModulePlanBuilder,
		graph.ModulePlanConfirm,
		graph.ModuleSQLGenerator,
		graph.ModuleSQLExecutor,
		graph.ModuleAnalysis,
	}, modules)

	assert.Contains(t, final.State.String(pipeline.KeyAnswer), "42")
	assert.Nil(t, final.Error)
}

func TestInvalidIntentShortCircuits(t *testing.T) {
	h := testutil.NewHarness(t)
	h.StartModules("all")

	j := h.Submit(job.State{
		pipeline.KeyQuestion: "Qual a receita de bolo?",
		graph.KeyAutoConfirm: true,
	})
	final := h.WaitTerminal(j.ID, 5*time.Second)

	assert.Equal(t, job.StatusCompleted, final.Status)
	require.Len(t, final.ExecutionChain, 2)
	assert.Equal(t, graph.ModuleIntentValidator, final.ExecutionChain[0].Module)
	assert.Equal(t, graph.ModuleErrorResponder, final.ExecutionChain[1].Module)
	assert.Contains(t, final.State.String(pipeline.KeyAnswer), "can't answer")
}

func TestPlanRejectionViaHumanInput(t *testing.T) {
	h := testutil.NewHarness(t)
	h.StartModules("all")

	j := h.Submit(job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
	})
	waiting := h.WaitStatus(j.ID, job.StatusWaiting, 5*time.Second)
	require.NotNil(t, waiting.WaitingFor)
	assert.Equal(t, graph.InputPlanConfirmation, waiting.WaitingFor.InputType)
	assert.Equal(t, graph.ModulePlanConfirm, waiting.CurrentModule)
	// Parking appends no hop for the parked module
	assert.Len(t, waiting.ExecutionChain, 2)

	h.SendInput(j.ID, graph.InputPlanConfirmation, false)
	final := h.WaitTerminal(j.ID, 5*time.Second)

	assert.Equal(t, job.StatusCompleted, final.Status)
	require.Len(t, final.ExecutionChain, 4)
	assert.Equal(t, graph.ModulePlanConfirm+":resume", final.ExecutionChain[2].Module)
	assert.Equal(t, "resume", final.ExecutionChain[2].Outcome)
	assert.Equal(t, graph.ModuleErrorResponder, final.ExecutionChain[3].Module)

	accepted, ok := final.State.Bool(pipeline.KeyPlanAccepted)
	assert.True(t, ok)
	assert.False(t, accepted)
}

func TestPlanAcceptanceAndFeedback(t *testing.T) {
	h := testutil.NewHarness(t)
	h.StartModules("all")

	j := h.Submit(job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
	})

	h.WaitStatus(j.ID, job.StatusWaiting, 5*time.Second)
	h.SendInput(j.ID, graph.InputPlanConfirmation, true)

	// The pipeline runs to the feedback gate and parks again
	deadline := time.Now().Add(5 * time.Second)
	var parked *job.Job
	for time.Now().Before(deadline) {
		cur, err := h.Store.Load(h.Context(), j.ID)
		if err == nil && cur.Status == job.StatusWaiting && cur.CurrentModule == graph.ModuleFeedbackGate {
			parked = cur
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, parked, "job never parked at the feedback gate")
	assert.Equal(t, graph.InputFeedback, parked.WaitingFor.InputType)

	h.SendInput(j.ID, graph.InputFeedback, "helpful, thanks")
	final := h.WaitTerminal(j.ID, 5*time.Second)

	assert.Equal(t, job.StatusCompleted, final.Status)
	require.Len(t, final.ExecutionChain, 7)
	assert.Equal(t, graph.ModuleFeedbackGate+":resume", final.ExecutionChain[6].Module)
	assert.Equal(t, "helpful, thanks", final.State.String(graph.InputFeedback))
}

func TestInputTimeoutFailsWaitingJob(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Options.WaitingTTL = 150 * time.Millisecond
	h.StartModules("all")

	j := h.Submit(job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
	})
	final := h.WaitTerminal(j.ID, 5*time.Second)

	assert.Equal(t, job.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, job.KindInputTimeout, final.Error.Kind)
	assert.Equal(t, graph.ModulePlanConfirm, final.Error.Module)
}

func TestTransientFailurePromotedToPermanent(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Model.ValidateErr = errors.New("model overloaded")
	h.StartModules(graph.ModuleIntentValidator)

	j := h.Submit(job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
	})
	final := h.WaitTerminal(j.ID, 10*time.Second)

	assert.Equal(t, job.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, job.KindPermanent, final.Error.Kind)
	assert.Contains(t, final.Error.Message, "transient attempts")
	assert.Empty(t, final.ExecutionChain, "failed hops append nothing")
}

func TestCancellationCheckpoint(t *testing.T) {
	h := testutil.NewHarness(t)

	j, err := h.Store.Create(h.Context(), h.Graph.First(), job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
		graph.KeyAutoConfirm: true,
	})
	require.NoError(t, err)
	_, err = h.Store.RequestCancel(h.Context(), j.ID)
	require.NoError(t, err)

	h.StartModules("all")
	require.NoError(t, h.Gateway.Push(h.Context(),
		broker.QueueName(h.Graph.First()), job.EncodeQueuePayload(j.ID)))

	final := h.WaitTerminal(j.ID, 5*time.Second)
	assert.Equal(t, job.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, job.KindCancelled, final.Error.Kind)
	assert.Empty(t, final.ExecutionChain)
}

func TestStaleDeliveryOnEarlierQueueIsDropped(t *testing.T) {
	h := testutil.NewHarness(t)
	h.StartModules("all")

	j := h.Submit(job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
	})
	waiting := h.WaitStatus(j.ID, job.StatusWaiting, 5*time.Second)
	require.Len(t, waiting.ExecutionChain, 2)

	// Replay the original first-hop delivery while the job is parked; only
	// the current module may run a hop
	require.NoError(t, h.Gateway.Push(h.Context(),
		broker.QueueName(h.Graph.First()), job.EncodeQueuePayload(j.ID)))
	time.Sleep(200 * time.Millisecond)

	after, err := h.Store.Load(h.Context(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, after.Status)
	assert.Equal(t, graph.ModulePlanConfirm, after.CurrentModule)
	require.NotNil(t, after.WaitingFor)
	assert.Len(t, after.ExecutionChain, 2, "stale delivery must not append hops")

	// The parked job still resumes normally afterwards
	h.SendInput(j.ID, graph.InputPlanConfirmation, false)
	final := h.WaitTerminal(j.ID, 5*time.Second)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Len(t, final.ExecutionChain, 4)

	_, err = h.Gateway.Get(h.Context(), broker.ResumeKey(j.ID, graph.InputPlanConfirmation))
	assert.True(t, errors.IsNotFound(err), "resume key is consumed with the resume")
}

func TestDuplicateDeliveryAfterCompletionIsDropped(t *testing.T) {
	h := testutil.NewHarness(t)
	h.StartModules("all")

	j := h.Submit(job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
		graph.KeyAutoConfirm: true,
	})
	final := h.WaitTerminal(j.ID, 5*time.Second)
	require.Equal(t, job.StatusCompleted, final.Status)

	// Replay the original delivery; at-least-once makes this legal
	require.NoError(t, h.Gateway.Push(h.Context(),
		broker.QueueName(h.Graph.First()), job.EncodeQueuePayload(j.ID)))
	time.Sleep(200 * time.Millisecond)

	after, err := h.Store.Load(h.Context(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Version, after.Version, "terminal job must not be touched")
	assert.Len(t, after.ExecutionChain, len(final.ExecutionChain))
}

func TestEventStreamShape(t *testing.T) {
	h := testutil.NewHarness(t)
	h.StartModules("all")

	j, err := h.Store.Create(h.Context(), h.Graph.First(), job.State{
		pipeline.KeyQuestion: "Quantos pedidos temos hoje?",
		graph.KeyAutoConfirm: true,
	})
	require.NoError(t, err)

	sub, err := h.Gateway.Subscribe(h.Context(), broker.EventsChannel(j.ID))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, h.Gateway.Push(h.Context(),
		broker.QueueName(h.Graph.First()), job.EncodeQueuePayload(j.ID)))

	var kinds []string
	var chainLength int
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case raw := <-sub.Channel():
			var ev struct {
				Kind                 string `json:"kind"`
				ExecutionChainLength int    `json:"execution_chain_length"`
			}
			require.NoError(t, json.Unmarshal(raw, &ev))
			kinds = append(kinds, ev.Kind)
			if ev.Kind == "job_completed" {
				chainLength = ev.ExecutionChainLength
				done = true
			}
		case <-deadline:
			t.Fatalf("never saw job_completed, kinds so far: %v", kinds)
		}
	}

	assert.Contains(t, kinds, "module_update")
	assert.Equal(t, "job_completed", kinds[len(kinds)-1])
	assert.Equal(t, 6, chainLength)
}
