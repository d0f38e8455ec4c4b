// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/event"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
	"github.com/askdata/conductor/pipeline"
	"github.com/askdata/conductor/worker"
)

// Logger returns a test-scoped sugared logger
func Logger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// Harness wires a full in-memory orchestrator for tests: memory broker,
// store, emitter, pipeline graph, stub collaborators, and per-module
// runtimes started on demand.
type Harness struct {
	T        *testing.T
	Gateway  *broker.MemoryGateway
	Store    *job.Store
	Emitter  *event.Emitter
	Graph    *graph.Registry
	Handlers *worker.Registry
	Model    *pipeline.StubModel
	Wh       *pipeline.StubWarehouse
	Options  worker.Options

	runtimes []*worker.Runtime
	cancel   context.CancelFunc
	ctx      context.Context
}

// NewHarness builds the in-memory orchestrator. Timing options default to
// test-friendly values; adjust h.Options before StartModules when a test
// needs different deadlines.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	log := Logger(t)
	gw := broker.NewMemoryGateway()
	reg, err := graph.Pipeline()
	if err != nil {
		t.Fatalf("pipeline graph: %v", err)
	}

	model := &pipeline.StubModel{}
	wh := &pipeline.StubWarehouse{}
	handlers, err := pipeline.Handlers(model, wh)
	if err != nil {
		t.Fatalf("pipeline handlers: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{
		T:        t,
		Gateway:  gw,
		Store:    job.NewStore(gw, time.Hour, log),
		Emitter:  event.NewEmitter(gw, log),
		Graph:    reg,
		Handlers: handlers,
		Model:    model,
		Wh:       wh,
		Options: worker.Options{
			Workers:              1,
			PopTimeout:           50 * time.Millisecond,
			ModuleDeadline:       2 * time.Second,
			WaitingTTL:           2 * time.Second,
			MaxTransientAttempts: 3,
		},
		ctx:    ctx,
		cancel: cancel,
	}

	t.Cleanup(func() {
		h.Stop()
		gw.Close()
	})
	return h
}

// Context returns the harness lifetime context
func (h *Harness) Context() context.Context { return h.ctx }

// StartModules starts one runtime per named module ("all" starts every
// graph node).
func (h *Harness) StartModules(modules ...string) {
	h.T.Helper()
	if len(modules) == 1 && modules[0] == "all" {
		modules = h.Graph.Names()
	}
	for _, module := range modules {
		opts := h.Options
		opts.Module = module
		rt, err := worker.NewRuntime(h.ctx, h.Gateway, h.Store, h.Graph,
			h.Handlers.Get(module), h.Emitter, opts, Logger(h.T))
		if err != nil {
			h.T.Fatalf("runtime for %s: %v", module, err)
		}
		rt.Start()
		h.runtimes = append(h.runtimes, rt)
	}
}

// Stop halts all started runtimes
func (h *Harness) Stop() {
	h.cancel()
	for _, rt := range h.runtimes {
		rt.Stop()
	}
	h.runtimes = nil
}

// Submit creates a job with the given state and pushes it to the first
// module's queue
func (h *Harness) Submit(state job.State) *job.Job {
	h.T.Helper()
	j, err := h.Store.Create(h.ctx, h.Graph.First(), state)
	if err != nil {
		h.T.Fatalf("create job: %v", err)
	}
	if err := h.Gateway.Push(h.ctx, broker.QueueName(h.Graph.First()), job.EncodeQueuePayload(j.ID)); err != nil {
		h.T.Fatalf("push job: %v", err)
	}
	return j
}

// WaitTerminal polls until the job reaches completed or failed
func (h *Harness) WaitTerminal(jobID string, timeout time.Duration) *job.Job {
	h.T.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := h.Store.Load(h.ctx, jobID)
		if err == nil && j.IsTerminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	j, err := h.Store.Load(h.ctx, jobID)
	if err != nil {
		h.T.Fatalf("job %s never reached a terminal status: %v", jobID, err)
	}
	h.T.Fatalf("job %s never reached a terminal status (last: %s at %s)", jobID, j.Status, j.CurrentModule)
	return nil
}

// WaitStatus polls until the job reports the wanted status
func (h *Harness) WaitStatus(jobID string, want job.Status, timeout time.Duration) *job.Job {
	h.T.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := h.Store.Load(h.ctx, jobID)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.T.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

// SendInput delivers a human reply the way the front does: key write plus
// channel publish
func (h *Harness) SendInput(jobID, inputType string, value interface{}) {
	h.T.Helper()
	reply := job.EncodeInputReply(inputType, value)
	if err := h.Gateway.Set(h.ctx, broker.ResumeKey(jobID, inputType), reply, h.Options.WaitingTTL); err != nil {
		h.T.Fatalf("set resume key: %v", err)
	}
	if err := h.Gateway.Publish(h.ctx, broker.ResumeChannel(jobID), reply); err != nil {
		h.T.Fatalf("publish resume: %v", err)
	}
}
