// Package worker runs the long-lived per-module consumers of the pipeline.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/event"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
)

// stopTimeout bounds how long Stop waits for in-flight hops to drain
const stopTimeout = 30 * time.Second

// Options configures a module runtime
type Options struct {
	Module               string
	Workers              int
	PopTimeout           time.Duration
	ModuleDeadline       time.Duration
	WaitingTTL           time.Duration
	MaxTransientAttempts int
}

// Runtime is the worker pool for one module: it pops the module's queue,
// executes the handler, merges the delta, resolves the next edge, persists,
// and enqueues. One job at a time per worker; concurrency comes from pop
// competition between workers.
type Runtime struct {
	gw      broker.Gateway
	store   *job.Store
	graph   *graph.Registry
	handler Handler
	emitter *event.Emitter
	opts    Options
	logger  *zap.SugaredLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRuntime creates a runtime for one module. The handler's name must
// match opts.Module and a registered graph node.
func NewRuntime(ctx context.Context, gw broker.Gateway, store *job.Store, reg *graph.Registry, handler Handler, emitter *event.Emitter, opts Options, logger *zap.SugaredLogger) (*Runtime, error) {
	if handler.Name() != opts.Module {
		return nil, errors.Newf("handler %s does not serve module %s", handler.Name(), opts.Module)
	}
	if !reg.Has(opts.Module) {
		return nil, errors.Newf("module %s is not a graph node", opts.Module)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &Runtime{
		gw:        gw,
		store:     store,
		graph:     reg,
		handler:   handler,
		emitter:   emitter,
		opts:      opts,
		logger:    logger.Named("worker").With("module", opts.Module),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
	}, nil
}

// Start launches the worker goroutines
func (r *Runtime) Start() {
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.logger.Infow("Module workers started", "workers", r.opts.Workers)
}

// Stop cancels the workers and waits for in-flight hops to drain, up to a
// bounded timeout so shutdown never hangs on a slow handler.
func (r *Runtime) Stop() {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Infow("Module workers stopped")
	case <-time.After(stopTimeout):
		r.logger.Warnw("Stop timeout, workers may still be draining", "timeout", stopTimeout)
	}
}

// worker is the main consume loop: pop, process, repeat
func (r *Runtime) worker(id int) {
	defer r.wg.Done()
	queue := broker.QueueName(r.opts.Module)

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		payload, err := r.gw.BlockingPop(r.ctx, queue, r.opts.PopTimeout)
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			r.logger.Warnw("Pop failed, backing off", "worker_id", id, "error", err)
			if err := broker.Retry(r.ctx, func() error {
				_, perr := r.gw.ListLen(r.ctx, queue)
				return perr
			}); err != nil {
				continue
			}
			continue
		}
		if payload == nil {
			continue // pop slice expired with an empty queue
		}

		jobID, err := job.DecodeQueuePayload(payload)
		if err != nil {
			r.logger.Warnw("Dropping malformed queue payload", "worker_id", id, "error", err)
			continue
		}
		r.processJob(jobID)
	}
}

// errHopSkipped aborts an Update mutator when the record turns out to be in
// a state the hop must not touch (terminal, already advanced).
var errHopSkipped = errors.New("hop skipped")

// processJob executes one hop for one job
func (r *Runtime) processJob(jobID string) {
	ctx := r.ctx
	log := r.logger.With("job_id", jobID)

	j, err := r.store.Load(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Debugw("Job record gone, dropping delivery")
			return
		}
		log.Errorw("Failed to load job", "error", err)
		return
	}
	if j.IsTerminal() {
		// Duplicate delivery after completion; at-least-once makes this normal
		log.Debugw("Dropping delivery for terminal job", "status", j.Status)
		return
	}
	if j.Status == job.StatusWaiting || j.CurrentModule != r.opts.Module {
		// Stale delivery: the job moved on (or is parked) since this
		// payload was queued. At-least-once makes these normal.
		log.Debugw("Dropping stale delivery",
			"status", j.Status, "current_module", j.CurrentModule)
		return
	}
	if j.CancelRequested {
		r.failJob(ctx, jobID, job.KindCancelled, "cancel requested before handler")
		return
	}

	enteredAt := time.Now().UTC()
	j, err = r.store.Update(ctx, jobID, func(rec *job.Job) error {
		if rec.IsTerminal() || rec.Status == job.StatusWaiting || rec.CurrentModule != r.opts.Module {
			return errHopSkipped
		}
		rec.MarkRunning(r.opts.Module)
		return nil
	})
	if err != nil {
		if errors.Is(err, errHopSkipped) {
			return
		}
		log.Errorw("Failed to claim job", "error", err)
		return
	}

	r.emitter.Emit(ctx, event.Event{
		JobID:   jobID,
		Kind:    event.KindModuleUpdate,
		Module:  r.opts.Module,
		Message: "started",
	})

	handlerCtx, cancel := context.WithTimeout(ctx, r.opts.ModuleDeadline)
	res, herr := r.handler.Execute(handlerCtx, Request{
		JobID:   jobID,
		Attempt: j.Attempt,
		State:   j.State.Clone(),
	})
	cancel()

	if herr != nil {
		r.handleHopError(ctx, j, herr, handlerCtx.Err())
		return
	}
	if err := validateDelta(r.handler, res.Delta); err != nil {
		r.failJob(ctx, jobID, job.KindPermanent, err.Error())
		return
	}

	if res.NeedsInput != nil {
		r.park(ctx, j, res, enteredAt)
		return
	}

	if j.CancelRequested {
		r.failJob(ctx, jobID, job.KindCancelled, "cancel requested before enqueue")
		return
	}

	// One Update covers merge, hop, and handoff: a crash can leave the hop
	// either fully absent (the handler re-runs) or fully recorded with
	// ownership already on the successor, never a half-written state that
	// replays this module.
	var next string
	j, err = r.store.Update(ctx, jobID, func(rec *job.Job) error {
		if rec.IsTerminal() || rec.CurrentModule != r.opts.Module {
			return errHopSkipped
		}
		rec.MergeDelta(res.Delta)
		rec.AppendHop(r.opts.Module, enteredAt)
		rec.Attempt = 0
		n, nerr := r.graph.Next(r.opts.Module, rec.State)
		if nerr != nil {
			return nerr
		}
		next = n
		if n == graph.END {
			rec.MarkCompleted()
		} else {
			rec.CurrentModule = n
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errHopSkipped):
		case errors.Is(err, errors.ErrUnroutableState):
			r.failJob(ctx, jobID, job.KindUnroutableState, err.Error())
		default:
			// ConflictAfterRetries: the parallel delivery won; this hop is a no-op
			log.Warnw("Hop persist failed", "error", err)
		}
		return
	}
	r.finishHop(ctx, j, next)
}

// handleHopError applies the retry policy for a failed handler invocation
func (r *Runtime) handleHopError(ctx context.Context, j *job.Job, herr, deadlineErr error) {
	log := r.logger.With("job_id", j.ID)

	switch {
	case errors.IsTransient(herr):
		if j.Attempt+1 >= r.opts.MaxTransientAttempts {
			r.failJob(ctx, j.ID, job.KindPermanent,
				errors.Wrapf(herr, "promoted after %d transient attempts", j.Attempt+1).Error())
			return
		}
		_, err := r.store.Update(ctx, j.ID, func(rec *job.Job) error {
			if rec.IsTerminal() || rec.CurrentModule != r.opts.Module {
				return errHopSkipped
			}
			rec.Attempt++
			rec.MarkQueued()
			return nil
		})
		if err != nil {
			if !errors.Is(err, errHopSkipped) {
				log.Errorw("Failed to persist retry", "error", err)
			}
			return
		}
		if err := broker.Retry(ctx, func() error {
			return r.gw.Push(ctx, broker.QueueName(r.opts.Module), job.EncodeQueuePayload(j.ID))
		}); err != nil {
			log.Errorw("Failed to requeue transient hop", "error", err)
			return
		}
		r.emitter.Emit(ctx, event.Event{
			JobID:   j.ID,
			Kind:    event.KindStatusUpdate,
			Module:  r.opts.Module,
			Status:  string(job.StatusQueued),
			Message: "retrying after transient failure",
		})

	case errors.Is(deadlineErr, context.DeadlineExceeded) || errors.Is(herr, errors.ErrTimeout):
		r.failJob(ctx, j.ID, job.KindTimeout,
			errors.Wrapf(herr, "handler exceeded %s deadline", r.opts.ModuleDeadline).Error())

	default:
		r.failJob(ctx, j.ID, job.KindPermanent, herr.Error())
	}
}

// finishHop announces a persisted hop: completion when the edge resolved to
// END, otherwise the push to the successor's queue. The record already
// carries the new owner, so a crash before the push is healed by the
// janitor re-enqueuing on current_module after 2x deadline.
func (r *Runtime) finishHop(ctx context.Context, j *job.Job, next string) {
	log := r.logger.With("job_id", j.ID)

	if next == graph.END {
		r.emitter.Emit(ctx, event.Event{
			JobID:                j.ID,
			Kind:                 event.KindJobCompleted,
			Module:               r.opts.Module,
			Status:               string(job.StatusCompleted),
			ExecutionChainLength: len(j.ExecutionChain),
		})
		log.Infow("Job completed", "hops", len(j.ExecutionChain))
		return
	}

	if err := broker.Retry(ctx, func() error {
		return r.gw.Push(ctx, broker.QueueName(next), job.EncodeQueuePayload(j.ID))
	}); err != nil {
		// Job stays running; the janitor re-enqueues it after 2x deadline
		log.Errorw("Push failed past backoff ceiling, leaving job for janitor",
			"next", next, "error", err)
		return
	}
	log.Debugw("Job forwarded", "next", next)
}

// failJob finishes the job with a single error event. Late failures against
// an already-terminal record are silent no-ops.
func (r *Runtime) failJob(ctx context.Context, jobID string, kind job.ErrorKind, message string) {
	var already bool
	_, err := r.store.Update(ctx, jobID, func(rec *job.Job) error {
		if rec.IsTerminal() {
			already = true
			return nil
		}
		rec.MarkFailed(r.opts.Module, kind, message)
		return nil
	})
	if err != nil {
		r.logger.Errorw("Failed to persist job failure", "job_id", jobID, "kind", kind, "error", err)
		return
	}
	if already {
		return
	}
	r.emitter.Emit(ctx, event.Event{
		JobID:   jobID,
		Kind:    event.KindError,
		Module:  r.opts.Module,
		Status:  string(job.StatusFailed),
		Message: string(kind) + ": " + message,
	})
	r.logger.Warnw("Job failed", "job_id", jobID, "kind", kind, "message", message)
}
