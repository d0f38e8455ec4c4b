package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/event"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
)

// ArchiveSink receives terminal job records before their broker TTL expires.
// Inserts must be idempotent: the janitor revisits terminal records on every
// sweep until they expire.
type ArchiveSink interface {
	Insert(ctx context.Context, j *job.Job) error
}

// JanitorOptions configures the recovery sweep
type JanitorOptions struct {
	Interval       time.Duration
	ModuleDeadline time.Duration
	WaitingTTL     time.Duration
}

// Janitor walks the job keyspace and repairs what crashed workers left
// behind: stale running records are re-enqueued, zombie waiting records are
// failed or resumed, and terminal records are archived before they expire.
//
// Safe to run alongside live workers and in several processes at once; every
// repair goes through the store's versioned writes, so concurrent sweeps
// collapse to one effective repair.
type Janitor struct {
	gw      broker.Gateway
	store   *job.Store
	graph   *graph.Registry
	emitter *event.Emitter
	archive ArchiveSink
	opts    JanitorOptions
	logger  *zap.SugaredLogger
}

// NewJanitor creates a janitor. archive may be nil to skip archiving.
func NewJanitor(gw broker.Gateway, store *job.Store, reg *graph.Registry, emitter *event.Emitter, archive ArchiveSink, opts JanitorOptions, logger *zap.SugaredLogger) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Janitor{
		gw:      gw,
		store:   store,
		graph:   reg,
		emitter: emitter,
		archive: archive,
		opts:    opts,
		logger:  logger.Named("janitor"),
	}
}

// Run sweeps once immediately, then on every interval tick until ctx ends
func (jn *Janitor) Run(ctx context.Context) {
	jn.Sweep(ctx)
	ticker := time.NewTicker(jn.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jn.Sweep(ctx)
		}
	}
}

// Sweep examines every job record once
func (jn *Janitor) Sweep(ctx context.Context) {
	keys, err := jn.gw.ScanKeys(ctx, broker.JobKeyPrefix+"*")
	if err != nil {
		jn.logger.Warnw("Sweep scan failed", "error", err)
		return
	}

	var recovered, resumed, expired, archived int
	for _, key := range keys {
		jobID := broker.JobIDFromKey(key)
		if jobID == "" {
			continue
		}
		j, err := jn.store.Load(ctx, jobID)
		if err != nil {
			if !errors.IsNotFound(err) {
				jn.logger.Warnw("Sweep load failed", "job_id", jobID, "error", err)
			}
			continue
		}

		switch {
		case j.IsTerminal():
			if jn.archiveRecord(ctx, j) {
				archived++
			}
		case j.Status == job.StatusRunning:
			if jn.recoverStale(ctx, j) {
				recovered++
			}
		case j.Status == job.StatusWaiting:
			switch jn.repairWaiting(ctx, j) {
			case waitingResumed:
				resumed++
			case waitingExpired:
				expired++
			}
		}
	}

	if recovered+resumed+expired > 0 {
		jn.logger.Infow("Sweep repaired jobs",
			"recovered", recovered,
			"resumed", resumed,
			"input_timeouts", expired,
			"archived", archived,
			"scanned", len(keys),
		)
	}
}

// recoverStale re-enqueues a running record nothing has touched for twice
// the module deadline. A crashed worker leaves exactly this shape behind,
// whether it died mid-handler or between persisting the handoff and pushing.
func (jn *Janitor) recoverStale(ctx context.Context, j *job.Job) bool {
	staleAfter := 2 * jn.opts.ModuleDeadline
	if time.Since(j.UpdatedAt) < staleAfter {
		return false
	}

	updated, err := jn.store.Update(ctx, j.ID, func(rec *job.Job) error {
		if rec.Status != job.StatusRunning || time.Since(rec.UpdatedAt) < staleAfter {
			return errHopSkipped // someone got here first
		}
		rec.MarkQueued()
		return nil
	})
	if err != nil {
		if !errors.Is(err, errHopSkipped) {
			jn.logger.Warnw("Failed to recover stale job", "job_id", j.ID, "error", err)
		}
		return false
	}

	if err := jn.gw.Push(ctx, broker.QueueName(updated.CurrentModule), job.EncodeQueuePayload(j.ID)); err != nil {
		// Record is queued with no delivery; the next sweep will not match
		// it as running, but a worker restart or manual re-push recovers it.
		jn.logger.Errorw("Failed to re-enqueue recovered job",
			"job_id", j.ID, "module", updated.CurrentModule, "error", err)
		return false
	}

	jn.emitter.Emit(ctx, event.Event{
		JobID:   j.ID,
		Kind:    event.KindStatusUpdate,
		Module:  updated.CurrentModule,
		Status:  string(job.StatusQueued),
		Message: "recovered after worker crash",
	})
	jn.logger.Infow("Recovered stale running job",
		"job_id", j.ID, "module", updated.CurrentModule)
	return true
}

type waitingRepair int

const (
	waitingUntouched waitingRepair = iota
	waitingResumed
	waitingExpired
)

// repairWaiting handles parked records with no live worker attached. A reply
// sitting in the resume key wakes the job; a wait past the TTL fails it.
func (jn *Janitor) repairWaiting(ctx context.Context, j *job.Job) waitingRepair {
	if j.WaitingFor == nil {
		// Waiting without a marker is corrupt; fail it rather than leak it
		jn.failWaiting(ctx, j, "waiting record has no waiting_for marker")
		return waitingExpired
	}
	inputType := j.WaitingFor.InputType

	raw, err := jn.gw.Get(ctx, broker.ResumeKey(j.ID, inputType))
	if err == nil {
		return jn.resumeOrphaned(ctx, j, inputType, raw)
	}
	if !errors.IsNotFound(err) {
		jn.logger.Debugw("Resume key check failed", "job_id", j.ID, "error", err)
		return waitingUntouched
	}

	if time.Since(j.WaitingFor.Since) > jn.opts.WaitingTTL {
		jn.failWaiting(ctx, j, "no "+inputType+" received within "+jn.opts.WaitingTTL.String())
		return waitingExpired
	}
	return waitingUntouched
}

// resumeOrphaned wakes a parked job whose worker died before the reply came.
// The janitor merges the input, resolves the next edge, and re-enqueues, all
// in one versioned write; the resume key is cleared only after that commits.
func (jn *Janitor) resumeOrphaned(ctx context.Context, j *job.Job, inputType string, raw []byte) waitingRepair {
	reply, err := job.DecodeInputReply(raw)
	if err != nil || reply.Type != inputType {
		jn.logger.Warnw("Clearing unusable resume reply", "job_id", j.ID, "error", err)
		_ = jn.gw.Delete(ctx, broker.ResumeKey(j.ID, inputType))
		return waitingUntouched
	}

	var next, module string
	updated, err := jn.store.Update(ctx, j.ID, func(rec *job.Job) error {
		if rec.Status != job.StatusWaiting || rec.WaitingFor == nil || rec.WaitingFor.InputType != inputType {
			return errHopSkipped
		}
		module = rec.CurrentModule
		since := rec.WaitingFor.Since
		rec.MarkResumed(inputType, reply.Value, since)
		n, nerr := jn.graph.Next(module, rec.State)
		if nerr != nil {
			return nerr
		}
		next = n
		if n == graph.END {
			rec.MarkCompleted()
		} else {
			rec.CurrentModule = n
			rec.MarkQueued()
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errHopSkipped):
		case errors.Is(err, errors.ErrUnroutableState):
			jn.failWaiting(ctx, j, err.Error())
			_ = jn.gw.Delete(ctx, broker.ResumeKey(j.ID, inputType))
			return waitingExpired
		default:
			jn.logger.Warnw("Orphaned resume rejected", "job_id", j.ID, "error", err)
		}
		return waitingUntouched
	}

	if err := jn.gw.Delete(ctx, broker.ResumeKey(j.ID, inputType)); err != nil {
		jn.logger.Debugw("Failed to clear resume key", "job_id", j.ID, "error", err)
	}

	if next == graph.END {
		jn.emitter.Emit(ctx, event.Event{
			JobID:                j.ID,
			Kind:                 event.KindJobCompleted,
			Module:               module,
			Status:               string(job.StatusCompleted),
			ExecutionChainLength: len(updated.ExecutionChain),
		})
		return waitingResumed
	}

	if err := jn.gw.Push(ctx, broker.QueueName(next), job.EncodeQueuePayload(j.ID)); err != nil {
		jn.logger.Errorw("Failed to enqueue resumed job", "job_id", j.ID, "next", next, "error", err)
		return waitingUntouched
	}
	jn.logger.Infow("Resumed orphaned waiting job", "job_id", j.ID, "next", next)
	return waitingResumed
}

// failWaiting ends a zombie waiting job with InputTimeout
func (jn *Janitor) failWaiting(ctx context.Context, j *job.Job, message string) {
	_, err := jn.store.MarkFailed(ctx, j.ID, j.CurrentModule, job.KindInputTimeout, message)
	if err != nil {
		jn.logger.Warnw("Failed to expire waiting job", "job_id", j.ID, "error", err)
		return
	}
	jn.emitter.Emit(ctx, event.Event{
		JobID:   j.ID,
		Kind:    event.KindError,
		Module:  j.CurrentModule,
		Status:  string(job.StatusFailed),
		Message: string(job.KindInputTimeout) + ": " + message,
	})
	jn.logger.Infow("Expired zombie waiting job", "job_id", j.ID, "module", j.CurrentModule)
}

// archiveRecord copies a terminal record into the archive sink
func (jn *Janitor) archiveRecord(ctx context.Context, j *job.Job) bool {
	if jn.archive == nil {
		return false
	}
	if err := jn.archive.Insert(ctx, j); err != nil {
		jn.logger.Warnw("Failed to archive job", "job_id", j.ID, "error", err)
		return false
	}
	return true
}

// Stats summarizes queue depths for the inspection surfaces
type Stats struct {
	Queues map[string]int64 `json:"queues"`
}

// QueueStats reads the current depth of every module queue
func QueueStats(ctx context.Context, gw broker.Gateway, reg *graph.Registry) (Stats, error) {
	st := Stats{Queues: make(map[string]int64)}
	for _, name := range reg.Names() {
		n, err := gw.ListLen(ctx, broker.QueueName(name))
		if err != nil {
			return Stats{}, errors.Wrapf(err, "failed to read queue depth for %s", name)
		}
		st.Queues[name] = n
	}
	return st, nil
}

// MarshalStats renders queue stats as JSON for the CLI
func MarshalStats(st Stats) []byte {
	b, _ := json.MarshalIndent(st, "", "  ")
	return b
}
