package worker

import (
	"context"
	"time"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/event"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
)

// resumePollInterval is the fallback poll cadence for the resume key when
// the pub/sub notification is lost
const resumePollInterval = time.Second

// park persists the hop's delta, flips the job to waiting, announces the
// input request, and blocks the worker until a reply arrives or the waiting
// TTL expires. A parked module appends no hop entry; the resume path appends
// the single synthetic "<module>:resume" hop instead.
func (r *Runtime) park(ctx context.Context, j *job.Job, res Result, enteredAt time.Time) {
	log := r.logger.With("job_id", j.ID)

	node, err := r.graph.Node(r.opts.Module)
	if err != nil || node.InputType == "" {
		r.failJob(ctx, j.ID, job.KindPermanent,
			"module "+r.opts.Module+" requested input but is not an input node")
		return
	}
	inputType := res.NeedsInput.Type
	if inputType != node.InputType {
		r.failJob(ctx, j.ID, job.KindPermanent,
			"module "+r.opts.Module+" requested input type "+inputType+", declares "+node.InputType)
		return
	}

	_, err = r.store.Update(ctx, j.ID, func(rec *job.Job) error {
		if rec.IsTerminal() || rec.CurrentModule != r.opts.Module {
			return errHopSkipped
		}
		rec.MergeDelta(res.Delta)
		rec.MarkWaiting(inputType)
		return nil
	})
	if err != nil {
		if !errors.Is(err, errHopSkipped) {
			log.Errorw("Failed to park job", "error", err)
		}
		return
	}

	r.emitter.Emit(ctx, event.Event{
		JobID:         j.ID,
		Kind:          event.KindNeedInput,
		Module:        r.opts.Module,
		Type:          inputType,
		PromptPayload: res.NeedsInput.PromptPayload,
	})
	r.emitter.Emit(ctx, event.Event{
		JobID:  j.ID,
		Kind:   event.KindStatusUpdate,
		Module: r.opts.Module,
		Status: string(job.StatusWaiting),
	})
	log.Infow("Job parked for input", "input_type", inputType)

	r.waitForInput(ctx, j.ID, inputType, enteredAt)
}

// waitForInput blocks until the reply lands. It listens on the resume
// channel and polls the resume key; either delivery wakes it. Expiry of the
// waiting TTL fails the job with InputTimeout.
//
// Shutdown mid-wait leaves the record waiting: the front's reply still sets
// the resume key, and the janitor resumes the job from it.
func (r *Runtime) waitForInput(ctx context.Context, jobID, inputType string, enteredAt time.Time) {
	log := r.logger.With("job_id", jobID)
	key := broker.ResumeKey(jobID, inputType)

	sub, err := r.gw.Subscribe(ctx, broker.ResumeChannel(jobID))
	if err != nil {
		// Key polling still covers the wait
		log.Warnw("Resume subscription failed, polling only", "error", err)
	} else {
		defer sub.Close()
	}
	var subCh <-chan []byte
	if sub != nil {
		subCh = sub.Channel()
	}

	expiry := time.NewTimer(r.opts.WaitingTTL)
	defer expiry.Stop()
	poll := time.NewTicker(resumePollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-expiry.C:
			r.failJob(ctx, jobID, job.KindInputTimeout,
				"no "+inputType+" received within "+r.opts.WaitingTTL.String())
			return

		case raw, open := <-subCh:
			if !open {
				subCh = nil // polling carries on
				continue
			}
			if r.tryResume(ctx, jobID, inputType, raw, enteredAt) {
				return
			}

		case <-poll.C:
			raw, err := r.gw.Get(ctx, key)
			if err != nil {
				if !errors.IsNotFound(err) {
					log.Debugw("Resume key poll failed", "error", err)
				}
				continue
			}
			if r.tryResume(ctx, jobID, inputType, raw, enteredAt) {
				return
			}
		}
	}
}

// tryResume consumes one candidate reply. Returns true when the job was
// woken (or is beyond waking); false keeps the wait alive.
//
// The resume key is cleared only after the resume persists: a crash before
// that point leaves the reply in place for the janitor.
func (r *Runtime) tryResume(ctx context.Context, jobID, inputType string, raw []byte, enteredAt time.Time) bool {
	log := r.logger.With("job_id", jobID)

	reply, err := job.DecodeInputReply(raw)
	if err != nil {
		log.Warnw("Dropping malformed input reply", "error", err)
		return false
	}
	if reply.Type != inputType {
		log.Warnw("Dropping reply of wrong type", "got", reply.Type, "want", inputType)
		return false
	}

	var next string
	j, err := r.store.Update(ctx, jobID, func(rec *job.Job) error {
		if rec.Status != job.StatusWaiting || rec.WaitingFor == nil || rec.WaitingFor.InputType != inputType {
			return errHopSkipped
		}
		rec.MarkResumed(inputType, reply.Value, enteredAt)
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
			// Not waiting anymore (janitor beat us, or the job timed out);
			// nothing left for this worker to do
			log.Warnw("Resume rejected, job no longer waiting")
			return true
		case errors.Is(err, errors.ErrUnroutableState):
			r.failJob(ctx, jobID, job.KindUnroutableState, err.Error())
			return true
		default:
			log.Warnw("Failed to persist resume", "error", err)
			return false
		}
	}

	if err := r.gw.Delete(ctx, broker.ResumeKey(jobID, inputType)); err != nil {
		log.Debugw("Failed to clear resume key", "error", err)
	}

	r.emitter.Emit(ctx, event.Event{
		JobID:   jobID,
		Kind:    event.KindStatusUpdate,
		Module:  r.opts.Module,
		Status:  string(job.StatusRunning),
		Message: "resumed with " + inputType,
	})
	log.Infow("Job resumed", "input_type", inputType)

	r.finishHop(ctx, j, next)
	return true
}
