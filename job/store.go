package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/errors"
)

// updateRetries bounds optimistic-write retries per Update call. The normal
// case is single-writer; the version check only catches a retried delivery
// racing the original, so a small ceiling suffices.
const updateRetries = 3

// Store encapsulates read-modify-write on job records at broker key job:<id>.
//
// Concurrency: writes go through CompareAndSet on the serialized record, so
// a concurrent writer forces a reload-and-reapply. The loser of the final
// retry gets ErrConflict and must treat its hop as a no-op.
type Store struct {
	gw        broker.Gateway
	retention time.Duration // TTL applied once a record turns terminal
	logger    *zap.SugaredLogger
}

// NewStore creates a job store over the broker gateway
func NewStore(gw broker.Gateway, retention time.Duration, logger *zap.SugaredLogger) *Store {
	return &Store{gw: gw, retention: retention, logger: logger.Named("jobstore")}
}

// Create allocates a job id and writes the initial record
func (s *Store) Create(ctx context.Context, firstModule string, initialState State) (*Job, error) {
	now := time.Now().UTC()
	j := &Job{
		ID:             uuid.NewString(),
		Status:         StatusQueued,
		CurrentModule:  firstModule,
		State:          initialState,
		ExecutionChain: []HopEntry{},
		SubmittedAt:    now,
		UpdatedAt:      now,
		Version:        0,
	}

	raw, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job record")
	}
	ok, err := s.gw.CompareAndSet(ctx, broker.JobKey(j.ID), nil, raw, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create job %s", j.ID)
	}
	if !ok {
		// uuid collision is not a realistic branch, but the store refuses
		// to clobber an existing record either way
		return nil, errors.Wrapf(errors.ErrConflict, "job %s already exists", j.ID)
	}

	s.logger.Debugw("Job record created", "job_id", j.ID, "first_module", firstModule)
	return j, nil
}

// Load returns the job record, or errors.ErrNotFound
func (s *Store) Load(ctx context.Context, jobID string) (*Job, error) {
	raw, err := s.gw.Get(ctx, broker.JobKey(jobID))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", jobID)
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, errors.Wrapf(err, "corrupt job record %s", jobID)
	}
	return &j, nil
}

// Update loads the record, applies mutate, and writes it back iff no other
// writer advanced the version in between. Lost races reload and reapply up
// to updateRetries times; exhaustion returns errors.ErrConflict.
func (s *Store) Update(ctx context.Context, jobID string, mutate func(*Job) error) (*Job, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		raw, err := s.gw.Get(ctx, broker.JobKey(jobID))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load job %s for update", jobID)
		}
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, errors.Wrapf(err, "corrupt job record %s", jobID)
		}

		if err := mutate(&j); err != nil {
			return nil, err
		}
		j.Version++

		next, err := json.Marshal(&j)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal job record")
		}

		// Terminal records expire after the retention TTL; live records
		// must never expire out from under a queue entry.
		var ttl time.Duration
		if j.IsTerminal() {
			ttl = s.retention
		}

		ok, err := s.gw.CompareAndSet(ctx, broker.JobKey(jobID), raw, next, ttl)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to write job %s", jobID)
		}
		if ok {
			return &j, nil
		}

		s.logger.Debugw("Optimistic write lost, retrying",
			"job_id", jobID,
			"attempt", attempt+1,
		)
	}
	return nil, errors.Wrapf(errors.ErrConflict, "job %s update lost %d races", jobID, updateRetries)
}

// MarkWaiting parks the job pending input of the given type
func (s *Store) MarkWaiting(ctx context.Context, jobID, inputType string) (*Job, error) {
	return s.Update(ctx, jobID, func(j *Job) error {
		j.MarkWaiting(inputType)
		return nil
	})
}

// MarkResumed wakes a parked job with the supplied input value
func (s *Store) MarkResumed(ctx context.Context, jobID, inputType string, value interface{}, enteredAt time.Time) (*Job, error) {
	return s.Update(ctx, jobID, func(j *Job) error {
		if j.Status != StatusWaiting {
			return errors.Newf("job %s is not waiting (status: %s)", jobID, j.Status)
		}
		j.MarkResumed(inputType, value, enteredAt)
		return nil
	})
}

// MarkFailed finishes the job with a retained error record. Failing an
// already-terminal job is a no-op so a late failure never overwrites the
// first terminal transition.
func (s *Store) MarkFailed(ctx context.Context, jobID, module string, kind ErrorKind, message string) (*Job, error) {
	return s.Update(ctx, jobID, func(j *Job) error {
		if j.IsTerminal() {
			return nil
		}
		j.MarkFailed(module, kind, message)
		return nil
	})
}

// RequestCancel flags the job for cancellation at the next worker checkpoint
func (s *Store) RequestCancel(ctx context.Context, jobID string) (*Job, error) {
	return s.Update(ctx, jobID, func(j *Job) error {
		j.CancelRequested = true
		return nil
	})
}
