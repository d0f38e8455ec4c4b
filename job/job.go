// Package job defines the durable job record and its broker-backed store.
package job

import (
	"encoding/json"
	"time"

	"github.com/askdata/conductor/errors"
)

// Status represents the current state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusWaiting, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// ErrorKind classifies hop failures. The set is exhaustive.
type ErrorKind string

const (
	KindTransient       ErrorKind = "Transient"
	KindPermanent       ErrorKind = "Permanent"
	KindTimeout         ErrorKind = "Timeout"
	KindInputTimeout    ErrorKind = "InputTimeout"
	KindCancelled       ErrorKind = "Cancelled"
	KindUnroutableState ErrorKind = "UnroutableState"
	KindConflict        ErrorKind = "ConflictAfterRetries"
)

// State is the accumulated payload passed between modules. Keys are
// namespaced informally by producer (e.g. "plan", "intent_category").
type State map[string]interface{}

// Clone returns a shallow copy. Handlers receive clones so the stored
// record is never mutated behind the store's back.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Bool reads a boolean key. Missing or non-bool values return (false, false).
func (s State) Bool(key string) (value, ok bool) {
	v, present := s[key]
	if !present {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

// String reads a string key, returning "" when missing or not a string
func (s State) String(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// HopEntry records one successful module execution on a job
type HopEntry struct {
	Module    string    `json:"module"`
	EnteredAt time.Time `json:"entered_at"`
	ExitedAt  time.Time `json:"exited_at"`
	Outcome   string    `json:"outcome"` // "ok" or "resume"
}

// JobError is the retained failure record of a failed job
type JobError struct {
	Module  string    `json:"module"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// WaitingFor describes the human input a parked job is blocked on
type WaitingFor struct {
	InputType string    `json:"input_type"`
	Since     time.Time `json:"since"`
}

// Job is the source-of-truth document for one pipeline run. Field names are
// wire contract; the record lives at broker key job:<id> as JSON.
type Job struct {
	ID              string      `json:"id"`
	Status          Status      `json:"status"`
	CurrentModule   string      `json:"current_module"`
	State           State       `json:"state"`
	ExecutionChain  []HopEntry  `json:"execution_chain"`
	Error           *JobError   `json:"error,omitempty"`
	WaitingFor      *WaitingFor `json:"waiting_for,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	Attempt         int         `json:"attempt,omitempty"` // transient retries of the current hop
	SubmittedAt     time.Time   `json:"submitted_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Version         int         `json:"version"`
}

// IsTerminal reports whether the job reached completed or failed.
// No worker re-enqueues a terminal job.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// MarkRunning records that module now owns the job
func (j *Job) MarkRunning(module string) {
	j.Status = StatusRunning
	j.CurrentModule = module
	j.UpdatedAt = time.Now().UTC()
}

// MarkQueued returns the job to the queued state (transient retry, recovery)
func (j *Job) MarkQueued() {
	j.Status = StatusQueued
	j.UpdatedAt = time.Now().UTC()
}

// MarkWaiting parks the job pending external input of the given type
func (j *Job) MarkWaiting(inputType string) {
	now := time.Now().UTC()
	j.Status = StatusWaiting
	j.WaitingFor = &WaitingFor{InputType: inputType, Since: now}
	j.UpdatedAt = now
}

// MarkResumed merges the supplied input value into state under the input
// type's key, clears the waiting marker, and appends the synthetic resume
// hop for the parked module.
func (j *Job) MarkResumed(inputType string, value interface{}, enteredAt time.Time) {
	now := time.Now().UTC()
	j.MergeDelta(State{inputType: value})
	j.WaitingFor = nil
	j.Status = StatusRunning
	j.ExecutionChain = append(j.ExecutionChain, HopEntry{
		Module:    j.CurrentModule + ":resume",
		EnteredAt: enteredAt,
		ExitedAt:  now,
		Outcome:   "resume",
	})
	j.UpdatedAt = now
}

// MarkCompleted finishes the job successfully
func (j *Job) MarkCompleted() {
	j.Status = StatusCompleted
	j.WaitingFor = nil
	j.UpdatedAt = time.Now().UTC()
}

// MarkFailed finishes the job with a retained error record
func (j *Job) MarkFailed(module string, kind ErrorKind, message string) {
	j.Status = StatusFailed
	j.Error = &JobError{Module: module, Kind: kind, Message: message}
	j.WaitingFor = nil
	j.UpdatedAt = time.Now().UTC()
}

// MergeDelta shallow-merges a handler's delta into state, one top-level key
// at a time. Merging never removes keys; overwrites are allowed.
func (j *Job) MergeDelta(delta State) {
	if len(delta) == 0 {
		return
	}
	if j.State == nil {
		j.State = make(State, len(delta))
	}
	for k, v := range delta {
		j.State[k] = v
	}
	j.UpdatedAt = time.Now().UTC()
}

// AppendHop records one completed module execution
func (j *Job) AppendHop(module string, enteredAt time.Time) {
	now := time.Now().UTC()
	j.ExecutionChain = append(j.ExecutionChain, HopEntry{
		Module:    module,
		EnteredAt: enteredAt,
		ExitedAt:  now,
		Outcome:   "ok",
	})
	j.UpdatedAt = now
}

// QueuePayload is the message carried on queue:<module> lists
type QueuePayload struct {
	JobID string `json:"job_id"`
}

// EncodeQueuePayload marshals the per-queue message for a job
func EncodeQueuePayload(jobID string) []byte {
	b, _ := json.Marshal(QueuePayload{JobID: jobID})
	return b
}

// DecodeQueuePayload parses a queue message
func DecodeQueuePayload(raw []byte) (string, error) {
	var p QueuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", errors.Wrap(err, "malformed queue payload")
	}
	if p.JobID == "" {
		return "", errors.New("queue payload missing job_id")
	}
	return p.JobID, nil
}
