// Package broker is the thin adapter over the shared message broker.
//
// It exposes the primitives the orchestrator needs and nothing else: FIFO
// lists for per-module work queues, a key/value space for job records and
// resume replies, and best-effort pub/sub for live events. Payloads are
// opaque byte sequences; serialization belongs to the callers.
package broker

import (
	"context"
	"time"
)

// Gateway is the broker abstraction used by every other component.
//
// List semantics: FIFO within a single producer, at-least-once delivery,
// single effective consumer per BlockingPop call (competing consumers
// load-balance by pop competition). Key/value semantics: last-write-wins
// with optional TTL. Pub/sub is best-effort and not persisted; subscribers
// that connect after a publish will not see it.
//
// Transport failures are reported wrapping errors.ErrBrokerUnavailable;
// callers treat those as transient and retry with capped backoff.
type Gateway interface {
	// Push appends a payload to the named list
	Push(ctx context.Context, list string, payload []byte) error

	// BlockingPop removes and returns the oldest payload from the named
	// list, waiting up to timeout. Returns (nil, nil) when the wait
	// expires with the list still empty.
	BlockingPop(ctx context.Context, list string, timeout time.Duration) ([]byte, error)

	// Get returns the value at key, or errors.ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value at key. A positive ttl expires the key;
	// zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSet writes value at key only if the current value equals
	// expect (expect nil means the key must not exist). Returns false,
	// without writing, when the comparison fails. Backs the job store's
	// optimistic versioned writes.
	CompareAndSet(ctx context.Context, key string, expect, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Publish sends a payload to all current subscribers of channel
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a live subscription to channel
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// ListLen returns the current length of the named list
	ListLen(ctx context.Context, list string) (int64, error)

	// ScanKeys returns keys matching a glob pattern. Used by the janitor
	// to walk job records; not part of the hot path.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Close releases broker resources
	Close() error
}

// Subscription is a live pub/sub stream. Close releases the subscription;
// the payload channel is closed afterwards.
type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

// Broker key and channel names. These are contract: other processes and
// clients address the same broker by these names.
const (
	QueuePrefix  = "queue:"  // queue:<module> - per-module work list
	JobKeyPrefix = "job:"    // job:<job_id> - durable job record
	ResumePrefix = "resume:" // resume:<job_id>:<input_type> key, resume:<job_id> channel
	EventsPrefix = "events:" // events:<job_id> - per-job event channel
)

// QueueName returns the work list name for a module
func QueueName(module string) string { return QueuePrefix + module }

// JobKey returns the record key for a job
func JobKey(jobID string) string { return JobKeyPrefix + jobID }

// ResumeKey returns the input-reply key for a parked (job, input_type)
func ResumeKey(jobID, inputType string) string { return ResumePrefix + jobID + ":" + inputType }

// ResumeChannel returns the input-reply channel for a job
func ResumeChannel(jobID string) string { return ResumePrefix + jobID }

// EventsChannel returns the live event channel for a job
func EventsChannel(jobID string) string { return EventsPrefix + jobID }

// JobIDFromKey extracts the job id from a job record key, or "" if the key
// is not in the job keyspace
func JobIDFromKey(key string) string {
	if len(key) <= len(JobKeyPrefix) || key[:len(JobKeyPrefix)] != JobKeyPrefix {
		return ""
	}
	return key[len(JobKeyPrefix):]
}
