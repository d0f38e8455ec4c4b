// Package event defines the live progress stream records and their emitter.
//
// Events are best-effort and not persisted: the job record is the durable
// source of truth, events exist for connected clients. A subscriber that
// attaches after an event was published will not see it.
package event

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/askdata/conductor/broker"
)

// Kind tags an event on the per-job channel
type Kind string

const (
	KindJobStarted   Kind = "job_started"
	KindModuleUpdate Kind = "module_update"
	KindStatusUpdate Kind = "status_update"
	KindNeedInput    Kind = "need_input"
	KindJobCompleted Kind = "job_completed"
	KindError        Kind = "error"
)

// Event is the wire record published on events:<job_id>. Payloads are sized
// for display, not for state transfer.
type Event struct {
	JobID                string                 `json:"job_id"`
	Kind                 Kind                   `json:"kind"`
	Module               string                 `json:"module,omitempty"`
	Message              string                 `json:"message,omitempty"`
	Type                 string                 `json:"type,omitempty"` // input type on need_input
	PromptPayload        map[string]interface{} `json:"prompt_payload,omitempty"`
	Status               string                 `json:"status,omitempty"`
	ExpectedPath         []string               `json:"expected_path,omitempty"` // nominal module walk on job_started
	ExecutionChainLength int                    `json:"execution_chain_length,omitempty"`
	Timestamp            time.Time              `json:"timestamp"`
}

// Emitter publishes events to the per-job broker channel. Publish failures
// are logged and swallowed: progress delivery never blocks a hop.
type Emitter struct {
	gw     broker.Gateway
	logger *zap.SugaredLogger
}

// NewEmitter creates an emitter over the broker gateway
func NewEmitter(gw broker.Gateway, logger *zap.SugaredLogger) *Emitter {
	return &Emitter{gw: gw, logger: logger.Named("events")}
}

// Emit publishes one event on the job's channel
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warnw("Failed to marshal event", "job_id", ev.JobID, "kind", ev.Kind, "error", err)
		return
	}
	if err := e.gw.Publish(ctx, broker.EventsChannel(ev.JobID), raw); err != nil {
		e.logger.Debugw("Failed to publish event",
			"job_id", ev.JobID,
			"kind", ev.Kind,
			"error", err,
		)
	}
}

// Decode parses an event payload from the wire
func Decode(raw []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(raw, &ev)
	return ev, err
}
