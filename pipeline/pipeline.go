// Package pipeline implements the module handlers of the question-answering
// graph. Handlers depend on two collaborator interfaces, injected at worker
// startup; nothing in this package reaches for process globals.
package pipeline

import (
	"context"

	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/worker"
)

// LanguageModel is the reasoning collaborator. Implementations wrap a real
// model client; tests use the deterministic stub.
type LanguageModel interface {
	// ValidateIntent judges whether the question is answerable from data.
	// reason explains a rejection.
	ValidateIntent(ctx context.Context, question string) (valid bool, reason string, err error)

	// BuildPlan produces a short natural-language retrieval plan
	BuildPlan(ctx context.Context, question string) (string, error)

	// GenerateSQL turns an approved plan into a warehouse query
	GenerateSQL(ctx context.Context, question, plan string) (string, error)

	// Analyze writes the final answer from the question and its result rows
	Analyze(ctx context.Context, question string, rows []map[string]interface{}) (string, error)
}

// Warehouse executes generated queries
type Warehouse interface {
	Query(ctx context.Context, sql string) ([]map[string]interface{}, error)
}

// State keys owned by the pipeline handlers, beyond the routing keys the
// graph package declares
const (
	KeyQuestion     = "question"
	KeyIntentReason = "intent_reason"
	KeySQL          = "sql"
	KeyAnswer       = "answer"
	KeyPlanAccepted = "plan_accepted"
)

// Handlers builds all eight module handlers over the given collaborators
// and registers them
func Handlers(lm LanguageModel, wh Warehouse) (*worker.Registry, error) {
	reg := worker.NewRegistry()
	for _, h := range []worker.Handler{
		&intentValidator{lm: lm},
		&planBuilder{lm: lm},
		&planConfirm{},
		&sqlGenerator{lm: lm},
		&sqlExecutor{wh: wh},
		&analysis{lm: lm},
		&feedbackGate{},
		&errorResponder{},
	} {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler returns the handler for one module name, for worker processes
// that serve only that module
func Handler(module string, lm LanguageModel, wh Warehouse) (worker.Handler, error) {
	reg, err := Handlers(lm, wh)
	if err != nil {
		return nil, err
	}
	h := reg.Get(module)
	if h == nil {
		return nil, errors.Newf("no handler for module %s", module)
	}
	return h, nil
}
