package pipeline

import (
	"context"

	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
	"github.com/askdata/conductor/worker"
)

// intentValidator judges whether the question can be answered from the
// warehouse at all. First module of every job.
type intentValidator struct {
	lm LanguageModel
}

func (h *intentValidator) Name() string    { return graph.ModuleIntentValidator }
func (h *intentValidator) Reads() []string { return []string{KeyQuestion} }
func (h *intentValidator) Writes() []string {
	return []string{graph.KeyIntentValid, KeyIntentReason}
}

func (h *intentValidator) Execute(ctx context.Context, req worker.Request) (worker.Result, error) {
	question := req.State.String(KeyQuestion)
	if question == "" {
		return worker.Result{}, errors.Wrap(errors.ErrPermanent, "job submitted without a question")
	}
	valid, reason, err := h.lm.ValidateIntent(ctx, question)
	if err != nil {
		return worker.Result{}, errors.Wrap(errors.ErrTransient, err.Error())
	}
	return worker.Result{Delta: job.State{
		graph.KeyIntentValid: valid,
		KeyIntentReason:      reason,
	}}, nil
}

// planBuilder drafts the retrieval plan shown to the user for confirmation
type planBuilder struct {
	lm LanguageModel
}

func (h *planBuilder) Name() string     { return graph.ModulePlanBuilder }
func (h *planBuilder) Reads() []string  { return []string{KeyQuestion} }
func (h *planBuilder) Writes() []string { return []string{graph.KeyPlan} }

func (h *planBuilder) Execute(ctx context.Context, req worker.Request) (worker.Result, error) {
	plan, err := h.lm.BuildPlan(ctx, req.State.String(KeyQuestion))
	if err != nil {
		return worker.Result{}, errors.Wrap(errors.ErrTransient, err.Error())
	}
	return worker.Result{Delta: job.State{graph.KeyPlan: plan}}, nil
}

// planConfirm gates SQL generation on plan approval. With auto_confirm set
// it approves without parking; otherwise it parks the job until the user's
// plan_confirmation reply arrives.
type planConfirm struct{}

func (h *planConfirm) Name() string { return graph.ModulePlanConfirm }
func (h *planConfirm) Reads() []string {
	return []string{graph.KeyPlan, graph.KeyAutoConfirm}
}
func (h *planConfirm) Writes() []string {
	return []string{graph.KeyConfirmed, KeyPlanAccepted}
}

func (h *planConfirm) Execute(ctx context.Context, req worker.Request) (worker.Result, error) {
	if auto, ok := req.State.Bool(graph.KeyAutoConfirm); ok && auto {
		return worker.Result{Delta: job.State{
			graph.KeyConfirmed: true,
			KeyPlanAccepted:    true,
		}}, nil
	}
	return worker.Result{NeedsInput: &worker.InputRequest{
		Type: graph.InputPlanConfirmation,
		PromptPayload: map[string]interface{}{
			"plan": req.State.String(graph.KeyPlan),
		},
	}}, nil
}

// sqlGenerator compiles the approved plan into a warehouse query
type sqlGenerator struct {
	lm LanguageModel
}

func (h *sqlGenerator) Name() string     { return graph.ModuleSQLGenerator }
func (h *sqlGenerator) Reads() []string  { return []string{KeyQuestion, graph.KeyPlan} }
func (h *sqlGenerator) Writes() []string { return []string{KeySQL} }

func (h *sqlGenerator) Execute(ctx context.Context, req worker.Request) (worker.Result, error) {
	sql, err := h.lm.GenerateSQL(ctx, req.State.String(KeyQuestion), req.State.String(graph.KeyPlan))
	if err != nil {
		return worker.Result{}, errors.Wrap(errors.ErrTransient, err.Error())
	}
	if sql == "" {
		return worker.Result{}, errors.Wrap(errors.ErrPermanent, "model produced an empty query")
	}
	return worker.Result{Delta: job.State{KeySQL: sql}}, nil
}

// sqlExecutor runs the query. Query-level failures are recorded in state and
// routed to the error responder rather than failing the job; only transport
// errors from the collaborator become hop failures.
type sqlExecutor struct {
	wh Warehouse
}

func (h *sqlExecutor) Name() string    { return graph.ModuleSQLExecutor }
func (h *sqlExecutor) Reads() []string { return []string{KeySQL} }
func (h *sqlExecutor) Writes() []string {
	return []string{graph.KeyResults, graph.KeyQueryError}
}

func (h *sqlExecutor) Execute(ctx context.Context, req worker.Request) (worker.Result, error) {
	rows, err := h.wh.Query(ctx, req.State.String(KeySQL))
	if err != nil {
		if errors.IsTransient(err) {
			return worker.Result{}, err
		}
		return worker.Result{Delta: job.State{
			graph.KeyQueryError: err.Error(),
			graph.KeyResults:    []map[string]interface{}{},
		}}, nil
	}
	return worker.Result{Delta: job.State{
		graph.KeyResults:    rows,
		graph.KeyQueryError: "",
	}}, nil
}

// analysis writes the final natural-language answer from the result rows
type analysis struct {
	lm LanguageModel
}

func (h *analysis) Name() string     { return graph.ModuleAnalysis }
func (h *analysis) Reads() []string  { return []string{KeyQuestion, graph.KeyResults} }
func (h *analysis) Writes() []string { return []string{KeyAnswer} }

func (h *analysis) Execute(ctx context.Context, req worker.Request) (worker.Result, error) {
	answer, err := h.lm.Analyze(ctx, req.State.String(KeyQuestion), resultRows(req.State))
	if err != nil {
		return worker.Result{}, errors.Wrap(errors.ErrTransient, err.Error())
	}
	return worker.Result{Delta: job.State{KeyAnswer: answer}}, nil
}

// feedbackGate parks the finished answer for the user's reaction. The reply
// lands in state under the feedback key; routing then ends the job.
type feedbackGate struct{}

func (h *feedbackGate) Name() string     { return graph.ModuleFeedbackGate }
func (h *feedbackGate) Reads() []string  { return []string{KeyAnswer} }
func (h *feedbackGate) Writes() []string { return []string{} }

func (h *feedbackGate) Execute(ctx context.Context, req worker.Request) (worker.Result, error) {
	return worker.Result{NeedsInput: &worker.InputRequest{
		Type: graph.InputFeedback,
		PromptPayload: map[string]interface{}{
			"answer": req.State.String(KeyAnswer),
		},
	}}, nil
}

// errorResponder turns every non-happy terminal condition into a readable
// answer. It is the catch-all sink of the graph, so it must produce
// something for any state it is handed.
type errorResponder struct{}

func (h *errorResponder) Name() string { return graph.ModuleErrorResponder }
func (h *errorResponder) Reads() []string {
	return []string{
		graph.KeyIntentValid, KeyIntentReason, graph.KeyPlan,
		graph.InputPlanConfirmation, graph.KeyQueryError, graph.KeyResults,
	}
}
func (h *errorResponder) Writes() []string {
	return []string{KeyAnswer, KeyPlanAccepted}
}

func (h *errorResponder) Execute(ctx context.Context, req worker.Request) (worker.Result, error) {
	delta := job.State{}

	switch {
	case invalidIntent(req.State):
		reason := req.State.String(KeyIntentReason)
		if reason == "" {
			reason = "the question does not map to the available data"
		}
		delta[KeyAnswer] = "I can't answer that: " + reason

	case planRejected(req.State):
		delta[KeyPlanAccepted] = false
		delta[KeyAnswer] = "Understood, I won't run that plan. Rephrase the question to try a different approach."

	case req.State.String(graph.KeyQueryError) != "":
		delta[KeyAnswer] = "The query failed against the warehouse: " + req.State.String(graph.KeyQueryError)

	case len(resultRows(req.State)) == 0 && req.State.String(graph.KeyPlan) != "":
		delta[KeyAnswer] = "The query ran but returned no rows. There may be no data matching the question."

	default:
		delta[KeyAnswer] = "Something went wrong while answering; no further detail is available."
	}

	return worker.Result{Delta: delta}, nil
}

// invalidIntent reports whether the intent validator explicitly rejected
func invalidIntent(state job.State) bool {
	valid, ok := state.Bool(graph.KeyIntentValid)
	return ok && !valid
}

// planRejected reports whether a human reply declined the plan
func planRejected(state job.State) bool {
	reply, ok := state.Bool(graph.InputPlanConfirmation)
	return ok && !reply
}

// resultRows normalizes the query_results slice across a JSON round-trip
func resultRows(state job.State) []map[string]interface{} {
	switch rows := state[graph.KeyResults].(type) {
	case []map[string]interface{}:
		return rows
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(rows))
		for _, r := range rows {
			if m, ok := r.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
