package graph

import "github.com/askdata/conductor/job"

// Module names of the question-answering pipeline. These double as broker
// queue names (queue:<module>), so they are wire contract.
const (
	ModuleIntentValidator = "intent_validator"
	ModulePlanBuilder     = "plan_builder"
	ModulePlanConfirm     = "plan_confirm"
	ModuleSQLGenerator    = "sql_generator"
	ModuleSQLExecutor     = "sql_executor"
	ModuleAnalysis        = "analysis"
	ModuleFeedbackGate    = "feedback_gate"
	ModuleErrorResponder  = "error_responder"
)

// Input types of the two human-input nodes
const (
	InputPlanConfirmation = "plan_confirmation"
	InputFeedback         = "feedback"
)

// State keys the edge functions route on
const (
	KeyIntentValid = "intent_valid"
	KeyPlan        = "plan"
	KeyConfirmed   = "confirmed"
	KeyQueryError  = "query_error"
	KeyResults     = "query_results"
	KeyAutoConfirm = "auto_confirm"
)

// Pipeline builds the question-answering DAG. Every edge is total: any
// unexpected terminal condition routes through error_responder before END,
// so no state can silently drop a job.
func Pipeline() (*Registry, error) {
	return NewRegistry(ModuleIntentValidator,
		Node{
			Name: ModuleIntentValidator,
			Next: func(state job.State) string {
				if valid, ok := state.Bool(KeyIntentValid); ok && valid {
					return ModulePlanBuilder
				}
				return ModuleErrorResponder
			},
		},
		Node{
			Name: ModulePlanBuilder,
			Next: func(state job.State) string {
				if state.String(KeyPlan) == "" {
					return ModuleErrorResponder
				}
				return ModulePlanConfirm
			},
		},
		Node{
			Name:      ModulePlanConfirm,
			InputType: InputPlanConfirmation,
			Next: func(state job.State) string {
				if planConfirmed(state) {
					return ModuleSQLGenerator
				}
				return ModuleErrorResponder
			},
		},
		Node{
			Name: ModuleSQLGenerator,
			Next: func(state job.State) string {
				return ModuleSQLExecutor
			},
		},
		Node{
			Name: ModuleSQLExecutor,
			Next: func(state job.State) string {
				if state.String(KeyQueryError) != "" || resultCount(state) == 0 {
					return ModuleErrorResponder
				}
				return ModuleAnalysis
			},
		},
		Node{
			Name: ModuleAnalysis,
			Next: func(state job.State) string {
				// Non-interactive runs have nobody to supply feedback
				if auto, ok := state.Bool(KeyAutoConfirm); ok && auto {
					return END
				}
				return ModuleFeedbackGate
			},
		},
		Node{
			Name:      ModuleFeedbackGate,
			InputType: InputFeedback,
			Next: func(state job.State) string {
				return END
			},
		},
		Node{
			Name: ModuleErrorResponder,
			Next: func(state job.State) string {
				return END
			},
		},
	)
}

// planConfirmed reports whether the plan was accepted, either by the
// auto-confirm short-circuit or by a human reply merged under the
// plan_confirmation key.
func planConfirmed(state job.State) bool {
	if confirmed, ok := state.Bool(KeyConfirmed); ok && confirmed {
		return true
	}
	if reply, ok := state.Bool(InputPlanConfirmation); ok {
		return reply
	}
	return false
}

// resultCount counts warehouse rows regardless of whether the slice came
// straight from a handler or through a JSON round-trip.
func resultCount(state job.State) int {
	switch rows := state[KeyResults].(type) {
	case []interface{}:
		return len(rows)
	case []map[string]interface{}:
		return len(rows)
	default:
		return 0
	}
}
