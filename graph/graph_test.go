package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/job"
)

func TestNewRegistryValidation(t *testing.T) {
	toSelf := func(state job.State) string { return "a" }

	_, err := NewRegistry("a", Node{Name: "", Next: toSelf})
	assert.Error(t, err, "empty node name")

	_, err = NewRegistry("a", Node{Name: END, Next: toSelf})
	assert.Error(t, err, "END as node name")

	_, err = NewRegistry("a", Node{Name: "a", Next: toSelf}, Node{Name: "a", Next: toSelf})
	assert.Error(t, err, "duplicate node")

	_, err = NewRegistry("a", Node{Name: "a"})
	assert.Error(t, err, "missing edge function")

	_, err = NewRegistry("missing", Node{Name: "a", Next: toSelf})
	assert.Error(t, err, "unregistered first module")
}

func TestNextRejectsUnknownSuccessor(t *testing.T) {
	reg, err := NewRegistry("a", Node{Name: "a", Next: func(job.State) string { return "ghost" }})
	require.NoError(t, err)

	_, err = reg.Next("a", job.State{})
	assert.True(t, errors.Is(err, errors.ErrUnroutableState))

	_, err = reg.Next("ghost", job.State{})
	assert.True(t, errors.IsNotFound(err))
}

func TestPipelineShape(t *testing.T) {
	reg, err := Pipeline()
	require.NoError(t, err)

	assert.Equal(t, ModuleIntentValidator, reg.First())
	assert.Len(t, reg.Names(), 8)
	assert.Equal(t, []string{
		ModuleIntentValidator,
		ModulePlanBuilder,
		ModulePlanConfirm,
		ModuleSQLGenerator,
		ModuleSQLExecutor,
		ModuleAnalysis,
		ModuleFeedbackGate,
		ModuleErrorResponder,
	}, reg.Path())

	confirm, err := reg.Node(ModulePlanConfirm)
	require.NoError(t, err)
	assert.Equal(t, InputPlanConfirmation, confirm.InputType)

	gate, err := reg.Node(ModuleFeedbackGate)
	require.NoError(t, err)
	assert.Equal(t, InputFeedback, gate.InputType)
}

func TestPipelineRouting(t *testing.T) {
	reg, err := Pipeline()
	require.NoError(t, err)

	tests := []struct {
		name   string
		module string
		state  job.State
		want   string
	}{
		{"valid intent goes to planning", ModuleIntentValidator,
			job.State{KeyIntentValid: true}, ModulePlanBuilder},
		{"invalid intent goes to responder", ModuleIntentValidator,
			job.State{KeyIntentValid: false}, ModuleErrorResponder},
		{"missing intent verdict goes to responder", ModuleIntentValidator,
			job.State{}, ModuleErrorResponder},

		{"plan present goes to confirm", ModulePlanBuilder,
			job.State{KeyPlan: "steps"}, ModulePlanConfirm},
		{"empty plan goes to responder", ModulePlanBuilder,
			job.State{}, ModuleErrorResponder},

		{"auto-confirmed plan generates sql", ModulePlanConfirm,
			job.State{KeyConfirmed: true}, ModuleSQLGenerator},
		{"human-accepted plan generates sql", ModulePlanConfirm,
			job.State{InputPlanConfirmation: true}, ModuleSQLGenerator},
		{"rejected plan goes to responder", ModulePlanConfirm,
			job.State{InputPlanConfirmation: false}, ModuleErrorResponder},

		{"generator always executes", ModuleSQLGenerator,
			job.State{}, ModuleSQLExecutor},

		{"query error goes to responder", ModuleSQLExecutor,
			job.State{KeyQueryError: "syntax"}, ModuleErrorResponder},
		{"empty results go to responder", ModuleSQLExecutor,
			job.State{KeyResults: []map[string]interface{}{}}, ModuleErrorResponder},
		{"rows go to analysis", ModuleSQLExecutor,
			job.State{KeyResults: []map[string]interface{}{{"total": 1}}}, ModuleAnalysis},
		{"rows after json round-trip go to analysis", ModuleSQLExecutor,
			job.State{KeyResults: []interface{}{map[string]interface{}{"total": 1}}}, ModuleAnalysis},

		{"auto-confirm skips feedback", ModuleAnalysis,
			job.State{KeyAutoConfirm: true}, END},
		{"interactive runs gate on feedback", ModuleAnalysis,
			job.State{}, ModuleFeedbackGate},

		{"feedback always ends", ModuleFeedbackGate, job.State{}, END},
		{"responder always ends", ModuleErrorResponder, job.State{}, END},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Next(tt.module, tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
