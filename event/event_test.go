package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askdata/conductor/broker"
)

func TestEmitAndDecode(t *testing.T) {
	gw := broker.NewMemoryGateway()
	defer gw.Close()
	ctx := context.Background()

	sub, err := gw.Subscribe(ctx, broker.EventsChannel("j1"))
	require.NoError(t, err)
	defer sub.Close()

	emitter := NewEmitter(gw, zap.NewNop().Sugar())
	emitter.Emit(ctx, Event{
		JobID:  "j1",
		Kind:   KindNeedInput,
		Module: "plan_confirm",
		Type:   "plan_confirmation",
		PromptPayload: map[string]interface{}{
			"plan": "the plan",
		},
	})

	select {
	case raw := <-sub.Channel():
		ev, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, "j1", ev.JobID)
		assert.Equal(t, KindNeedInput, ev.Kind)
		assert.Equal(t, "plan_confirmation", ev.Type)
		assert.Equal(t, "the plan", ev.PromptPayload["plan"])
		assert.False(t, ev.Timestamp.IsZero(), "emit stamps the event")
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestEmitWithoutSubscribersIsSilent(t *testing.T) {
	gw := broker.NewMemoryGateway()
	defer gw.Close()

	emitter := NewEmitter(gw, zap.NewNop().Sugar())
	// Must not block or panic with nobody listening
	emitter.Emit(context.Background(), Event{JobID: "ghost", Kind: KindStatusUpdate})
}
