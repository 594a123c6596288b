package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_WalksCanonicalOrder(t *testing.T) {
	var walked []Stage
	s := FirstStage
	for {
		walked = append(walked, s)
		next, done := Next(s)
		if done {
			break
		}
		s = next
	}

	assert.Equal(t, Stages[:], walked)
}

func TestNext_Terminal(t *testing.T) {
	next, done := Next(StageFinal)
	assert.True(t, done)
	assert.Empty(t, next)
	assert.True(t, StageFinal.IsTerminal())
	assert.False(t, StageDraft.IsTerminal())
}

func TestNext_UnknownStagePanics(t *testing.T) {
	assert.Panics(t, func() { Next(Stage("review")) })
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		in      string
		want    Stage
		wantErr bool
	}{
		{"ingestion", StageIngestion, false},
		{"literature", StageLiterature, false},
		{"final", StageFinal, false},
		{"", "", true},
		{"Planning", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStage(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStageIndex(t *testing.T) {
	for i, s := range Stages {
		assert.Equal(t, i, s.Index())
	}
	assert.Equal(t, -1, Stage("nope").Index())
}

func TestWorkflowState_CloneIsIndependent(t *testing.T) {
	w := NewWorkflowState("conv-1", Artifact{"dataset": "120 rows"}, time.Now())
	w.Payload[StageIngestion] = Artifact{"rows": 120}

	c := w.Clone()
	c.Payload[StageIngestion]["rows"] = 1
	c.Payload[StagePlanning] = Artifact{}
	c.Input["dataset"] = "x"

	assert.Equal(t, 120, w.Payload[StageIngestion]["rows"])
	assert.NotContains(t, w.Payload, StagePlanning)
	assert.Equal(t, "120 rows", w.Input["dataset"])
}

func TestWorkflowState_CompletedStagesInOrder(t *testing.T) {
	w := NewWorkflowState("conv-1", nil, time.Now())
	w.Payload[StageLiterature] = Artifact{"papers": 3}
	w.Payload[StageIngestion] = Artifact{"rows": 1}
	w.Payload[StagePlanning] = Artifact{"plan": "p", "questions": 2}

	assert.Equal(t, []Stage{StageIngestion, StagePlanning, StageLiterature}, w.CompletedStages())
	assert.Equal(t, []string{"plan", "questions"}, w.PayloadSummary()[StagePlanning])
}

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	assert.False(t, WorkflowStatusRunning.IsTerminal())
	assert.True(t, WorkflowStatusFailed.IsTerminal())
	assert.True(t, WorkflowStatusCancelled.IsTerminal())
	assert.True(t, WorkflowStatusComplete.IsTerminal())
}

func TestJob_LeaseExpired(t *testing.T) {
	now := time.Now()
	j := NewJob(NewWorkflowState("c", nil, now).ID, StageIngestion, now)
	assert.False(t, j.LeaseExpired(now))

	exp := now.Add(-time.Second)
	j.Status = JobStatusRunning
	j.LeaseExpiresAt = &exp
	assert.True(t, j.LeaseExpired(now))

	future := now.Add(time.Minute)
	j.LeaseExpiresAt = &future
	assert.False(t, j.LeaseExpired(now))
}

func TestErrorKinds(t *testing.T) {
	var kerr KindedError = NewConflictError("wf", StagePlanning, 1, 2, "stale version")
	assert.Equal(t, KindConflict, kerr.ErrorKind())
	assert.True(t, errors.Is(kerr, ErrConflict))

	assert.Equal(t, KindTransient, NewExternalAPIError("openalex", 503, "down", nil).ErrorKind())
	assert.Equal(t, KindTransient, NewExternalAPIError("openalex", 0, "reset", nil).ErrorKind())
	assert.Equal(t, KindPermanent, NewExternalAPIError("openalex", 400, "bad", nil).ErrorKind())

	assert.Equal(t, "exhausted", KindExhausted.String())
	assert.True(t, errors.Is(NewNotFoundError("workflow", "x"), ErrNotFound))
}

func TestNewEventEnvelope(t *testing.T) {
	w := NewWorkflowState("conv-9", nil, time.Now())
	ev := NewProgressEvent(w, StageIngestion, EventStatusStarted, "workflow started")

	env, err := NewEventEnvelope("oxbio-worker", ev)
	require.NoError(t, err)
	assert.Equal(t, w.ID.String(), env.AggregateID)
	assert.Equal(t, AggregateTypeWorkflow, env.AggregateType)
	assert.Equal(t, EventTypeWorkflowProgress, env.EventType)
	assert.Contains(t, string(env.Payload), `"conversation_id":"conv-9"`)
	assert.NotEmpty(t, env.EventID)
	assert.True(t, EventStatusCompleted.IsTerminal())
	assert.False(t, EventStatusAdvanced.IsTerminal())
}
