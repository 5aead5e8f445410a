package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskState_Terminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskOpen.Terminal())
	assert.False(t, TaskInProgress.Terminal())
	assert.True(t, TaskResolved.Terminal())
	assert.True(t, TaskFailed.Terminal())
}

func TestTaskState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskPending, TaskOpen, true},
		{TaskPending, TaskInProgress, true},
		{TaskPending, TaskResolved, true},
		{TaskPending, TaskFailed, true},
		{TaskOpen, TaskInProgress, true},
		{TaskOpen, TaskResolved, true},
		{TaskOpen, TaskFailed, true},
		{TaskInProgress, TaskResolved, true},
		{TaskInProgress, TaskFailed, true},

		// Backward observations are ignored, never applied.
		{TaskOpen, TaskPending, false},
		{TaskInProgress, TaskOpen, false},
		{TaskInProgress, TaskPending, false},

		// Terminal states admit nothing but themselves.
		{TaskResolved, TaskFailed, false},
		{TaskResolved, TaskInProgress, false},
		{TaskFailed, TaskResolved, false},
		{TaskFailed, TaskOpen, false},

		// Re-observing the current state is an idempotent no-op.
		{TaskPending, TaskPending, true},
		{TaskInProgress, TaskInProgress, true},
		{TaskResolved, TaskResolved, true},
		{TaskFailed, TaskFailed, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTaskState_CanTransition_UnknownState(t *testing.T) {
	// An unknown state ranks below everything, so nothing moves into it.
	assert.False(t, TaskPending.CanTransition(TaskState("bogus")))
}

func TestTaskFilter_Matches(t *testing.T) {
	active := &TicketTask{Kind: TaskConversion, State: TaskOpen}
	done := &TicketTask{Kind: TaskConversion, State: TaskResolved}

	assert.True(t, TaskFilter{}.Matches(active))
	assert.True(t, TaskFilter{}.Matches(done))

	assert.True(t, TaskFilter{ActiveOnly: true}.Matches(active))
	assert.False(t, TaskFilter{ActiveOnly: true}.Matches(done))

	assert.True(t, TaskFilter{Kind: TaskConversion}.Matches(active))
	assert.False(t, TaskFilter{Kind: TaskKind("migration")}.Matches(active))
}

func TestTicketTask_Clone(t *testing.T) {
	task := &TicketTask{
		ID:               NewID(),
		ExternalTicketID: "FT-7",
		Kind:             TaskConversion,
		State:            TaskOpen,
		Payload:          TaskPayload{FSPName: "ackermann", Path: "raw/scan.tif"},
		Version:          3,
	}
	cp := task.Clone()
	cp.State = TaskResolved
	cp.Payload.Path = "other"

	assert.Equal(t, TaskOpen, task.State)
	assert.Equal(t, "raw/scan.tif", task.Payload.Path)
}
