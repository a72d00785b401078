package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

func deps(orders ...int) *model.DependencyList {
	d := model.DependencyList(orders)
	return &d
}

func genStep(order int, dependsOn *model.DependencyList) model.Step {
	return model.Step{StepOrder: order, StepType: model.StepTypeAIGeneration, DependsOn: dependsOn}
}

func TestNewRejectsEmptyWorkflow(t *testing.T) {
	_, err := New(nil)
	var vErr *lferrors.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestNewRejectsDuplicateOrder(t *testing.T) {
	_, err := New([]model.Step{genStep(0, nil), genStep(0, nil)})
	var vErr *lferrors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Message, "duplicate")
}

func TestNewRejectsUnknownAndSelfRefs(t *testing.T) {
	_, err := New([]model.Step{genStep(0, nil), genStep(1, deps(7))})
	var vErr *lferrors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Message, "unknown step 7")

	_, err = New([]model.Step{genStep(0, deps(0))})
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Message, "depends on itself")
}

func TestNewRejectsForwardRefs(t *testing.T) {
	_, err := New([]model.Step{genStep(0, deps(1)), genStep(1, deps(0))})
	var vErr *lferrors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Message, "later step")

	// A multi-step cycle necessarily contains a forward edge.
	_, err = New([]model.Step{
		genStep(0, deps(2)),
		genStep(1, deps(0)),
		genStep(2, deps(1)),
	})
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Message, "later step")
}

func TestImplicitDependsOnAllPriorSteps(t *testing.T) {
	g, err := New([]model.Step{genStep(0, nil), genStep(1, nil), genStep(2, nil)})
	require.NoError(t, err)

	assert.Empty(t, g.Dependencies(0))
	assert.Equal(t, []int{0}, g.Dependencies(1))
	assert.Equal(t, []int{0, 1}, g.Dependencies(2))
}

func TestExplicitEmptyDependsOnIsAlwaysReady(t *testing.T) {
	g, err := New([]model.Step{genStep(0, nil), genStep(1, deps())})
	require.NoError(t, err)

	assert.Empty(t, g.Dependencies(1))
	assert.Equal(t, []int{0, 1}, g.Ready(nil))
}

func TestReadyProgression(t *testing.T) {
	// Diamond: 0 -> {1, 2} -> 3.
	g, err := New([]model.Step{
		genStep(0, deps()),
		genStep(1, deps(0)),
		genStep(2, deps(0)),
		genStep(3, deps(1, 2)),
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0}, g.Ready(nil))

	done := map[int]model.StepStatus{0: model.StepStatusSucceeded}
	assert.Equal(t, []int{1, 2}, g.Ready(done))

	done[1] = model.StepStatusSucceeded
	assert.Equal(t, []int{2}, g.Ready(done))

	done[2] = model.StepStatusSucceeded
	assert.Equal(t, []int{3}, g.Ready(done))
}

func TestReadyBlocksOnFailedDependency(t *testing.T) {
	g, err := New([]model.Step{genStep(0, nil), genStep(1, nil)})
	require.NoError(t, err)

	done := map[int]model.StepStatus{0: model.StepStatusFailed}
	assert.Empty(t, g.Ready(done))
}

func TestCompletionIgnoresMismatchedRecordType(t *testing.T) {
	steps := []model.Step{
		genStep(0, nil),
		{StepOrder: 1, StepType: model.StepTypeWebhook, DependsOn: deps(0)},
	}
	g, err := New(steps)
	require.NoError(t, err)

	records := []model.ExecutionStep{
		{StepOrder: 0, StepType: model.StepTypeAIGeneration, Status: model.StepStatusSucceeded},
		// Stale webhook record at order 0 must not count for the generation step.
		{StepOrder: 0, StepType: model.StepTypeWebhook, Status: model.StepStatusFailed},
		{StepOrder: 1, StepType: model.StepTypeWebhook, Status: model.StepStatusSucceeded},
	}
	done := g.Completion(records)
	assert.Equal(t, map[int]model.StepStatus{
		0: model.StepStatusSucceeded,
		1: model.StepStatusSucceeded,
	}, done)
}

func TestStatusMap(t *testing.T) {
	g, err := New([]model.Step{
		genStep(0, deps()),
		genStep(1, deps(0)),
		genStep(2, deps(1)),
	})
	require.NoError(t, err)

	done := map[int]model.StepStatus{0: model.StepStatusSucceeded, 1: model.StepStatusFailed}
	assert.Equal(t, map[int]StepState{
		0: StateCompleted,
		1: StateFailed,
		2: StateBlocked,
	}, g.StatusMap(done))

	assert.Equal(t, map[int]StepState{
		0: StateReady,
		1: StateBlocked,
		2: StateBlocked,
	}, g.StatusMap(nil))
}

func TestDownstream(t *testing.T) {
	g, err := New([]model.Step{
		genStep(0, deps()),
		genStep(1, deps(0)),
		genStep(2, deps(1)),
		genStep(3, deps()),
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, g.Downstream(0))
	assert.Empty(t, g.Downstream(2))
	assert.Empty(t, g.Downstream(3))
}
