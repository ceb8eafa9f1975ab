package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/project-init/internal/pipeline/steps"
)

const testProject = "11111111-1111-1111-1111-111111111111"

func TestMemory_StartStep(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	rec, err := m.StartStep(ctx, testProject, steps.CreateRepository)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotNil(t, rec.StartedAt)
	assert.Nil(t, rec.CompletedAt)
	assert.Equal(t, steps.Default.Version(), rec.CatalogVersion)

	cur, err := m.GetCurrentStep(ctx, testProject)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, steps.CreateRepository, cur.Step)
}

func TestMemory_StartStep_RejectsSecondRunningStep(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	_, err := m.StartStep(ctx, testProject, steps.CreateRepository)
	require.NoError(t, err)

	_, err = m.StartStep(ctx, testProject, steps.PushTemplate)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, steps.CreateRepository, invalid.Running)
	assert.Equal(t, 1, m.RunningCount(testProject))
}

func TestMemory_StartStep_OtherProjectsIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	_, err := m.StartStep(ctx, testProject, steps.CreateRepository)
	require.NoError(t, err)
	_, err = m.StartStep(ctx, "other", steps.PushTemplate)
	require.NoError(t, err)
}

func TestMemory_StartStep_RestartAfterCrash(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	_, err := m.StartStep(ctx, testProject, steps.PushTemplate)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStepProgress(ctx, testProject, steps.PushTemplate, 70))

	rec, err := m.StartStep(ctx, testProject, steps.PushTemplate)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 0, rec.Progress)
}

func TestMemory_StartStep_ClearsPreviousError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	_, err := m.StartStep(ctx, testProject, steps.SetupGitOps)
	require.NoError(t, err)
	require.NoError(t, m.FailStep(ctx, testProject, steps.SetupGitOps, errors.New("boom")))

	rec, err := m.StartStep(ctx, testProject, steps.SetupGitOps)
	require.NoError(t, err)
	assert.Nil(t, rec.Error)
	assert.Nil(t, rec.ErrorDetail)
	assert.Nil(t, rec.CompletedAt)
}

func TestMemory_UpdateStepProgress(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	// no record: no-op
	require.NoError(t, m.UpdateStepProgress(ctx, testProject, steps.PushTemplate, 40))

	_, err := m.StartStep(ctx, testProject, steps.PushTemplate)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStepProgress(ctx, testProject, steps.PushTemplate, 40))
	require.NoError(t, m.UpdateStepProgress(ctx, testProject, steps.PushTemplate, 250))

	recs, _ := m.GetSteps(ctx, testProject)
	assert.Equal(t, 100, recs[0].Progress)

	require.NoError(t, m.CompleteStep(ctx, testProject, steps.PushTemplate))
	// late callback after completion is ignored
	require.NoError(t, m.UpdateStepProgress(ctx, testProject, steps.PushTemplate, 10))
	recs, _ = m.GetSteps(ctx, testProject)
	assert.Equal(t, 100, recs[0].Progress)
	assert.Equal(t, StatusCompleted, recs[0].Status)
}

func TestMemory_CompleteAndFail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	_, err := m.StartStep(ctx, testProject, steps.CreateRepository)
	require.NoError(t, err)
	require.NoError(t, m.CompleteStep(ctx, testProject, steps.CreateRepository))

	_, err = m.StartStep(ctx, testProject, steps.PushTemplate)
	require.NoError(t, err)
	cause := errors.New("connection refused")
	require.NoError(t, m.FailStep(ctx, testProject, steps.PushTemplate, fmt.Errorf("push failed: %w", cause)))

	recs, err := m.GetSteps(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, steps.CreateRepository, recs[0].Step)
	assert.Equal(t, StatusCompleted, recs[0].Status)
	assert.Equal(t, 100, recs[0].Progress)
	assert.NotNil(t, recs[0].CompletedAt)
	assert.Nil(t, recs[0].Error)

	assert.Equal(t, StatusFailed, recs[1].Status)
	require.NotNil(t, recs[1].Error)
	assert.Equal(t, "push failed: connection refused", *recs[1].Error)
	require.NotNil(t, recs[1].ErrorDetail)
	assert.Contains(t, *recs[1].ErrorDetail, "caused by")
	assert.NotNil(t, recs[1].CompletedAt)

	cur, err := m.GetCurrentStep(ctx, testProject)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestMemory_CompleteStep_Invalid(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	err := m.CompleteStep(ctx, testProject, steps.Finalize)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _ = m.StartStep(ctx, testProject, steps.Finalize)
	require.NoError(t, m.CompleteStep(ctx, testProject, steps.Finalize))

	err = m.FailStep(ctx, testProject, steps.Finalize, errors.New("late"))
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestMemory_SkipStep(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	require.NoError(t, m.SkipStep(ctx, testProject, steps.SetupGitOps, "cluster not configured"))
	recs, _ := m.GetSteps(ctx, testProject)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusSkipped, recs[0].Status)
	assert.True(t, recs[0].Done())
	assert.NotNil(t, recs[0].CompletedAt)
}

func TestMemory_FailStep_NeverStarted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	require.NoError(t, m.FailStep(ctx, testProject, steps.PushTemplate, errors.New("initialization timed out")))
	recs, _ := m.GetSteps(ctx, testProject)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusFailed, recs[0].Status)
	assert.Equal(t, 0, recs[0].Attempts)
	require.NotNil(t, recs[0].Error)
	assert.Equal(t, "initialization timed out", *recs[0].Error)

	// a failed step can be started again
	rec, err := m.StartStep(ctx, testProject, steps.PushTemplate)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
}

func TestMemory_GetSteps_CreationOrder(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(steps.Default).WithClock(func() time.Time { return clock })

	for _, d := range steps.Default.Steps() {
		_, err := m.StartStep(ctx, testProject, d.Name)
		require.NoError(t, err)
		require.NoError(t, m.CompleteStep(ctx, testProject, d.Name))
	}
	recs, err := m.GetSteps(ctx, testProject)
	require.NoError(t, err)
	for i, d := range steps.Default.Steps() {
		assert.Equal(t, d.Name, recs[i].Step)
	}
}

func TestMemory_Checkpoints(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	outputs := map[string]any{"full_name": "acme/web"}
	require.NoError(t, m.SaveCheckpoint(ctx, testProject, steps.CreateRepository, outputs))
	outputs["full_name"] = "mutated"

	cps, err := m.GetCheckpoints(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, "acme/web", cps[steps.CreateRepository].Outputs["full_name"])
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(steps.Default)

	_, _ = m.StartStep(ctx, testProject, steps.CreateRepository)
	err := m.Reset(ctx, testProject)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, m.FailStep(ctx, testProject, steps.CreateRepository, errors.New("x")))
	require.NoError(t, m.SaveCheckpoint(ctx, testProject, steps.CreateRepository, map[string]any{"a": 1}))
	require.NoError(t, m.Reset(ctx, testProject))

	recs, _ := m.GetSteps(ctx, testProject)
	assert.Empty(t, recs)
	cps, _ := m.GetCheckpoints(ctx, testProject)
	assert.Empty(t, cps)
}
