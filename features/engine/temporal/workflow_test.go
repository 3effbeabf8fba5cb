package temporal

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	runsync "github.com/airweave/airweave-go/runtime/sync"
)

var _ runsync.ScheduleCleaner = (*Engine)(nil)

func TestSyncWorkflowReturnsActivityResult(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	acts := &Activities{}
	env.RegisterActivity(acts.RunSync)
	jobID := uuid.New()
	env.OnActivity(acts.RunSync, mock.Anything, mock.Anything).
		Return(&SyncWorkflowResult{JobID: jobID, Status: "completed", Inserted: 7}, nil)

	env.ExecuteWorkflow(SyncWorkflow, SyncWorkflowInput{SyncID: uuid.New()})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result SyncWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, jobID, result.JobID)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, 7, result.Inserted)
}

func TestSyncWorkflowPropagatesFailure(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	acts := &Activities{}
	env.RegisterActivity(acts.RunSync)
	env.OnActivity(acts.RunSync, mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	env.ExecuteWorkflow(SyncWorkflow, SyncWorkflowInput{SyncID: uuid.New()})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func TestSyncWorkflowSingleAttempt(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	acts := &Activities{}
	env.RegisterActivity(acts.RunSync)
	calls := 0
	env.OnActivity(acts.RunSync, mock.Anything, mock.Anything).
		Return(func(_ context.Context, _ SyncWorkflowInput) (*SyncWorkflowResult, error) {
			calls++
			return nil, assert.AnError
		})

	env.ExecuteWorkflow(SyncWorkflow, SyncWorkflowInput{SyncID: uuid.New()})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, 1, calls)
}
