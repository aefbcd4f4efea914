package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gradepipe/gradepipe/internal/pipeline/admission"
	"github.com/gradepipe/gradepipe/internal/pipeline/configuration"
	"github.com/gradepipe/gradepipe/internal/pipeline/context/fake"
	"github.com/gradepipe/gradepipe/internal/pipeline/launcher"
	"github.com/gradepipe/gradepipe/internal/submission"
)

func TestSweep_ReapsSubmissionsPastStaleAge(t *testing.T) {
	sweeper, _, repo := setUpSweeper(t)
	s := testSubmission("submission-1")
	s.LastUpdated = testNow.Add(-61 * time.Minute)
	repo.Store(s)

	require.NoError(t, sweeper.ReapStaleSubmissions())

	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, submission.StateReapedAfterTimeout, stored.State)
	assert.True(t, stored.Processed)
}

func TestSweep_LeavesRecentSubmissionsAlone(t *testing.T) {
	sweeper, _, repo := setUpSweeper(t)
	s := testSubmission("submission-1")
	s.LastUpdated = testNow.Add(-59 * time.Minute)
	repo.Store(s)

	require.NoError(t, sweeper.ReapStaleSubmissions())

	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, submission.StateWaitingForResources, stored.State)
	assert.False(t, stored.Processed)
}

func TestSweep_NeverReapsRegradesOrShellSessions(t *testing.T) {
	sweeper, _, repo := setUpSweeper(t)
	regrading := testSubmission("submission-1")
	regrading.State = submission.StateRegrading
	regrading.LastUpdated = testNow.Add(-3 * time.Hour)
	repo.Store(regrading)

	shell := testSubmission("submission-2")
	shell.State = submission.StateShellSessionActive
	shell.LastUpdated = testNow.Add(-3 * time.Hour)
	repo.Store(shell)

	require.NoError(t, sweeper.ReapStaleSubmissions())

	for _, id := range []string{"submission-1", "submission-2"} {
		stored, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, stored.Processed, "in flight submission %s must survive the sweep", id)
	}
}

func TestSweep_IgnoresAlreadyProcessedSubmissions(t *testing.T) {
	sweeper, _, repo := setUpSweeper(t)
	s := testSubmission("submission-1")
	s.State = "Submitted!"
	s.Processed = true
	s.LastUpdated = testNow.Add(-3 * time.Hour)
	repo.Store(s)

	require.NoError(t, sweeper.ReapStaleSubmissions())

	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, "Submitted!", stored.State)
}

func TestSweep_ResubmitsSubmissionsThatNeverGotAJob(t *testing.T) {
	sweeper, cluster, repo := setUpSweeper(t)
	repo.Store(testSubmission("submission-1"))

	require.NoError(t, sweeper.ResubmitUnlaunchedSubmissions())

	assert.Len(t, cluster.Jobs, 1, "the orphan goes straight back through the launcher")
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, submission.StateInitializing, stored.State)
	assert.True(t, stored.HasSubRecords())
}

func TestSweep_DoesNotResubmitSubmissionsWithSubRecords(t *testing.T) {
	sweeper, cluster, repo := setUpSweeper(t)
	repo.Store(testSubmission("submission-1"))
	require.NoError(t, repo.InitializeSubRecords(context.Background(), "submission-1"))

	require.NoError(t, sweeper.ResubmitUnlaunchedSubmissions())

	assert.Empty(t, cluster.Jobs)
}

func setUpSweeper(t *testing.T) (*SubmissionSweepService, *fake.SyncFakeClusterContext, *submission.InMemoryRepository) {
	cluster := fake.NewSyncFakeClusterContext()
	repo := submission.NewInMemoryRepository()
	config := &configuration.PipelineConfiguration{
		Image:                "registry.example.com/gradepipe/pipeline:latest",
		ApiUrl:               "http://gradepipe:5000",
		GitCredentialsSecret: "git-creds",
		ServiceAccountName:   "submission-pipeline-worker",
		MaxActiveJobs:        10,
		CpuLimit:             "2",
		MemoryLimit:          "500Mi",
	}
	jobLauncher := launcher.NewJobLauncher(cluster, admission.NewController(cluster, 10), repo, &noopEnqueuer{}, config)
	sweeper := NewSubmissionSweepService(repo, jobLauncher, time.Hour)
	sweeper.clock = clocktesting.NewFakePassiveClock(testNow)
	return sweeper, cluster, repo
}

type noopEnqueuer struct{}

func (e *noopEnqueuer) EnqueueAutogradePipeline(submissionId string) error { return nil }

func testSubmission(id string) *submission.Submission {
	return &submission.Submission{
		ID:            id,
		OwnerUsername: "alice",
		AssignmentID:  "assignment-1",
		TestNames:     []string{"test one", "test two"},
		CommitHash:    "abc123",
		RepoURL:       "https://git.example.com/alice/assignment-1",
		Token:         "token-" + id,
		State:         submission.StateWaitingForResources,
		LastUpdated:   testNow.Add(-time.Minute),
	}
}
