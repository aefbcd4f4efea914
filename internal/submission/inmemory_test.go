package submission

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetByID_UnknownSubmissionReturnsTypedError(t *testing.T) {
	repo := NewInMemoryRepository()

	_, err := repo.GetByID(context.Background(), "no-such-submission")

	var notFound *ErrSubmissionNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "no-such-submission", notFound.SubmissionId)
}

func TestGetByID_ReturnsACopy(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.Store(storedSubmission("submission-1"))

	first, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	first.State = "mutated by caller"
	first.TestNames[0] = "mutated test"

	second, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, StateWaitingForResources, second.State)
	assert.Equal(t, "test one", second.TestNames[0])
}

func TestSetState_BumpsLastUpdated(t *testing.T) {
	repo := NewInMemoryRepository()
	updateTime := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.Now = func() time.Time { return updateTime }
	repo.Store(storedSubmission("submission-1"))

	require.NoError(t, repo.SetState(context.Background(), "submission-1", "Compiling", nil))

	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, "Compiling", stored.State)
	assert.Equal(t, updateTime, stored.LastUpdated)
	assert.False(t, stored.Processed, "nil processed leaves the flag untouched")
}

func TestSetPipelineLog_TruncatesToTail(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.Store(storedSubmission("submission-1"))
	oversized := strings.Repeat("x", MaxPipelineLogBytes) + "tail"

	require.NoError(t, repo.SetPipelineLog(context.Background(), "submission-1", oversized))

	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Len(t, stored.PipelineLog, MaxPipelineLogBytes)
	assert.True(t, strings.HasSuffix(stored.PipelineLog, "tail"), "the most recent output must survive truncation")
}

func TestSetTestResult_UnknownTestReturnsTypedError(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.Store(storedSubmission("submission-1"))
	require.NoError(t, repo.InitializeSubRecords(context.Background(), "submission-1"))

	err := repo.SetTestResult(context.Background(), "submission-1", "no such test", true, "", "")

	var unknownTest *ErrUnknownTest
	require.ErrorAs(t, err, &unknownTest)
	assert.Equal(t, "no such test", unknownTest.TestName)
}

func TestInitializeSubRecords_IsIdempotent(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.Store(storedSubmission("submission-1"))

	require.NoError(t, repo.InitializeSubRecords(context.Background(), "submission-1"))
	require.NoError(t, repo.SetTestResult(context.Background(), "submission-1", "test one", true, "all good", ""))
	require.NoError(t, repo.InitializeSubRecords(context.Background(), "submission-1"))

	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Len(t, stored.Tests, 2)
	result := stored.TestByName("test one")
	require.NotNil(t, result)
	require.NotNil(t, result.Passed, "re-initialization must not clobber recorded results")
}

func TestResetForRegrade_ClearsResultsAndState(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.Store(storedSubmission("submission-1"))
	require.NoError(t, repo.InitializeSubRecords(context.Background(), "submission-1"))
	require.NoError(t, repo.SetBuildResult(context.Background(), "submission-1", "built", true))
	require.NoError(t, repo.SetTestResult(context.Background(), "submission-1", "test one", false, "2/5 cases", "output"))
	processed := true
	require.NoError(t, repo.SetState(context.Background(), "submission-1", "Submitted!", &processed))

	require.NoError(t, repo.ResetForRegrade(context.Background(), "submission-1"))

	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, StateRegrading, stored.State)
	assert.False(t, stored.Processed)
	assert.Nil(t, stored.Build.Passed)
	result := stored.TestByName("test one")
	require.NotNil(t, result)
	assert.Nil(t, result.Passed)
	assert.Empty(t, result.Message)
}

func TestFindStale_FiltersByAgeStateAndProcessed(t *testing.T) {
	repo := NewInMemoryRepository()
	cutoff := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

	old := storedSubmission("submission-old")
	old.LastUpdated = cutoff.Add(-time.Minute)
	repo.Store(old)

	fresh := storedSubmission("submission-fresh")
	fresh.LastUpdated = cutoff.Add(time.Minute)
	repo.Store(fresh)

	done := storedSubmission("submission-done")
	done.LastUpdated = cutoff.Add(-time.Minute)
	done.Processed = true
	repo.Store(done)

	regrading := storedSubmission("submission-regrading")
	regrading.LastUpdated = cutoff.Add(-time.Minute)
	regrading.State = StateRegrading
	repo.Store(regrading)

	stale, err := repo.FindStale(context.Background(), cutoff, []string{StateRegrading})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "submission-old", stale[0].ID)
}

func TestFindUnlaunched_ReturnsSubmissionsWithoutSubRecords(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.Store(storedSubmission("submission-orphan"))
	repo.Store(storedSubmission("submission-launched"))
	require.NoError(t, repo.InitializeSubRecords(context.Background(), "submission-launched"))

	unlaunched, err := repo.FindUnlaunched(context.Background())
	require.NoError(t, err)
	require.Len(t, unlaunched, 1)
	assert.Equal(t, "submission-orphan", unlaunched[0].ID)
}

func storedSubmission(id string) *Submission {
	return &Submission{
		ID:            id,
		OwnerUsername: "alice",
		AssignmentID:  "assignment-1",
		TestNames:     []string{"test one", "test two"},
		Token:         "token-" + id,
		State:         StateWaitingForResources,
		LastUpdated:   time.Now().UTC(),
	}
}
