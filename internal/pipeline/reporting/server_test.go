package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradepipe/gradepipe/internal/pipeline/queue"
	"github.com/gradepipe/gradepipe/internal/submission"
)

func TestReport_RejectsMissingToken(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	response := post(server, "/pipeline/report/state/submission-1", "", stateBody("Compiling", nil))

	assert.Equal(t, http.StatusNotAcceptable, response.Code)
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, submission.StateInitializing, stored.State, "rejected reports must not mutate the submission")
}

func TestReport_RejectsWrongToken(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	response := post(server, "/pipeline/report/state/submission-1", "wrong-token", stateBody("Compiling", nil))

	assert.Equal(t, http.StatusNotAcceptable, response.Code)
}

func TestReport_UnknownSubmissionLooksLikeWrongToken(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	missing := post(server, "/pipeline/report/state/no-such-submission", "token-submission-1", stateBody("Compiling", nil))
	mismatched := post(server, "/pipeline/report/state/submission-1", "wrong-token", stateBody("Compiling", nil))

	assert.Equal(t, http.StatusNotAcceptable, missing.Code)
	assert.JSONEq(t, mismatched.Body.String(), missing.Body.String(), "probing for valid submission ids must not be possible")
}

func TestReportBuild_RecordsPassingBuild(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	response := post(server, "/pipeline/report/build/submission-1", "token-submission-1",
		`{"stdout": "compiled ok", "passed": true}`)

	require.Equal(t, http.StatusOK, response.Code)
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Build)
	assert.Equal(t, "compiled ok", stored.Build.Stdout)
	require.NotNil(t, stored.Build.Passed)
	assert.True(t, *stored.Build.Passed)
	assert.Equal(t, submission.StateInitializing, stored.State, "a passing build must not change the state")
}

func TestReportBuild_FailedBuildTerminatesSubmission(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	response := post(server, "/pipeline/report/build/submission-1", "token-submission-1",
		`{"stdout": "compile error", "passed": false}`)

	require.Equal(t, http.StatusOK, response.Code)
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, submission.StateBuildFailed, stored.State)
	assert.True(t, stored.Processed, "a failed build is terminal")
}

func TestReportTest_RecordsResult(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))
	require.NoError(t, repo.InitializeSubRecords(context.Background(), "submission-1"))

	response := post(server, "/pipeline/report/test/submission-1", "token-submission-1",
		`{"test_name": "test one", "passed": true, "message": "5/5 cases", "stdout": "ran fine"}`)

	require.Equal(t, http.StatusOK, response.Code)
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	result := stored.TestByName("test one")
	require.NotNil(t, result)
	require.NotNil(t, result.Passed)
	assert.True(t, *result.Passed)
	assert.Equal(t, "5/5 cases", result.Message)
}

func TestReportTest_UnknownTestNameIsRejected(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))
	require.NoError(t, repo.InitializeSubRecords(context.Background(), "submission-1"))

	response := post(server, "/pipeline/report/test/submission-1", "token-submission-1",
		`{"test_name": "no such test", "passed": true}`)

	assert.Equal(t, http.StatusNotAcceptable, response.Code)
}

func TestReportState_UpdatesStateWithoutProcessed(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	response := post(server, "/pipeline/report/state/submission-1", "token-submission-1", stateBody("Running test one", nil))

	require.Equal(t, http.StatusOK, response.Code)
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, "Running test one", stored.State)
	assert.False(t, stored.Processed)
}

func TestReportState_ProcessedOverrideIsHonored(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))
	processed := true

	response := post(server, "/pipeline/report/state/submission-1", "token-submission-1", stateBody("Submitted!", &processed))

	require.Equal(t, http.StatusOK, response.Code)
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, "Submitted!", stored.State)
	assert.True(t, stored.Processed)
}

func TestReportPanic_HidesInternalErrorAndAlertsAdmins(t *testing.T) {
	server, repo, notifier := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	response := post(server, "/pipeline/report/panic/submission-1", "token-submission-1",
		`{"message": "grader crashed", "traceback": "stack trace here"}`)

	require.Equal(t, http.StatusOK, response.Code)
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, submission.StatePanicked, stored.State, "students see the apology, never the traceback")
	assert.True(t, stored.Processed)

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, "submission-1", notifier.alerts[0].SubmissionId)
	assert.Equal(t, "grader crashed", notifier.alerts[0].Message)
	assert.Equal(t, "stack trace here", notifier.alerts[0].Traceback)
}

func TestReportError_IsAcknowledgedWithoutEffect(t *testing.T) {
	server, repo, notifier := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	response := post(server, "/pipeline/report/error/submission-1", "token-submission-1", `{"message": "ignored"}`)

	require.Equal(t, http.StatusOK, response.Code)
	stored, err := repo.GetByID(context.Background(), "submission-1")
	require.NoError(t, err)
	assert.Equal(t, submission.StateInitializing, stored.State)
	assert.Empty(t, notifier.alerts)
}

func TestReport_MalformedBodyIsBadRequest(t *testing.T) {
	server, repo, _ := setUpReportServer(t)
	repo.Store(testSubmission("submission-1"))

	response := post(server, "/pipeline/report/build/submission-1", "token-submission-1", `{"stdout": `)

	assert.Equal(t, http.StatusBadRequest, response.Code)
}

type recordingNotifier struct {
	alerts []queue.PanicAlert
}

func (n *recordingNotifier) PublishPanicAlert(alert queue.PanicAlert) error {
	n.alerts = append(n.alerts, alert)
	return nil
}

func setUpReportServer(t *testing.T) (chi.Router, *submission.InMemoryRepository, *recordingNotifier) {
	repo := submission.NewInMemoryRepository()
	notifier := &recordingNotifier{}
	router := chi.NewRouter()
	NewReportServer(repo, notifier).Routes(router)
	return router, repo, notifier
}

func post(router chi.Router, path string, token string, body string) *httptest.ResponseRecorder {
	url := path
	if token != "" {
		url = fmt.Sprintf("%s?token=%s", path, token)
	}
	request := httptest.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)
	return response
}

func stateBody(state string, processed *bool) string {
	report := stateReport{State: state, Processed: processed}
	encoded, err := json.Marshal(report)
	if err != nil {
		panic(err)
	}
	return string(encoded)
}

func testSubmission(id string) *submission.Submission {
	return &submission.Submission{
		ID:            id,
		OwnerUsername: "alice",
		AssignmentID:  "assignment-1",
		TestNames:     []string{"test one", "test two"},
		Token:         "token-" + id,
		State:         submission.StateInitializing,
		LastUpdated:   time.Now().UTC(),
	}
}
