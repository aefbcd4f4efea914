package reporting

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/gradepipe/gradepipe/internal/pipeline/queue"
	"github.com/gradepipe/gradepipe/internal/submission"
)

// PanicNotifier is the administrator side channel for grading panics.
type PanicNotifier interface {
	PublishPanicAlert(alert queue.PanicAlert) error
}

// ReportServer is the narrow HTTP surface running jobs call back into. Every
// route is token gated per submission; see Authenticate.
type ReportServer struct {
	submissions submission.Repository
	notifier    PanicNotifier
}

func NewReportServer(submissions submission.Repository, notifier PanicNotifier) *ReportServer {
	return &ReportServer{submissions: submissions, notifier: notifier}
}

func (s *ReportServer) Routes(router chi.Router) {
	router.Post("/pipeline/report/build/{submission}", s.reportBuild)
	router.Post("/pipeline/report/test/{submission}", s.reportTest)
	router.Post("/pipeline/report/state/{submission}", s.reportState)
	router.Post("/pipeline/report/panic/{submission}", s.reportPanic)
	router.Post("/pipeline/report/error/{submission}", s.reportError)
}

type envelope struct {
	Success bool        `json:"success"`
	Error   *string     `json:"error"`
	Data    interface{} `json:"data"`
}

type buildReport struct {
	Stdout string `json:"stdout"`
	Passed bool   `json:"passed"`
}

func (s *ReportServer) reportBuild(w http.ResponseWriter, r *http.Request) {
	sub := s.authenticate(w, r)
	if sub == nil {
		return
	}

	var report buildReport
	if !decode(w, r, &report) {
		return
	}

	if err := s.submissions.SetBuildResult(r.Context(), sub.ID, report.Stdout, report.Passed); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record build result")
		log.Errorf("Failed to record build result for submission %s: %s", sub.ID, err)
		return
	}
	if !report.Passed {
		processed := true
		if err := s.submissions.SetState(r.Context(), sub.ID, submission.StateBuildFailed, &processed); err != nil {
			log.Errorf("Failed to mark submission %s build failed: %s", sub.ID, err)
		}
	}
	writeSuccess(w, nil)
}

type testReport struct {
	TestName string `json:"test_name"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
	Stdout   string `json:"stdout"`
}

func (s *ReportServer) reportTest(w http.ResponseWriter, r *http.Request) {
	sub := s.authenticate(w, r)
	if sub == nil {
		return
	}

	var report testReport
	if !decode(w, r, &report) {
		return
	}

	err := s.submissions.SetTestResult(r.Context(), sub.ID, report.TestName, report.Passed, report.Message, report.Stdout)
	var unknownTest *submission.ErrUnknownTest
	if errors.As(err, &unknownTest) {
		writeError(w, http.StatusNotAcceptable, unknownTest.Error())
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record test result")
		log.Errorf("Failed to record test result for submission %s: %s", sub.ID, err)
		return
	}
	writeSuccess(w, nil)
}

type stateReport struct {
	State     string `json:"state"`
	Processed *bool  `json:"processed,omitempty"`
}

func (s *ReportServer) reportState(w http.ResponseWriter, r *http.Request) {
	sub := s.authenticate(w, r)
	if sub == nil {
		return
	}

	var report stateReport
	if !decode(w, r, &report) {
		return
	}

	if err := s.submissions.SetState(r.Context(), sub.ID, report.State, report.Processed); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record state")
		log.Errorf("Failed to record state for submission %s: %s", sub.ID, err)
		return
	}
	writeSuccess(w, nil)
}

type panicReport struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// reportPanic handles internal grading failures, as opposed to failed builds
// or tests. The submission terminates with a fixed apology state, never the
// internal error, and administrators are notified out of band.
func (s *ReportServer) reportPanic(w http.ResponseWriter, r *http.Request) {
	sub := s.authenticate(w, r)
	if sub == nil {
		return
	}

	var report panicReport
	if !decode(w, r, &report) {
		return
	}

	processed := true
	if err := s.submissions.SetState(r.Context(), sub.ID, submission.StatePanicked, &processed); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record panic")
		log.Errorf("Failed to record panic for submission %s: %s", sub.ID, err)
		return
	}

	if err := s.notifier.PublishPanicAlert(queue.PanicAlert{
		SubmissionId: sub.ID,
		Message:      report.Message,
		Traceback:    report.Traceback,
	}); err != nil {
		log.Errorf("Failed to publish panic alert for submission %s: %s", sub.ID, err)
	}
	writeSuccess(w, nil)
}

// reportError is accepted for protocol completeness but is a no-op terminal
// acknowledgment.
func (s *ReportServer) reportError(w http.ResponseWriter, r *http.Request) {
	sub := s.authenticate(w, r)
	if sub == nil {
		return
	}
	writeSuccess(w, nil)
}

func (s *ReportServer) authenticate(w http.ResponseWriter, r *http.Request) *submission.Submission {
	submissionId := chi.URLParam(r, "submission")
	token := r.URL.Query().Get("token")
	sub, rejection := Authenticate(r.Context(), s.submissions, submissionId, token)
	if rejection != nil {
		writeError(w, rejection.StatusCode, rejection.Reason)
		return nil
	}
	return sub
}

func decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeEnvelope(w, status, envelope{Success: false, Error: &reason})
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to write report response: %s", err)
	}
}
