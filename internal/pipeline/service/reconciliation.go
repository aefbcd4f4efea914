package service

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/utils/clock"

	clusterContext "github.com/gradepipe/gradepipe/internal/pipeline/context"
	"github.com/gradepipe/gradepipe/internal/pipeline/domain"
	"github.com/gradepipe/gradepipe/internal/pipeline/lock"
	"github.com/gradepipe/gradepipe/internal/pipeline/metrics"
	"github.com/gradepipe/gradepipe/internal/submission"
)

// LogUnavailablePlaceholder is persisted when no Succeeded pod can be found
// at harvest time, e.g. the pod was already evicted.
const LogUnavailablePlaceholder = "Pipeline logs were not available for this run."

// ReconciliationService is the continuously running reaper. Every pass it
// lists all labeled jobs once, then for each job takes the submission's
// distributed lock and either harvests and deletes it (finished or past the
// age limit) or leaves it alone. Several instances may run concurrently; the
// lock is the only thing preventing double harvesting.
type ReconciliationService struct {
	clusterContext clusterContext.ClusterContext
	locks          *lock.PipelineLockFactory
	submissions    submission.Repository
	jobTimeout     time.Duration
	clock          clock.PassiveClock
}

func NewReconciliationService(
	clusterContext clusterContext.ClusterContext,
	locks *lock.PipelineLockFactory,
	submissions submission.Repository,
	jobTimeout time.Duration,
) *ReconciliationService {
	return &ReconciliationService{
		clusterContext: clusterContext,
		locks:          locks,
		submissions:    submissions,
		jobTimeout:     jobTimeout,
		clock:          clock.RealClock{},
	}
}

func (s *ReconciliationService) ReconcilePipelineJobs() {
	jobs, err := s.clusterContext.GetActivePipelineJobs()
	if err != nil {
		log.WithError(err).Error("Skipping reconciliation pass due to an error while listing pipeline jobs")
		return
	}

	for _, job := range jobs {
		s.reconcileJob(job)
	}
}

func (s *ReconciliationService) reconcileJob(job *batchv1.Job) {
	submissionId, ok := domain.ExtractSubmissionId(job.Labels)
	if !ok {
		// Untracked job. Its own TTL cleans it up.
		log.Debugf("Skipping job %s with no submission id label", job.Name)
		return
	}

	jobLock, acquired, err := s.locks.TryLock(submissionId)
	if err != nil {
		log.Errorf("Failed to acquire lock for submission %s because %s", submissionId, err)
		return
	}
	if !acquired {
		// A sibling pass owns this submission. Reconsider next pass.
		return
	}
	defer func() {
		if err := jobLock.Release(); err != nil {
			log.Warnf("Failed to release lock for submission %s: %s", submissionId, err)
		}
	}()

	succeeded := job.Status.Succeeded >= 1
	age := s.clock.Now().UTC().Sub(job.CreationTimestamp.Time.UTC())
	if !succeeded && age <= s.jobTimeout {
		return
	}

	reason := "succeeded"
	if !succeeded {
		reason = "timeout"
		log.Warnf("Job %s for submission %s exceeded the %s timeout, reaping regardless of status", job.Name, submissionId, s.jobTimeout)
	}
	s.harvestAndDelete(job, submissionId, reason)
}

// harvestAndDelete captures the job's log best effort, deletes the job and
// persists the log. Leaving a finished or timed out job around is worse than
// losing its log, so log retrieval failures never block deletion.
func (s *ReconciliationService) harvestAndDelete(job *batchv1.Job, submissionId string, reason string) {
	pipelineLog, err := s.clusterContext.GetSucceededJobLogs(job)
	if err != nil {
		pipelineLog = LogUnavailablePlaceholder
		metrics.LogHarvestFailures.Inc()
	}

	if err := s.clusterContext.DeleteJob(job); err != nil {
		if !k8s_errors.IsNotFound(err) {
			log.Errorf("Failed to delete job %s for submission %s because %s", job.Name, submissionId, err)
			return
		}
		// Already deleted, e.g. by a pass that raced us before locking. The
		// harvest is idempotent so just fall through.
	}

	if err := s.submissions.SetPipelineLog(context.Background(), submissionId, pipelineLog); err != nil {
		log.Errorf("Failed to persist pipeline log for submission %s because %s", submissionId, err)
	}
	metrics.JobsReaped.WithLabelValues(reason).Inc()
}
