package launcher

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/gradepipe/gradepipe/internal/pipeline/admission"
	"github.com/gradepipe/gradepipe/internal/pipeline/configuration"
	clusterContext "github.com/gradepipe/gradepipe/internal/pipeline/context"
	"github.com/gradepipe/gradepipe/internal/pipeline/job"
	"github.com/gradepipe/gradepipe/internal/submission"
)

// Enqueuer is the at-least-once launch request primitive. Deferred launches
// go back through it rather than being dropped.
type Enqueuer interface {
	EnqueueAutogradePipeline(submissionId string) error
}

// JobLauncher turns a queued launch request into a running cluster job. Launch
// is idempotent overall: admission is re-checked, the submission re-fetched
// and sub-record initialization skips existing records, so the outer queue may
// retry or duplicate invocations safely.
type JobLauncher struct {
	clusterContext      clusterContext.ClusterContext
	admissionController *admission.Controller
	submissions         submission.Repository
	enqueuer            Enqueuer
	pipelineConfig      *configuration.PipelineConfiguration
	clock               clock.PassiveClock
}

func NewJobLauncher(
	clusterContext clusterContext.ClusterContext,
	admissionController *admission.Controller,
	submissions submission.Repository,
	enqueuer Enqueuer,
	pipelineConfig *configuration.PipelineConfiguration,
) *JobLauncher {
	return &JobLauncher{
		clusterContext:      clusterContext,
		admissionController: admissionController,
		submissions:         submissions,
		enqueuer:            enqueuer,
		pipelineConfig:      pipelineConfig,
		clock:               clock.RealClock{},
	}
}

func (l *JobLauncher) Launch(ctx context.Context, submissionId string) error {
	decision, err := l.admissionController.Admit()
	if err != nil {
		return err
	}
	if decision == admission.Defer {
		return l.enqueuer.EnqueueAutogradePipeline(submissionId)
	}

	sub, err := l.submissions.GetByID(ctx, submissionId)
	var notFound *submission.ErrSubmissionNotFound
	if errors.As(err, &notFound) {
		// The id is meaningless, retrying cannot help.
		log.Errorf("Dropping launch request for unknown submission %s", submissionId)
		return nil
	} else if err != nil {
		return err
	}

	if !sub.HasSubRecords() {
		if err := l.submissions.InitializeSubRecords(ctx, submissionId); err != nil {
			return err
		}
		sub, err = l.submissions.GetByID(ctx, submissionId)
		if err != nil {
			return err
		}
	}

	processed := false
	if err := l.submissions.SetState(ctx, submissionId, submission.StateInitializing, &processed); err != nil {
		return err
	}

	descriptor := job.BuildPipelineJob(sub, l.pipelineConfig, l.clock.Now())
	// Cluster submit failures propagate so the queue layer retries them.
	_, err = l.clusterContext.SubmitJob(descriptor)
	return err
}

// Regrade resets a submission's results and re-admits it through the launch
// queue.
func (l *JobLauncher) Regrade(ctx context.Context, submissionId string) error {
	if err := l.submissions.ResetForRegrade(ctx, submissionId); err != nil {
		return err
	}
	return l.enqueuer.EnqueueAutogradePipeline(submissionId)
}
