package service

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/gradepipe/gradepipe/internal/pipeline/launcher"
	"github.com/gradepipe/gradepipe/internal/pipeline/metrics"
	"github.com/gradepipe/gradepipe/internal/submission"
)

// States that mean a submission is deliberately in flight and must not be
// force reaped even when its record looks old.
var sweepExcludedStates = []string{
	submission.StateRegrading,
	submission.StateShellSessionActive,
}

// SubmissionSweepService runs the coarse, infrequent backstop sweeps against
// the submission store directly, catching anything the per second reaper
// never saw: submissions whose job vanished silently, and submissions that
// never got a job at all.
type SubmissionSweepService struct {
	submissions submission.Repository
	launcher    *launcher.JobLauncher
	staleAge    time.Duration
	clock       clock.PassiveClock
}

func NewSubmissionSweepService(
	submissions submission.Repository,
	launcher *launcher.JobLauncher,
	staleAge time.Duration,
) *SubmissionSweepService {
	return &SubmissionSweepService{
		submissions: submissions,
		launcher:    launcher,
		staleAge:    staleAge,
		clock:       clock.RealClock{},
	}
}

func (s *SubmissionSweepService) SweepSubmissions() {
	if err := s.ReapStaleSubmissions(); err != nil {
		log.Errorf("Staleness sweep finished with errors: %s", err)
	}
	if err := s.ResubmitUnlaunchedSubmissions(); err != nil {
		log.Errorf("Orphan sweep finished with errors: %s", err)
	}
}

// ReapStaleSubmissions force processes unprocessed submissions that have not
// been updated within the stale age and are not mid regrade or holding a
// shell session.
func (s *SubmissionSweepService) ReapStaleSubmissions() error {
	cutoff := s.clock.Now().UTC().Add(-s.staleAge)
	stale, err := s.submissions.FindStale(context.Background(), cutoff, sweepExcludedStates)
	if err != nil {
		return err
	}

	var result *multierror.Error
	processed := true
	for _, sub := range stale {
		err := s.submissions.SetState(context.Background(), sub.ID, submission.StateReapedAfterTimeout, &processed)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		log.Warnf("Reaped stale submission %s, last updated %s", sub.ID, sub.LastUpdated)
		metrics.SubmissionsReapedStale.Inc()
	}
	return result.ErrorOrNil()
}

// ResubmitUnlaunchedSubmissions re-admits submissions that exist in the store
// without any build sub-record, i.e. a crash happened between record creation
// and job launch.
func (s *SubmissionSweepService) ResubmitUnlaunchedSubmissions() error {
	unlaunched, err := s.submissions.FindUnlaunched(context.Background())
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, sub := range unlaunched {
		if err := s.launcher.Launch(context.Background(), sub.ID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		log.Infof("Resubmitted submission %s which never got a pipeline job", sub.ID)
		metrics.SubmissionsResubmitted.Inc()
	}
	return result.ErrorOrNil()
}
