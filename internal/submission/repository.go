package submission

import (
	"context"
	"fmt"
	"time"
)

type ErrSubmissionNotFound struct {
	SubmissionId string
}

func (err *ErrSubmissionNotFound) Error() string {
	return fmt.Sprintf("could not find submission %q", err.SubmissionId)
}

type ErrUnknownTest struct {
	SubmissionId string
	TestName     string
}

func (err *ErrUnknownTest) Error() string {
	return fmt.Sprintf("submission %s has no test named %q", err.SubmissionId, err.TestName)
}

// Repository is the narrow CRUD surface the scheduler needs from the
// relational store. Every mutation commits its own field set and bumps
// last_updated; callers accept last-writer-wins semantics.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Submission, error)

	// SetState updates the human readable state and, when processed is
	// non-nil, the processed flag.
	SetState(ctx context.Context, id string, state string, processed *bool) error
	SetPipelineLog(ctx context.Context, id string, log string) error
	SetBuildResult(ctx context.Context, id string, stdout string, passed bool) error
	// SetTestResult rejects with ErrUnknownTest if the named test has no
	// pre-created sub-record.
	SetTestResult(ctx context.Context, id string, testName string, passed bool, message string, stdout string) error

	// InitializeSubRecords creates the build placeholder and one placeholder
	// per configured test. Idempotent: existing sub-records are left alone.
	InitializeSubRecords(ctx context.Context, id string) error
	// ResetForRegrade clears all sub-record pass/fail data and marks the
	// submission as regrading with processed=false.
	ResetForRegrade(ctx context.Context, id string) error

	// FindStale returns unprocessed submissions last updated before cutoff,
	// excluding any whose state is in excludeStates.
	FindStale(ctx context.Context, cutoff time.Time, excludeStates []string) ([]*Submission, error)
	// FindUnlaunched returns submissions that never got their sub-records
	// created, i.e. were created in the store but never launched.
	FindUnlaunched(ctx context.Context) ([]*Submission, error)
}
