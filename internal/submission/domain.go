package submission

import (
	"time"
)

// Human readable states surfaced to students. These are free text in the
// database but the scheduler only ever writes the values below.
const (
	StateWaitingForResources = "Waiting for resources..."
	StateInitializing        = "Initializing Pipeline"
	StateBuildFailed         = "Build did not succeed"
	StateRegrading           = "regrading"
	StateReapedAfterTimeout  = "Reaped after timeout"
	StateShellSessionActive  = "Shell session active"
	StatePanicked            = "Whoops! There was an error on our end. The admins have been notified."
)

// MaxPipelineLogBytes caps the captured pipeline log. Last write wins.
const MaxPipelineLogBytes = 65535

type Submission struct {
	ID             string
	OwnerID        string
	OwnerUsername  string
	AssignmentID   string
	AssignmentName string
	// TestNames holds the tests configured for the assignment. Sub-records are
	// created for exactly this set, and report-test callbacks must name one of
	// them.
	TestNames   []string
	CommitHash  string
	RepoURL     string
	Token       string
	State       string
	Processed   bool
	LastUpdated time.Time
	PipelineLog string
	Build       *BuildResult
	Tests       []*TestResult
}

// BuildResult is the sub-record for the build stage. Passed is nil until the
// job reports the build outcome.
type BuildResult struct {
	Stdout string
	Passed *bool
}

// TestResult is the sub-record for one configured test.
type TestResult struct {
	Name    string
	Passed  *bool
	Message string
	Stdout  string
}

// HasSubRecords reports whether the submission was ever fully set up for a
// pipeline run. A submission without a build sub-record was created but never
// launched.
func (s *Submission) HasSubRecords() bool {
	return s.Build != nil
}

// TestByName returns the sub-record for the named test, or nil if the
// assignment has no such test.
func (s *Submission) TestByName(name string) *TestResult {
	for _, t := range s.Tests {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// TruncatePipelineLog bounds a harvested log to MaxPipelineLogBytes, keeping
// the tail since the most recent output is the useful part.
func TruncatePipelineLog(log string) string {
	if len(log) <= MaxPipelineLogBytes {
		return log
	}
	return log[len(log)-MaxPipelineLogBytes:]
}
