package submission

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository is a map backed Repository used by tests and local
// development. Reads return copies so callers cannot mutate stored state.
type InMemoryRepository struct {
	mutex       sync.Mutex
	submissions map[string]*Submission

	// Now is swappable so tests can control last_updated stamps.
	Now func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		submissions: map[string]*Submission{},
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemoryRepository) Store(s *Submission) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.submissions[s.ID] = copySubmission(s)
}

func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Submission, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	stored, ok := r.submissions[id]
	if !ok {
		return nil, &ErrSubmissionNotFound{SubmissionId: id}
	}
	return copySubmission(stored), nil
}

func (r *InMemoryRepository) SetState(ctx context.Context, id string, state string, processed *bool) error {
	return r.update(id, func(s *Submission) error {
		s.State = state
		if processed != nil {
			s.Processed = *processed
		}
		return nil
	})
}

func (r *InMemoryRepository) SetPipelineLog(ctx context.Context, id string, log string) error {
	return r.update(id, func(s *Submission) error {
		s.PipelineLog = TruncatePipelineLog(log)
		return nil
	})
}

func (r *InMemoryRepository) SetBuildResult(ctx context.Context, id string, stdout string, passed bool) error {
	return r.update(id, func(s *Submission) error {
		result := passed
		s.Build = &BuildResult{Stdout: stdout, Passed: &result}
		return nil
	})
}

func (r *InMemoryRepository) SetTestResult(ctx context.Context, id string, testName string, passed bool, message string, stdout string) error {
	return r.update(id, func(s *Submission) error {
		test := s.TestByName(testName)
		if test == nil {
			return &ErrUnknownTest{SubmissionId: id, TestName: testName}
		}
		result := passed
		test.Passed = &result
		test.Message = message
		test.Stdout = stdout
		return nil
	})
}

func (r *InMemoryRepository) InitializeSubRecords(ctx context.Context, id string) error {
	return r.update(id, func(s *Submission) error {
		if s.Build == nil {
			s.Build = &BuildResult{}
		}
		for _, name := range s.TestNames {
			if s.TestByName(name) == nil {
				s.Tests = append(s.Tests, &TestResult{Name: name})
			}
		}
		return nil
	})
}

func (r *InMemoryRepository) ResetForRegrade(ctx context.Context, id string) error {
	return r.update(id, func(s *Submission) error {
		s.Build = &BuildResult{}
		for i, t := range s.Tests {
			s.Tests[i] = &TestResult{Name: t.Name}
		}
		s.State = StateRegrading
		s.Processed = false
		return nil
	})
}

func (r *InMemoryRepository) FindStale(ctx context.Context, cutoff time.Time, excludeStates []string) ([]*Submission, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	excluded := map[string]bool{}
	for _, state := range excludeStates {
		excluded[state] = true
	}
	stale := []*Submission{}
	for _, s := range r.submissions {
		if !s.Processed && !excluded[s.State] && s.LastUpdated.Before(cutoff) {
			stale = append(stale, copySubmission(s))
		}
	}
	return stale, nil
}

func (r *InMemoryRepository) FindUnlaunched(ctx context.Context) ([]*Submission, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	unlaunched := []*Submission{}
	for _, s := range r.submissions {
		if !s.HasSubRecords() {
			unlaunched = append(unlaunched, copySubmission(s))
		}
	}
	return unlaunched, nil
}

func (r *InMemoryRepository) update(id string, mutate func(*Submission) error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	stored, ok := r.submissions[id]
	if !ok {
		return &ErrSubmissionNotFound{SubmissionId: id}
	}
	if err := mutate(stored); err != nil {
		return err
	}
	stored.LastUpdated = r.Now()
	return nil
}

func copySubmission(s *Submission) *Submission {
	copied := *s
	if s.Build != nil {
		build := *s.Build
		copied.Build = &build
	}
	copied.TestNames = append([]string{}, s.TestNames...)
	copied.Tests = make([]*TestResult, 0, len(s.Tests))
	for _, t := range s.Tests {
		test := *t
		copied.Tests = append(copied.Tests, &test)
	}
	return &copied
}
