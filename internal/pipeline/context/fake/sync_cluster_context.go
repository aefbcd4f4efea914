package fake

import (
	"github.com/pkg/errors"
	batchv1 "k8s.io/api/batch/v1"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// SyncFakeClusterContext is a map backed ClusterContext for tests. All calls
// complete synchronously and reads return deep copies.
type SyncFakeClusterContext struct {
	Jobs map[string]*batchv1.Job
	// PodLogs maps job name to the log a Succeeded pod would return. Jobs
	// absent from the map behave as if no Succeeded pod exists.
	PodLogs map[string]string

	SubmitError error
	ListError   error
	DeleteError error
}

func NewSyncFakeClusterContext() *SyncFakeClusterContext {
	return &SyncFakeClusterContext{
		Jobs:    map[string]*batchv1.Job{},
		PodLogs: map[string]string{},
	}
}

func (*SyncFakeClusterContext) Stop() {}

func (c *SyncFakeClusterContext) GetActivePipelineJobs() ([]*batchv1.Job, error) {
	if c.ListError != nil {
		return nil, c.ListError
	}
	jobs := make([]*batchv1.Job, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		jobs = append(jobs, j.DeepCopy())
	}
	return jobs, nil
}

func (c *SyncFakeClusterContext) SubmitJob(job *batchv1.Job) (*batchv1.Job, error) {
	if c.SubmitError != nil {
		return nil, c.SubmitError
	}
	c.Jobs[job.Name] = job.DeepCopy()
	return job, nil
}

func (c *SyncFakeClusterContext) DeleteJob(job *batchv1.Job) error {
	if c.DeleteError != nil {
		return c.DeleteError
	}
	if _, ok := c.Jobs[job.Name]; !ok {
		return k8s_errors.NewNotFound(schema.GroupResource{Group: "batch", Resource: "jobs"}, job.Name)
	}
	delete(c.Jobs, job.Name)
	return nil
}

func (c *SyncFakeClusterContext) GetSucceededJobLogs(job *batchv1.Job) (string, error) {
	logs, ok := c.PodLogs[job.Name]
	if !ok {
		return "", errors.Errorf("no pod of job %s is in the Succeeded phase", job.Name)
	}
	return logs, nil
}
