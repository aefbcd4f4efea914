package domain

// Label keys and values used to mark and find pipeline jobs in the cluster.
// The label set is the only correlation between a cluster job and the
// submission it grades, so the keys live here as constants rather than being
// spelled at call sites.
const (
	ComponentLabel = "component"
	RoleLabel      = "role"
	SubmissionId   = "submission-id"

	ComponentSubmissionPipeline  = "submission-pipeline"
	RoleSubmissionPipelineWorker = "submission-pipeline-worker"
)

// PipelineLabels is the full label set stamped onto every pipeline job.
type PipelineLabels struct {
	SubmissionId string
}

func NewPipelineLabels(submissionId string) PipelineLabels {
	return PipelineLabels{SubmissionId: submissionId}
}

func (l PipelineLabels) Map() map[string]string {
	return map[string]string{
		ComponentLabel: ComponentSubmissionPipeline,
		RoleLabel:      RoleSubmissionPipelineWorker,
		SubmissionId:   l.SubmissionId,
	}
}

// ExtractSubmissionId pulls the submission id off a job's labels. Jobs without
// one are untracked and must be skipped by the reaper.
func ExtractSubmissionId(labels map[string]string) (string, bool) {
	id, ok := labels[SubmissionId]
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
