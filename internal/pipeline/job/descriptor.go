package job

import (
	"fmt"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/pointer"

	"github.com/gradepipe/gradepipe/internal/pipeline/configuration"
	"github.com/gradepipe/gradepipe/internal/pipeline/domain"
	"github.com/gradepipe/gradepipe/internal/submission"
)

const (
	jobNamePrefix     = "submission-pipeline"
	containerName     = "pipeline"
	gitCredentialsKey = "credentials"

	// A failed attempt is a finished attempt. Retries happen at the scheduler
	// level, not in the container, but the cluster may retry pod level
	// failures a bounded number of times.
	backoffLimit = 3
	// The cluster self cleans finished jobs even if the reaper misses them.
	ttlSecondsAfterFinished = 300
)

// BuildPipelineJob is a pure transform from a submission to a complete,
// resource bounded job descriptor. Callers must have validated the submission
// beforehand; no errors are produced here.
func BuildPipelineJob(s *submission.Submission, config *configuration.PipelineConfiguration, createdAt time.Time) *batchv1.Job {
	container := v1.Container{
		Name:  containerName,
		Image: config.Image,
		Env: []v1.EnvVar{
			{Name: "TOKEN", Value: s.Token},
			{Name: "SUBMISSION_ID", Value: s.ID},
			{Name: "GIT_REPO", Value: s.RepoURL},
			{Name: "COMMIT", Value: s.CommitHash},
			{Name: "API_URL", Value: config.ApiUrl},
			{
				// Referenced by secret name so credential rotation does not
				// require rebuilding descriptors.
				Name: "GIT_CRED",
				ValueFrom: &v1.EnvVarSource{
					SecretKeyRef: &v1.SecretKeySelector{
						LocalObjectReference: v1.LocalObjectReference{Name: config.GitCredentialsSecret},
						Key:                  gitCredentialsKey,
					},
				},
			},
		},
		SecurityContext: &v1.SecurityContext{
			AllowPrivilegeEscalation: pointer.Bool(false),
		},
	}

	if !config.PermissiveResources {
		limits := v1.ResourceList{
			v1.ResourceCPU:    resource.MustParse(config.CpuLimit),
			v1.ResourceMemory: resource.MustParse(config.MemoryLimit),
		}
		container.Resources = v1.ResourceRequirements{
			Requests: limits,
			Limits:   limits,
		}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   jobName(s, createdAt),
			Labels: domain.NewPipelineLabels(s.ID).Map(),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            pointer.Int32(backoffLimit),
			TTLSecondsAfterFinished: pointer.Int32(ttlSecondsAfterFinished),
			Template: v1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: domain.NewPipelineLabels(s.ID).Map(),
				},
				Spec: v1.PodSpec{
					RestartPolicy:                v1.RestartPolicyNever,
					ServiceAccountName:           config.ServiceAccountName,
					AutomountServiceAccountToken: pointer.Bool(false),
					Containers:                   []v1.Container{container},
				},
			},
		},
	}
}

func jobName(s *submission.Submission, createdAt time.Time) string {
	return fmt.Sprintf("%s-%s-%d", jobNamePrefix, sanitizeName(s.OwnerUsername), createdAt.UTC().Unix())
}

// sanitizeName squashes a username into a DNS-1123 friendly name segment.
func sanitizeName(name string) string {
	var builder strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
		} else {
			builder.WriteRune('-')
		}
	}
	sanitized := strings.Trim(builder.String(), "-")
	if sanitized == "" {
		return "unknown"
	}
	return sanitized
}
