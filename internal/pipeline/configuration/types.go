package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type ApplicationConfiguration struct {
	// HttpPort serves the report ingestion routes, /health and /metrics.
	HttpPort uint16
}

type KubernetesConfiguration struct {
	// Namespace all pipeline jobs are created in and listed from.
	Namespace           string
	InClusterDeployment bool
}

type NatsConfiguration struct {
	Url            string
	Stream         string
	Subject        string
	RegradeSubject string
	PanicSubject   string
	QueueGroup     string
}

type PostgresConfiguration struct {
	ConnectionString string
}

type PipelineConfiguration struct {
	// Image is the grading container image run for every submission.
	Image string
	// ApiUrl is the base url the job uses for report callbacks.
	ApiUrl string
	// GitCredentialsSecret names the secret holding the git token. Referenced
	// by name so rotation does not require rebuilding descriptors.
	GitCredentialsSecret string
	ServiceAccountName   string

	// MaxActiveJobs is the cluster wide admission ceiling.
	MaxActiveJobs int
	// JobTimeout is the absolute job age limit enforced by the reaper.
	JobTimeout time.Duration
	// LockTTL bounds how long a crashed reaper pass can hold a submission lock.
	LockTTL time.Duration
	// StaleSubmissionAge is the backstop after which unprocessed submissions
	// are force reaped.
	StaleSubmissionAge time.Duration

	// PermissiveResources drops cpu/memory limits from job descriptors. Debug
	// only.
	PermissiveResources bool
	CpuLimit            string
	MemoryLimit         string
}

type TaskConfiguration struct {
	ReconciliationInterval  time.Duration
	SubmissionSweepInterval time.Duration
}

type SchedulerConfiguration struct {
	Application ApplicationConfiguration
	Kubernetes  KubernetesConfiguration
	Redis       redis.UniversalOptions
	Nats        NatsConfiguration
	Postgres    PostgresConfiguration
	Pipeline    PipelineConfiguration
	Task        TaskConfiguration
}
