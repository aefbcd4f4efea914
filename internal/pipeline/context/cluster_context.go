package context

import (
	ctx "context"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	batchinformer "k8s.io/client-go/informers/batch/v1"
	"k8s.io/client-go/kubernetes"
	k8scache "k8s.io/client-go/tools/cache"
	"k8s.io/utils/pointer"

	"github.com/gradepipe/gradepipe/internal/pipeline/cluster"
	"github.com/gradepipe/gradepipe/internal/pipeline/domain"
	"github.com/gradepipe/gradepipe/internal/submission"
)

// ClusterContext is the single handle through which the scheduler touches the
// cluster's job namespace. Constructed once in the composition root and passed
// down, never ambient.
type ClusterContext interface {
	// GetActivePipelineJobs lists every job carrying the pipeline label set in
	// one query. Jobs submitted moments ago that the informer has not synced
	// yet are included.
	GetActivePipelineJobs() ([]*batchv1.Job, error)
	SubmitJob(job *batchv1.Job) (*batchv1.Job, error)
	// DeleteJob removes a job with background propagation so dependent pods
	// are cleaned up asynchronously. Deleting an already deleted job returns
	// the cluster's not found error; callers treat that as a no-op.
	DeleteJob(job *batchv1.Job) error
	// GetSucceededJobLogs reads the container log of a pod of the job that
	// reached the Succeeded phase, capped at the pipeline log limit.
	GetSucceededJobLogs(job *batchv1.Job) (string, error)
	Stop()
}

type KubernetesClusterContext struct {
	namespace        string
	kubernetesClient kubernetes.Interface
	jobInformer      batchinformer.JobInformer
	// submittedJobs tracks jobs created so recently the informer may not have
	// seen them, so admission counting cannot undercount.
	submittedJobs *cache.Cache
	stopper       chan struct{}
}

func NewClusterContext(
	namespace string,
	kubernetesClientProvider cluster.KubernetesClientProvider,
) *KubernetesClusterContext {
	kubernetesClient := kubernetesClientProvider.Client()

	factory := informers.NewSharedInformerFactoryWithOptions(
		kubernetesClient, 0, informers.WithNamespace(namespace))

	context := &KubernetesClusterContext{
		namespace:        namespace,
		kubernetesClient: kubernetesClient,
		jobInformer:      factory.Batch().V1().Jobs(),
		submittedJobs:    cache.New(time.Minute, 10*time.Second),
		stopper:          make(chan struct{}),
	}

	context.jobInformer.Informer().AddEventHandler(k8scache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			job, ok := obj.(*batchv1.Job)
			if !ok {
				log.Errorf("Failed to process job event due to it being an unexpected type. Failed to process %+v", obj)
				return
			}
			context.submittedJobs.Delete(job.Name)
		},
	})

	factory.Start(context.stopper)
	factory.WaitForCacheSync(context.stopper)

	return context
}

func (c *KubernetesClusterContext) Stop() {
	close(c.stopper)
}

func (c *KubernetesClusterContext) GetActivePipelineJobs() ([]*batchv1.Job, error) {
	selector := labels.SelectorFromSet(map[string]string{
		domain.ComponentLabel: domain.ComponentSubmissionPipeline,
		domain.RoleLabel:      domain.RoleSubmissionPipelineWorker,
	})
	jobs, err := c.jobInformer.Lister().Jobs(c.namespace).List(selector)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	known := map[string]bool{}
	for _, job := range jobs {
		known[job.Name] = true
	}
	for name, item := range c.submittedJobs.Items() {
		if known[name] {
			c.submittedJobs.Delete(name)
			continue
		}
		job, ok := item.Object.(*batchv1.Job)
		if !ok {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (c *KubernetesClusterContext) SubmitJob(job *batchv1.Job) (*batchv1.Job, error) {
	created, err := c.kubernetesClient.BatchV1().Jobs(c.namespace).
		Create(ctx.Background(), job, metav1.CreateOptions{})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.submittedJobs.Set(created.Name, created, cache.DefaultExpiration)
	return created, nil
}

func (c *KubernetesClusterContext) DeleteJob(job *batchv1.Job) error {
	propagationPolicy := metav1.DeletePropagationBackground
	err := c.kubernetesClient.BatchV1().Jobs(c.namespace).
		Delete(ctx.Background(), job.Name, metav1.DeleteOptions{PropagationPolicy: &propagationPolicy})
	if err != nil {
		return err
	}
	c.submittedJobs.Delete(job.Name)
	return nil
}

func (c *KubernetesClusterContext) GetSucceededJobLogs(job *batchv1.Job) (string, error) {
	pods, err := c.kubernetesClient.CoreV1().Pods(c.namespace).
		List(ctx.Background(), metav1.ListOptions{LabelSelector: "job-name=" + job.Name})
	if err != nil {
		return "", errors.WithStack(err)
	}

	var succeeded *v1.Pod
	for i, pod := range pods.Items {
		if pod.Status.Phase == v1.PodSucceeded {
			succeeded = &pods.Items[i]
			break
		}
	}
	if succeeded == nil {
		return "", errors.Errorf("no pod of job %s is in the Succeeded phase", job.Name)
	}

	result := c.kubernetesClient.CoreV1().Pods(c.namespace).
		GetLogs(succeeded.Name, &v1.PodLogOptions{
			LimitBytes: pointer.Int64(submission.MaxPipelineLogBytes),
		}).
		Do(ctx.Background())
	if result.Error() != nil {
		return "", result.Error()
	}
	rawLog, err := result.Raw()
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(rawLog), nil
}
