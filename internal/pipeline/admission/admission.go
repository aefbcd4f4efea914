package admission

import (
	log "github.com/sirupsen/logrus"

	clusterContext "github.com/gradepipe/gradepipe/internal/pipeline/context"
	"github.com/gradepipe/gradepipe/internal/pipeline/metrics"
)

type Decision int

const (
	Launch Decision = iota
	Defer
)

func (d Decision) String() string {
	if d == Launch {
		return "LAUNCH"
	}
	return "DEFER"
}

// Controller decides whether a new pipeline job may be launched now. The
// ceiling is a soft resource protection target: two concurrent admissions can
// both see capacity and transiently exceed it by a small margin, which is
// accepted in exchange for not holding a lock around the count.
type Controller struct {
	clusterContext clusterContext.ClusterContext
	maxActiveJobs  int
}

func NewController(clusterContext clusterContext.ClusterContext, maxActiveJobs int) *Controller {
	return &Controller{
		clusterContext: clusterContext,
		maxActiveJobs:  maxActiveJobs,
	}
}

// Admit counts active pipeline jobs cluster wide immediately before the
// decision. On DEFER the caller must re-enqueue the same launch request, not
// drop it.
func (c *Controller) Admit() (Decision, error) {
	jobs, err := c.clusterContext.GetActivePipelineJobs()
	if err != nil {
		return Defer, err
	}
	if len(jobs) >= c.maxActiveJobs {
		log.Infof("Deferring pipeline launch, %d active jobs at or above ceiling %d", len(jobs), c.maxActiveJobs)
		metrics.LaunchesDeferred.Inc()
		return Defer, nil
	}
	return Launch, nil
}
