package configuration

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

func ValidateSchedulerConfiguration(config SchedulerConfiguration) error {
	if config.Pipeline.Image == "" {
		return fmt.Errorf("pipeline.image must be set")
	}
	if config.Pipeline.MaxActiveJobs <= 0 {
		return fmt.Errorf("pipeline.maxActiveJobs must be positive, got %d", config.Pipeline.MaxActiveJobs)
	}
	if config.Pipeline.JobTimeout <= 0 {
		return fmt.Errorf("pipeline.jobTimeout must be positive, got %s", config.Pipeline.JobTimeout)
	}
	if config.Pipeline.LockTTL <= 0 {
		return fmt.Errorf("pipeline.lockTTL must be positive, got %s", config.Pipeline.LockTTL)
	}
	if !config.Pipeline.PermissiveResources {
		if _, err := resource.ParseQuantity(config.Pipeline.CpuLimit); err != nil {
			return fmt.Errorf("pipeline.cpuLimit %q is not a valid quantity: %s", config.Pipeline.CpuLimit, err)
		}
		if _, err := resource.ParseQuantity(config.Pipeline.MemoryLimit); err != nil {
			return fmt.Errorf("pipeline.memoryLimit %q is not a valid quantity: %s", config.Pipeline.MemoryLimit, err)
		}
	}
	return nil
}
