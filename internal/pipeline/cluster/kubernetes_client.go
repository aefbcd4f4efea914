package cluster

import (
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/gradepipe/gradepipe/internal/pipeline/configuration"
)

type KubernetesClientProvider interface {
	Client() kubernetes.Interface
}

type ConfigKubernetesClientProvider struct {
	restConfig *rest.Config
	client     kubernetes.Interface
}

func NewKubernetesClientProvider(config *configuration.KubernetesConfiguration) (*ConfigKubernetesClientProvider, error) {
	restConfig, err := loadConfig(config)
	if err != nil {
		return nil, err
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, err
	}

	return &ConfigKubernetesClientProvider{restConfig: restConfig, client: client}, nil
}

func (c *ConfigKubernetesClientProvider) Client() kubernetes.Interface {
	return c.client
}

func loadConfig(config *configuration.KubernetesConfiguration) (*rest.Config, error) {
	if config.InClusterDeployment {
		return rest.InClusterConfig()
	}
	restConfig, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	} else if err != nil {
		return nil, err
	}
	log.Info("Running with in cluster client configuration")
	return restConfig, nil
}
