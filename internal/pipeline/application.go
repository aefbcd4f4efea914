package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/gradepipe/gradepipe/internal/pipeline/admission"
	"github.com/gradepipe/gradepipe/internal/pipeline/cluster"
	"github.com/gradepipe/gradepipe/internal/pipeline/configuration"
	clusterContext "github.com/gradepipe/gradepipe/internal/pipeline/context"
	"github.com/gradepipe/gradepipe/internal/pipeline/launcher"
	"github.com/gradepipe/gradepipe/internal/pipeline/lock"
	"github.com/gradepipe/gradepipe/internal/pipeline/metrics"
	"github.com/gradepipe/gradepipe/internal/pipeline/queue"
	"github.com/gradepipe/gradepipe/internal/pipeline/reporting"
	"github.com/gradepipe/gradepipe/internal/pipeline/service"
	"github.com/gradepipe/gradepipe/internal/submission"
)

func StartUp(config configuration.SchedulerConfiguration) (func(), *sync.WaitGroup) {
	kubernetesClientProvider, err := cluster.NewKubernetesClientProvider(&config.Kubernetes)
	if err != nil {
		log.Errorf("Failed to connect to kubernetes because %s", err)
		os.Exit(-1)
	}

	redisClient := redis.NewUniversalClient(&config.Redis)

	natsConnection, err := nats.Connect(config.Nats.Url, nats.MaxReconnects(-1))
	if err != nil {
		log.Errorf("Failed to connect to nats because %s", err)
		os.Exit(-1)
	}
	pipelineQueue, err := queue.NewPipelineQueue(natsConnection, config.Nats)
	if err != nil {
		log.Errorf("Failed to set up the pipeline queue because %s", err)
		os.Exit(-1)
	}

	db, err := pgxpool.Connect(context.Background(), config.Postgres.ConnectionString)
	if err != nil {
		log.Errorf("Failed to connect to postgres because %s", err)
		os.Exit(-1)
	}
	submissions := submission.NewPostgresRepository(db)

	clusterCtx := clusterContext.NewClusterContext(config.Kubernetes.Namespace, kubernetesClientProvider)
	locks := lock.NewPipelineLockFactory(redisClient, config.Pipeline.LockTTL)
	admissionController := admission.NewController(clusterCtx, config.Pipeline.MaxActiveJobs)
	jobLauncher := launcher.NewJobLauncher(clusterCtx, admissionController, submissions, pipelineQueue, &config.Pipeline)
	reconciliationService := service.NewReconciliationService(clusterCtx, locks, submissions, config.Pipeline.JobTimeout)
	sweepService := service.NewSubmissionSweepService(submissions, jobLauncher, config.Pipeline.StaleSubmissionAge)

	launchSubscription, err := pipelineQueue.SubscribeLaunches(func(submissionId string) error {
		return jobLauncher.Launch(context.Background(), submissionId)
	})
	if err != nil {
		log.Errorf("Failed to subscribe to launch requests because %s", err)
		os.Exit(-1)
	}
	regradeSubscription, err := pipelineQueue.SubscribeRegrades(func(submissionId string) error {
		return jobLauncher.Regrade(context.Background(), submissionId)
	})
	if err != nil {
		log.Errorf("Failed to subscribe to regrade requests because %s", err)
		os.Exit(-1)
	}

	router := chi.NewRouter()
	reporting.NewReportServer(submissions, pipelineQueue).Routes(router)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Application.HttpPort),
		Handler: router,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Report server stopped because %s", err)
		}
	}()

	wg := &sync.WaitGroup{}
	wg.Add(1)

	tasks := make([]chan bool, 0)
	tasks = append(tasks, scheduleBackgroundTask(reconciliationService.ReconcilePipelineJobs, config.Task.ReconciliationInterval, "reconciliation", wg))
	tasks = append(tasks, scheduleBackgroundTask(sweepService.SweepSubmissions, config.Task.SubmissionSweepInterval, "submission_sweep", wg))

	return func() {
		stopTasks(tasks)
		if err := launchSubscription.Drain(); err != nil {
			log.Warnf("Failed to drain launch subscription: %s", err)
		}
		if err := regradeSubscription.Drain(); err != nil {
			log.Warnf("Failed to drain regrade subscription: %s", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Failed to shut down report server cleanly: %s", err)
		}
		clusterCtx.Stop()
		natsConnection.Close()
		db.Close()
		if err := redisClient.Close(); err != nil {
			log.Warnf("Failed to close redis client: %s", err)
		}
		wg.Done()
		if waitForShutdownCompletion(wg, 2*time.Second) {
			log.Warnf("Graceful shutdown timed out")
		}
		log.Infof("Shutdown complete")
	}, wg
}

func waitForShutdownCompletion(wg *sync.WaitGroup, timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func scheduleBackgroundTask(task func(), interval time.Duration, metricName string, wg *sync.WaitGroup) chan bool {
	stop := make(chan bool)

	taskDurationHistogram := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    metrics.MetricsPrefix + metricName + "_latency_seconds",
			Help:    "Background loop " + metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		})

	wg.Add(1)
	go func() {
		start := time.Now()
		task()
		taskDurationHistogram.Observe(time.Since(start).Seconds())

		for {
			select {
			case <-time.After(interval):
			case <-stop:
				wg.Done()
				return
			}
			innerStart := time.Now()
			task()
			taskDurationHistogram.Observe(time.Since(innerStart).Seconds())
		}
	}()

	return stop
}

func stopTasks(taskChannels []chan bool) {
	for _, channel := range taskChannels {
		channel <- true
	}
}
