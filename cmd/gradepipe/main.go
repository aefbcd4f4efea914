package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/gradepipe/gradepipe/internal/common"
	"github.com/gradepipe/gradepipe/internal/pipeline"
	"github.com/gradepipe/gradepipe/internal/pipeline/configuration"
)

func main() {
	common.ConfigureLogging()

	var config configuration.SchedulerConfiguration
	common.LoadConfig(&config, "./config/gradepipe")
	if err := configuration.ValidateSchedulerConfiguration(config); err != nil {
		log.Errorf("Invalid configuration: %s", err)
		os.Exit(-1)
	}

	shutdown, wg := pipeline.StartUp(config)

	go func() {
		stopSignal := make(chan os.Signal, 1)
		signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignal
		shutdown()
	}()

	wg.Wait()
}
