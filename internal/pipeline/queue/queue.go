package queue

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gradepipe/gradepipe/internal/pipeline/configuration"
)

const retryDelay = 10 * time.Second

// PipelineQueue is the at-least-once delivery primitive the Job Launcher is
// invoked through. Launch requests are submission ids published to a JetStream
// subject; duplicated or retried deliveries are safe because launching is
// idempotent.
type PipelineQueue struct {
	js     nats.JetStreamContext
	config configuration.NatsConfiguration
}

func NewPipelineQueue(nc *nats.Conn, config configuration.NatsConfiguration) (*PipelineQueue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	_, err = js.StreamInfo(config.Stream)
	if err == nats.ErrStreamNotFound {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     config.Stream,
			Subjects: []string{config.Subject, config.RegradeSubject, config.PanicSubject},
		})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &PipelineQueue{js: js, config: config}, nil
}

func (q *PipelineQueue) EnqueueAutogradePipeline(submissionId string) error {
	_, err := q.js.Publish(q.config.Subject, []byte(submissionId))
	return errors.WithStack(err)
}

type PanicAlert struct {
	SubmissionId string `json:"submission_id"`
	Message      string `json:"message"`
	Traceback    string `json:"traceback,omitempty"`
}

// PublishPanicAlert pushes a grading panic onto the administrator
// notification subject. Best effort side channel.
func (q *PipelineQueue) PublishPanicAlert(alert PanicAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = q.js.Publish(q.config.PanicSubject, data)
	return errors.WithStack(err)
}

// EnqueueRegrade requests a full regrade of an already graded submission.
func (q *PipelineQueue) EnqueueRegrade(submissionId string) error {
	_, err := q.js.Publish(q.config.RegradeSubject, []byte(submissionId))
	return errors.WithStack(err)
}

// SubscribeLaunches runs handler for every queued launch request. Handler
// errors trigger delayed redelivery; the launcher handles admission deferral
// itself by re-enqueueing, so a nil return always acks.
func (q *PipelineQueue) SubscribeLaunches(handler func(submissionId string) error) (*nats.Subscription, error) {
	return q.subscribe(q.config.Subject, "launch", handler)
}

// SubscribeRegrades runs handler for every queued regrade request.
func (q *PipelineQueue) SubscribeRegrades(handler func(submissionId string) error) (*nats.Subscription, error) {
	return q.subscribe(q.config.RegradeSubject, "regrade", handler)
}

func (q *PipelineQueue) subscribe(subject string, kind string, handler func(submissionId string) error) (*nats.Subscription, error) {
	// The queue group doubles as the durable consumer name, so each subject
	// needs its own group.
	group := q.config.QueueGroup + "-" + kind
	subscription, err := q.js.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		submissionId := string(msg.Data)
		if err := handler(submissionId); err != nil {
			log.Errorf("Failed to handle %s request for submission %s because %s", kind, submissionId, err)
			if err := msg.NakWithDelay(retryDelay); err != nil {
				log.Errorf("Failed to nak %s request for submission %s: %s", kind, submissionId, err)
			}
			return
		}
		if err := msg.Ack(); err != nil {
			log.Errorf("Failed to ack %s request for submission %s: %s", kind, submissionId, err)
		}
	}, nats.ManualAck())
	return subscription, errors.WithStack(err)
}
