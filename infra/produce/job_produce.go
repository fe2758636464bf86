package produce

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	JobsExchange       = "jobs.exchange"
	JobStartQueue      = "jobs.generate"
	JobStartRoutingKey = "jobs.generate"
)

// JobStartMessage tells a worker that a job needs execution. The same
// message shape is used for the first dispatch and for every redelivery
// the recovery sweep issues.
type JobStartMessage struct {
	JobID       string `json:"job_id"`
	OwnerID     string `json:"owner_id"`
	Resume      bool   `json:"resume"`       // true when re-entering a failed job
	TriggeredBy string `json:"triggered_by"` // "submit", "sweep", "kick"
	Attempt     int    `json:"attempt"`
	Timestamp   int64  `json:"timestamp"`
}

// JobProduceService publishes job-start messages to the durable queue.
type JobProduceService struct {
	channel *amqp.Channel
}

// InitJobProduceService declares the exchange/queue topology and returns
// the producer. Declarations are idempotent; every process re-asserts
// them on boot.
func InitJobProduceService(channel *amqp.Channel) *JobProduceService {
	service := &JobProduceService{
		channel: channel,
	}

	err := channel.ExchangeDeclare(
		JobsExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Jobs exchange: " + err.Error())
	}

	_, err = channel.QueueDeclare(
		JobStartQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		panic("Failed to declare Job Start queue: " + err.Error())
	}

	err = channel.QueueBind(
		JobStartQueue,
		JobStartRoutingKey,
		JobsExchange,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to bind Job Start queue: " + err.Error())
	}

	return service
}

// PublishJobStart makes the job visible to exactly one consumer.
func (s *JobProduceService) PublishJobStart(ctx context.Context, msg JobStartMessage) error {
	msg.Timestamp = time.Now().Unix()

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return s.channel.PublishWithContext(
		ctx,
		JobsExchange,
		JobStartRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}
