package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/infra"
	"github.com/inkforge/inkforge-orchestrator/infra/produce"
	"github.com/inkforge/inkforge-orchestrator/orchestrator"
	"github.com/inkforge/inkforge-orchestrator/repository"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobConsumer pulls job-start messages and drives them through the tick
// handler. Prefetch is 1: each worker process executes one generation
// job at a time, which bounds memory and provider-rate usage.
type JobConsumer struct {
	channel    *amqp.Channel
	infra      *infra.Infra
	repository *repository.Repository
	tick       *orchestrator.TickHandler
}

func NewJobConsumer(channel *amqp.Channel, infra *infra.Infra, repo *repository.Repository, tick *orchestrator.TickHandler) *JobConsumer {
	return &JobConsumer{
		channel:    channel,
		infra:      infra,
		repository: repo,
		tick:       tick,
	}
}

func (c *JobConsumer) Start(ctx context.Context) error {
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := c.channel.Consume(
		produce.JobStartQueue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register job consumer: %w", err)
	}

	c.infra.Logger.InfoWithContextf(ctx, "[Job Consumer] Started listening for generation jobs on queue: %s", produce.JobStartQueue)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.infra.Logger.InfoWithContextf(ctx, "[Job Consumer] Shutting down...")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.infra.Logger.WarningWithContextf(ctx, "[Job Consumer] Channel closed")
					return
				}
				c.handleJobStart(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *JobConsumer) handleJobStart(ctx context.Context, msg amqp.Delivery) {
	var payload produce.JobStartMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		c.infra.Logger.ErrorWithContextf(ctx, err, "[Job Consumer] Failed to unmarshal message")
		_ = msg.Nack(false, false)
		return
	}

	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		c.infra.Logger.ErrorWithContextf(ctx, err, "[Job Consumer] Invalid job ID %q", payload.JobID)
		_ = msg.Nack(false, false)
		return
	}

	c.infra.Logger.InfoWithContextf(ctx, "[Job Consumer] Executing job %s (triggered by %s, attempt %d)",
		jobID, payload.TriggeredBy, payload.Attempt)

	// The HTTP request that enqueued this job is long gone; generation
	// runs on a background context so a queue-side cancellation does not
	// abort a multi-minute pipeline mid-flight.
	bgCtx := context.Background()

	result, err := c.tick.Tick(bgCtx, jobID, orchestrator.TickOptions{
		Resume:      payload.Resume,
		TriggeredBy: payload.TriggeredBy,
	})

	switch {
	case err == nil:
		c.infra.Logger.InfoWithContextf(ctx, "[Job Consumer] Job %s finished with status %s (progress %d)",
			jobID, result.Status, result.Progress)
		_ = msg.Ack(false)
	case errors.Is(err, repository.ErrJobNotFound):
		// A message for a record that does not exist is poison; drop it.
		c.infra.Logger.ErrorWithContextf(ctx, err, "[Job Consumer] Job %s not found, dropping message", jobID)
		_ = msg.Nack(false, false)
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		c.infra.Logger.InfoWithContextf(ctx, "[Job Consumer] Job %s already succeeded, dropping duplicate delivery", jobID)
		_ = msg.Ack(false)
	case errors.Is(err, orchestrator.ErrBusy):
		// Another worker holds the lease. Ack rather than requeue: the
		// holder either finishes the job or the sweep redelivers it.
		c.infra.Logger.WarningWithContextf(ctx, "[Job Consumer] Job %s busy on another worker, dropping delivery", jobID)
		_ = msg.Ack(false)
	case errors.Is(err, orchestrator.ErrLeaseLost):
		c.infra.Logger.WarningWithContextf(ctx, "[Job Consumer] Job %s lease lost mid-run, leaving record to new owner", jobID)
		_ = msg.Ack(false)
	default:
		// Infra failure (store/redis unavailable): requeue for another
		// worker or a later retry.
		c.infra.Logger.ErrorWithContextf(ctx, err, "[Job Consumer] Job %s execution errored, requeueing", jobID)
		_ = msg.Nack(false, true)
	}
}
